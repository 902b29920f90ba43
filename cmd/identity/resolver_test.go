package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHeaderResolver_Participant(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		header  string
		value   string
		want    string
		wantErr error
	}{
		{name: "default header", value: "buyer-1", want: "buyer-1"},
		{name: "trimmed", value: "  seller-9 ", want: "seller-9"},
		{name: "custom header", header: "X-User", value: "u-1", want: "u-1"},
		{name: "missing", value: "", wantErr: ErrMissingParticipant},
		{name: "inner space", value: "a b", wantErr: ErrInvalidParticipant},
		{name: "too long", value: strings.Repeat("x", MaxParticipantIDLen+1), wantErr: ErrInvalidParticipant},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			res := NewHeaderResolver(tc.header)
			req := httptest.NewRequest("GET", "/", nil)
			if tc.value != "" {
				req.Header.Set(res.Header, tc.value)
			}

			got, err := res.Participant(req)
			if tc.wantErr != nil {
				if err != tc.wantErr {
					t.Fatalf("Participant() err=%v want=%v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Participant() unexpected err: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Participant()=%q want=%q", got, tc.want)
			}
		})
	}
}
