package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"ok", Envelope{V: Version, Type: TypeCatchUp}, false},
		{"missing version", Envelope{Type: TypeHello}, true},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, true},
		{"missing type", Envelope{V: Version}, true},
		{"unknown type", Envelope{V: Version, Type: "conversation_join"}, true},
	}
	for _, tc := range tests {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestCatchUpPayload_OptionalCursor(t *testing.T) {
	t.Parallel()

	var p CatchUpPayload
	if err := json.Unmarshal([]byte(`{"conversation_id":"c1","after_seq":0}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AfterSeq == nil || *p.AfterSeq != 0 || p.Since != nil {
		t.Fatalf("after_seq=0 must be distinguishable from absent: %+v", p)
	}

	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	b, _ := json.Marshal(CatchUpPayload{ConversationID: "c1", Since: &ts})
	p = CatchUpPayload{}
	if err := json.Unmarshal(b, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Since == nil || !p.Since.Equal(ts) {
		t.Fatalf("since lost precision: %+v", p.Since)
	}
}
