package attachment

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/blake2b"

	"marketchat/cmd/internal/chat"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func mustHandler(t *testing.T, blob Blob, opts ...Option) *Handler {
	t.Helper()
	fixed := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	h, err := NewHandler(blob, append([]Option{WithClock(func() time.Time { return fixed })}, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func TestHandler_Store_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		up     chat.AttachmentUpload
		max    int64
		reason error
	}{
		{"empty", chat.AttachmentUpload{MimeType: "image/png"}, 1024, chat.ErrEmptyAttachment},
		{"too large", chat.AttachmentUpload{Data: pngBytes, MimeType: "image/png"}, 8, chat.ErrTooLarge},
		{"type not allowed", chat.AttachmentUpload{Data: []byte("PK\x03\x04zip"), MimeType: "application/zip"}, 1024, chat.ErrUnsupportedType},
		{"content disagrees", chat.AttachmentUpload{Data: []byte("just some text"), MimeType: "image/png"}, 1024, chat.ErrUnsupportedType},
		{"png declared as jpeg", chat.AttachmentUpload{Data: pngBytes, MimeType: "image/jpeg"}, 1024, chat.ErrUnsupportedType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			blob := NewMemoryBlob("")
			h := mustHandler(t, blob)

			_, err := h.Store(context.Background(), tc.up, tc.max)
			if !chat.IsValidation(err) || !errors.Is(err, tc.reason) {
				t.Fatalf("want validation/%v, got %v", tc.reason, err)
			}
			if blob.Len() != 0 {
				t.Fatalf("nothing may be stored on validation failure")
			}
		})
	}
}

func TestHandler_Store_WritesBlobAndReference(t *testing.T) {
	t.Parallel()

	blob := NewMemoryBlob("http://cdn.local/att/")
	h := mustHandler(t, blob)

	ref, err := h.Store(context.Background(), chat.AttachmentUpload{
		Data:     pngBytes,
		MimeType: "Image/PNG",
		Filename: "../../etc/photo.PNG",
	}, 1<<20)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if !strings.HasPrefix(ref.Key, "2026/04/02/") || !strings.HasSuffix(ref.Key, ".png") {
		t.Fatalf("unexpected key: %q", ref.Key)
	}
	if ref.URL != "http://cdn.local/att/"+ref.Key {
		t.Fatalf("unexpected url: %q", ref.URL)
	}
	if ref.MimeType != "image/png" || ref.Size != int64(len(pngBytes)) || ref.Filename != "photo.PNG" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	sum := blake2b.Sum256(pngBytes)
	if ref.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}

	data, ct, ok := blob.Get(ref.Key)
	if !ok || string(data) != string(pngBytes) || ct != "image/png" {
		t.Fatalf("blob not written: ok=%v ct=%q", ok, ct)
	}

	if err := h.Discard(context.Background(), ref); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if blob.Len() != 0 {
		t.Fatalf("discard must delete the blob")
	}
}

func TestHandler_Store_InfersTypeAndAcceptsParameters(t *testing.T) {
	t.Parallel()

	h := mustHandler(t, NewMemoryBlob(""))

	ref, err := h.Store(context.Background(), chat.AttachmentUpload{Data: pngBytes}, 1024)
	if err != nil || ref.MimeType != "image/png" {
		t.Fatalf("inferred type: ref=%+v err=%v", ref, err)
	}

	ref, err = h.Store(context.Background(), chat.AttachmentUpload{
		Data:     []byte("pickup at 5pm works"),
		MimeType: "text/plain; charset=utf-8",
	}, 1024)
	if err != nil || ref.MimeType != "text/plain" {
		t.Fatalf("text with params: ref=%+v err=%v", ref, err)
	}
}

func TestHandler_Store_CustomAllowList(t *testing.T) {
	t.Parallel()

	h := mustHandler(t, NewMemoryBlob(""), WithAllowedTypes([]string{"text/plain"}))
	_, err := h.Store(context.Background(), chat.AttachmentUpload{Data: pngBytes, MimeType: "image/png"}, 1024)
	if !errors.Is(err, chat.ErrUnsupportedType) {
		t.Fatalf("want unsupported_type, got %v", err)
	}

	if _, err := NewHandler(NewMemoryBlob(""), WithAllowedTypes(nil)); err == nil {
		t.Fatalf("empty allow-list must be rejected")
	}
}

type stallingBlob struct{}

func (stallingBlob) Put(ctx context.Context, _ PutInput) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (stallingBlob) Delete(context.Context, string) error { return nil }

func TestHandler_Store_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	h := mustHandler(t, stallingBlob{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Store(ctx, chat.AttachmentUpload{Data: pngBytes, MimeType: "image/png"}, 1024)
	if !chat.IsTimeout(err) {
		t.Fatalf("want timeout, got %v", err)
	}
}

func TestCleanFilename(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", MaxFilenameLen) + ".png"
	cases := map[string]string{
		"  photo.png ":     "photo.png",
		`C:\tmp\photo.png`: "photo.png",
		"../../etc/passwd": "passwd",
		"bad\x00name.png":  "badname.png",
		"bad\xffname.png":  "badname.png",
		"\x00":             "",
		"/":                "",
	}
	for in, want := range cases {
		if got := cleanFilename(in); got != want {
			t.Fatalf("cleanFilename(%q): got %q want %q", in, got, want)
		}
	}

	got := cleanFilename(long)
	if len(got) > MaxFilenameLen || !chat.ValidText(got) || !strings.HasSuffix(got, ".png") {
		t.Fatalf("truncated name must stay valid utf-8 within %d bytes: len=%d valid=%v", MaxFilenameLen, len(got), chat.ValidText(got))
	}
}
