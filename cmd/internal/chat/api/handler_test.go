package chatapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"marketchat/cmd/identity"
	"marketchat/cmd/internal/attachment"
	"marketchat/cmd/internal/chat"
	chatapi "marketchat/cmd/internal/chat/api"
)

// Smallest valid PNG header; enough for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

type apiFixture struct {
	svc  *chat.Service
	blob *attachment.MemoryBlob
	srv  *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	blob := attachment.NewMemoryBlob("https://cdn.example")
	handler, err := attachment.NewHandler(blob)
	if err != nil {
		t.Fatalf("attachment handler: %v", err)
	}
	svc, err := chat.NewService(chat.NewInMemoryStore(), chat.WithAttachments(handler))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h, err := chatapi.NewHandler(svc, identity.NewHeaderResolver(""))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	r := chi.NewRouter()
	r.Route("/api/v1", h.RegisterRoutes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &apiFixture{svc: svc, blob: blob, srv: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, participant string, body any, out any) int {
	t.Helper()

	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if participant != "" {
		req.Header.Set(identity.DefaultHeader, participant)
	}
	return f.send(t, req, out)
}

func (f *apiFixture) send(t *testing.T, req *http.Request, out any) int {
	t.Helper()

	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
	return resp.StatusCode
}

type conversationBody struct {
	Conversation chat.Conversation `json:"conversation"`
	Created      bool              `json:"created"`
}

type messageBody struct {
	Message    chat.Message `json:"message"`
	Duplicated bool         `json:"duplicated"`
}

type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (f *apiFixture) start(t *testing.T, caller, peer string) chat.Conversation {
	t.Helper()
	var out conversationBody
	if st := f.do(t, http.MethodPost, "/api/v1/conversations", caller, map[string]string{"participant_id": peer}, &out); st != http.StatusCreated && st != http.StatusOK {
		t.Fatalf("start: status %d", st)
	}
	return out.Conversation
}

func TestAPI_RequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var e errorBody
	if st := f.do(t, http.MethodGet, "/api/v1/conversations", "", nil, &e); st != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", st)
	}
	if e.Error.Code != "unauthenticated" {
		t.Fatalf("code: %q", e.Error.Code)
	}
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	var first conversationBody
	if st := f.do(t, http.MethodPost, "/api/v1/conversations", "buyer-1", map[string]string{"participant_id": "seller-1"}, &first); st != http.StatusCreated {
		t.Fatalf("first start: %d", st)
	}
	var second conversationBody
	if st := f.do(t, http.MethodPost, "/api/v1/conversations", "seller-1", map[string]string{"participant_id": "buyer-1"}, &second); st != http.StatusOK {
		t.Fatalf("second start: %d", st)
	}
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("reverse order must reuse the conversation: %+v", second)
	}

	id := first.Conversation.ID
	var e errorBody
	if st := f.do(t, http.MethodGet, "/api/v1/conversations/"+id, "stranger", nil, &e); st != http.StatusForbidden {
		t.Fatalf("stranger get: %d", st)
	}
	if st := f.do(t, http.MethodGet, "/api/v1/conversations/missing", "buyer-1", nil, &e); st != http.StatusNotFound {
		t.Fatalf("missing get: %d", st)
	}

	if st := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/close", "seller-1", nil, nil); st != http.StatusOK {
		t.Fatalf("close: %d", st)
	}
	if st := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "buyer-1", map[string]string{"body": "hello?"}, &e); st != http.StatusConflict {
		t.Fatalf("send to closed: %d", st)
	}
	if e.Error.Code != "conversation_closed" {
		t.Fatalf("code: %q", e.Error.Code)
	}
	if st := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/reopen", "buyer-1", nil, nil); st != http.StatusOK {
		t.Fatalf("reopen: %d", st)
	}
	if st := f.do(t, http.MethodPost, "/api/v1/conversations/"+id+"/messages", "buyer-1", map[string]string{"body": "hello?"}, nil); st != http.StatusCreated {
		t.Fatalf("send after reopen: %d", st)
	}
}

func TestAPI_MessagesReadAndUnread(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	conv := f.start(t, "buyer-1", "seller-1")
	base := "/api/v1/conversations/" + conv.ID

	var m1 messageBody
	if st := f.do(t, http.MethodPost, base+"/messages", "buyer-1", map[string]string{"body": "is the bike sold?", "client_msg_id": "k-1"}, &m1); st != http.StatusCreated {
		t.Fatalf("send: %d", st)
	}
	var dup messageBody
	if st := f.do(t, http.MethodPost, base+"/messages", "buyer-1", map[string]string{"body": "is the bike sold?", "client_msg_id": "k-1"}, &dup); st != http.StatusOK {
		t.Fatalf("retry: %d", st)
	}
	if !dup.Duplicated || dup.Message.ID != m1.Message.ID {
		t.Fatalf("retry must return the original: %+v", dup)
	}
	f.do(t, http.MethodPost, base+"/messages", "buyer-1", map[string]string{"body": "still available?"}, nil)

	var unread struct {
		Unread int64 `json:"unread"`
	}
	f.do(t, http.MethodGet, "/api/v1/unread", "seller-1", nil, &unread)
	if unread.Unread != 2 {
		t.Fatalf("seller badge: got %d want 2", unread.Unread)
	}

	var page struct {
		Messages     []chat.Message `json:"messages"`
		HasMore      bool           `json:"has_more"`
		NextAfterSeq int64          `json:"next_after_seq"`
	}
	if st := f.do(t, http.MethodGet, base+"/messages?after_seq=0&limit=1", "seller-1", nil, &page); st != http.StatusOK {
		t.Fatalf("list: %d", st)
	}
	if len(page.Messages) != 1 || !page.HasMore || page.NextAfterSeq != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	var e errorBody
	if st := f.do(t, http.MethodGet, base+"/messages?since=yesterday", "seller-1", nil, &e); st != http.StatusBadRequest {
		t.Fatalf("bad since: %d", st)
	}

	var read struct {
		Marker chat.ReadMarker `json:"marker"`
		Unread int64           `json:"unread"`
	}
	if st := f.do(t, http.MethodPost, base+"/read", "seller-1", map[string]int64{"up_to": 1}, &read); st != http.StatusOK {
		t.Fatalf("mark read: %d", st)
	}
	if read.Marker.LastReadMessageID != 1 || read.Unread != 1 {
		t.Fatalf("unexpected read state: %+v", read)
	}

	var got messageBody
	if st := f.do(t, http.MethodGet, base+"/messages/2", "seller-1", nil, &got); st != http.StatusOK {
		t.Fatalf("get message: %d", st)
	}
	if got.Message.Body != "still available?" {
		t.Fatalf("body: %q", got.Message.Body)
	}
	if st := f.do(t, http.MethodGet, base+"/messages/abc", "seller-1", nil, &e); st != http.StatusBadRequest {
		t.Fatalf("bad seq: %d", st)
	}
}

func TestAPI_MultipartAttachment(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	conv := f.start(t, "buyer-1", "seller-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("body", "photo of the scratch")
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="attachment"; filename="scratch.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(pngBytes)
	_ = mw.Close()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, f.srv.URL+"/api/v1/conversations/"+conv.ID+"/messages", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(identity.DefaultHeader, "seller-1")

	var out messageBody
	if st := f.send(t, req, &out); st != http.StatusCreated {
		t.Fatalf("multipart send: %d", st)
	}
	a := out.Message.Attachment
	if a == nil || a.MimeType != "image/png" || a.Filename != "scratch.png" || a.Size != int64(len(pngBytes)) {
		t.Fatalf("unexpected attachment: %+v", a)
	}
	if !strings.HasPrefix(a.URL, "https://cdn.example/") {
		t.Fatalf("url: %q", a.URL)
	}
	if f.blob.Len() != 1 {
		t.Fatalf("blob count: %d", f.blob.Len())
	}
}
