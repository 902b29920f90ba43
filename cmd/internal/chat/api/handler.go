package chatapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"marketchat/cmd/identity"
	"marketchat/cmd/internal/chat"
)

const (
	defaultMaxBodyBytes = 64 << 10
	// Multipart framing on top of the attachment itself.
	multipartOverhead = 1 << 20
)

// Handler exposes the chat service over HTTP.
type Handler struct {
	log          *slog.Logger
	svc          *chat.Service
	resolver     identity.Resolver
	maxBodyBytes int64
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxBodyBytes bounds JSON request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler. A nil resolver uses the default identity header.
func NewHandler(svc *chat.Service, resolver identity.Resolver, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil chat service")
	}
	if resolver == nil {
		resolver = identity.NewHeaderResolver("")
	}
	h := &Handler{
		log:          slog.Default(),
		svc:          svc,
		resolver:     resolver,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// RegisterRoutes mounts the chat routes on r. Every route requires a participant.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireParticipant)

		r.Get("/unread", h.handleUnreadTotal)
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.handleStartConversation)
			r.Get("/", h.handleListConversations)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.handleGetConversation)
				r.Post("/close", h.handleClose)
				r.Post("/reopen", h.handleReopen)
				r.Post("/messages", h.handleSendMessage)
				r.Get("/messages", h.handleListMessages)
				r.Get("/messages/{seq}", h.handleGetMessage)
				r.Post("/read", h.handleMarkRead)
				r.Get("/unread", h.handleUnreadCount)
			})
		})
	})
}

type participantKey struct{}

func (h *Handler) requireParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolver.Participant(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid participant identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), participantKey{}, id)))
	})
}

func participantFrom(ctx context.Context) string {
	id, _ := ctx.Value(participantKey{}).(string)
	return id
}

// ---- conversations ----

func (h *Handler) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req startConversationRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	conv, created, err := h.svc.StartConversation(r.Context(), participantFrom(r.Context()), req.ParticipantID)
	if err != nil {
		h.writeServiceError(w, r, "http.conversation.start", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversationResponse{Conversation: conv, Created: created})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	entries, err := h.svc.Inbox(r.Context(), participantFrom(r.Context()), int(limit))
	if err != nil {
		h.writeServiceError(w, r, "http.conversation.list", err)
		return
	}
	out := inboxResponse{Conversations: make([]inboxEntry, 0, len(entries))}
	for _, e := range entries {
		out.Conversations = append(out.Conversations, inboxEntry{Conversation: e.Conversation, Unread: e.Unread})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.Conversation(r.Context(), chi.URLParam(r, "conversationID"), participantFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "http.conversation.get", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.CloseConversation(r.Context(), chi.URLParam(r, "conversationID"), participantFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "http.conversation.close", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.ReopenConversation(r.Context(), chi.URLParam(r, "conversationID"), participantFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "http.conversation.reopen", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

// ---- messages ----

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	in := chat.SendInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       participantFrom(r.Context()),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if !h.readMultipartSend(w, r, &in) {
			return
		}
	} else {
		var req sendMessageRequest
		if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
		in.Body = req.Body
		in.ClientMsgID = req.ClientMsgID
	}

	res, err := h.svc.SendMessage(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "http.message.send", err)
		return
	}
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, messageResponse{Message: res.Message, Duplicated: res.Duplicated})
}

// readMultipartSend fills in from a multipart form with fields body, client_msg_id and an
// optional attachment file. It writes the error response itself and reports false on failure.
func (h *Handler) readMultipartSend(w http.ResponseWriter, r *http.Request, in *chat.SendInput) bool {
	maxAttachment := h.svc.MaxAttachmentBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachment+multipartOverhead)
	if err := r.ParseMultipartForm(maxAttachment + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusBadRequest, chat.ErrValidation.Error(), "attachment too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_form", "invalid multipart form")
		return false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	in.Body = r.FormValue("body")
	in.ClientMsgID = r.FormValue("client_msg_id")

	file, header, err := r.FormFile("attachment")
	if errors.Is(err, http.ErrMissingFile) {
		return true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", "invalid attachment part")
		return false
	}
	defer func() { _ = file.Close() }()

	// One byte past the limit is enough for the service to reject the upload.
	data, err := io.ReadAll(io.LimitReader(file, maxAttachment+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", "unreadable attachment")
		return false
	}
	in.Attachment = &chat.AttachmentUpload{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		Filename: header.Filename,
	}
	return true
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	in := chat.CatchUpInput{
		ConversationID: chi.URLParam(r, "conversationID"),
		CallerID:       participantFrom(r.Context()),
	}

	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, chat.ErrValidation.Error(), "since must be RFC3339")
			return
		}
		in.Since = since.UTC()
	}
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, chat.ErrValidation.Error(), "after_seq must be an integer")
			return
		}
		in.AfterSeq = &n
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	in.Limit = int(limit)

	res, err := h.svc.MessagesAfter(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, "http.message.list", err)
		return
	}
	out := messagesResponse{Messages: res.Messages, HasMore: res.HasMore, NextAfterSeq: res.NextAfterSeq}
	if !res.NextSince.IsZero() {
		next := res.NextSince
		out.NextSince = &next
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq <= 0 {
		writeError(w, http.StatusBadRequest, chat.ErrValidation.Error(), "message id must be a positive integer")
		return
	}
	msg, err := h.svc.Message(r.Context(), chi.URLParam(r, "conversationID"), participantFrom(r.Context()), seq)
	if err != nil {
		h.writeServiceError(w, r, "http.message.get", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// ---- read state ----

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	convID := chi.URLParam(r, "conversationID")
	caller := participantFrom(r.Context())

	m, err := h.svc.MarkRead(r.Context(), convID, caller, req.UpTo)
	if err != nil {
		h.writeServiceError(w, r, "http.read.mark", err)
		return
	}
	unread, err := h.svc.UnreadCount(r.Context(), convID, caller)
	if err != nil {
		h.writeServiceError(w, r, "http.read.mark", err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Marker: m, Unread: unread})
}

func (h *Handler) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UnreadCount(r.Context(), chi.URLParam(r, "conversationID"), participantFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "http.read.unread", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

func (h *Handler) handleUnreadTotal(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UnreadTotal(r.Context(), participantFrom(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "http.read.unread_total", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, chat.ErrValidation.Error(), key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
