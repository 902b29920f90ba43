package attachment

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"marketchat/cmd/internal/chat"
)

// DefaultAllowedTypes is the default MIME allow-list.
var DefaultAllowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"text/plain",
	"video/mp4",
	"video/quicktime",
}

// MaxFilenameLen bounds the stored original filename.
const MaxFilenameLen = 255

// Handler validates uploads and writes them to a Blob.
//
// Validation order: empty, size, declared type against the allow-list, then the sniffed
// content must agree with the declared type. Nothing is written when validation fails.
type Handler struct {
	blob    Blob
	allowed map[string]struct{}
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler) error

// WithAllowedTypes replaces the MIME allow-list.
func WithAllowedTypes(types []string) Option {
	return func(h *Handler) error {
		allowed := make(map[string]struct{}, len(types))
		for _, t := range types {
			t = normalizeType(t)
			if t == "" {
				continue
			}
			allowed[t] = struct{}{}
		}
		if len(allowed) == 0 {
			return errors.New("attachment: empty allow-list")
		}
		h.allowed = allowed
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) error {
		if l != nil {
			h.log = l
		}
		return nil
	}
}

// WithClock overrides time.Now for key prefixes (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Handler) error {
		if now != nil {
			h.now = now
		}
		return nil
	}
}

// NewHandler constructs a Handler over blob.
func NewHandler(blob Blob, opts ...Option) (*Handler, error) {
	if blob == nil {
		return nil, errors.New("attachment: nil blob")
	}
	h := &Handler{
		blob: blob,
		now:  time.Now,
		log:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	if err := WithAllowedTypes(DefaultAllowedTypes)(h); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Store validates up and writes it, returning the immutable reference.
func (h *Handler) Store(ctx context.Context, up chat.AttachmentUpload, maxSize int64) (chat.AttachmentRef, error) {
	const op = "attachment.store"

	if len(up.Data) == 0 {
		return chat.AttachmentRef{}, chat.NewValidationError(op, chat.ErrEmptyAttachment, "")
	}
	if maxSize > 0 && int64(len(up.Data)) > maxSize {
		return chat.AttachmentRef{}, chat.NewValidationError(op, chat.ErrTooLarge,
			fmt.Sprintf("%d bytes exceeds %d", len(up.Data), maxSize))
	}

	sniffed := mimetype.Detect(up.Data)
	declared := normalizeType(up.MimeType)
	if declared == "" {
		declared = normalizeType(sniffed.String())
	}
	if _, ok := h.allowed[declared]; !ok {
		return chat.AttachmentRef{}, chat.NewValidationError(op, chat.ErrUnsupportedType, declared)
	}
	if !matches(sniffed, declared) {
		return chat.AttachmentRef{}, chat.NewValidationError(op, chat.ErrUnsupportedType,
			fmt.Sprintf("content is %s, declared %s", sniffed.String(), declared))
	}

	filename := cleanFilename(up.Filename)
	key := h.newKey(filename, sniffed)
	sum := blake2b.Sum256(up.Data)

	url, err := h.blob.Put(ctx, PutInput{Key: key, Data: up.Data, ContentType: declared})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return chat.AttachmentRef{}, chat.FromContext(op, ctxErr)
		}
		return chat.AttachmentRef{}, fmt.Errorf("%s: %w", op, err)
	}

	h.log.Info("attachment.store", "key", key, "mime_type", declared, "size", len(up.Data))

	return chat.AttachmentRef{
		Key:      key,
		URL:      url,
		MimeType: declared,
		Filename: filename,
		Size:     int64(len(up.Data)),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// Discard deletes a stored attachment (orphan cleanup).
func (h *Handler) Discard(ctx context.Context, ref chat.AttachmentRef) error {
	if ref.Key == "" {
		return nil
	}
	if err := h.blob.Delete(ctx, ref.Key); err != nil {
		return fmt.Errorf("attachment.discard: %w", err)
	}
	h.log.Info("attachment.discard", "key", ref.Key)
	return nil
}

func (h *Handler) newKey(filename string, sniffed *mimetype.MIME) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = sniffed.Extension()
	}
	return fmt.Sprintf("%s/%s%s", h.now().UTC().Format("2006/01/02"), uuid.NewString(), ext)
}

// matches reports whether the sniffed type, or one of its parents, is the declared type.
func matches(sniffed *mimetype.MIME, declared string) bool {
	for m := sniffed; m != nil; m = m.Parent() {
		if m.Is(declared) {
			return true
		}
	}
	return false
}

func normalizeType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(t)
}

func cleanFilename(name string) string {
	name = strings.ToValidUTF8(name, "")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > MaxFilenameLen {
		name = name[len(name)-MaxFilenameLen:]
		for name != "" && !utf8.RuneStart(name[0]) {
			name = name[1:]
		}
	}
	return name
}

var _ chat.AttachmentStore = (*Handler)(nil)
