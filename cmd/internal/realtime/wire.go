package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// ToWireMessage converts a stored message into its wire form.
func ToWireMessage(m chat.Message) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Body:           m.Body,
		ClientMsgID:    m.ClientMsgID,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if a := m.Attachment; a != nil {
		out.Attachment = &v1.Attachment{
			Key:      a.Key,
			URL:      a.URL,
			MimeType: a.MimeType,
			Filename: a.Filename,
			Size:     a.Size,
			Checksum: a.Checksum,
		}
	}
	return out
}

// ToWireMessages converts a page; the result is never nil.
func ToWireMessages(ms []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToWireMessage(m))
	}
	return out
}

func newEnvelope(typ, replyTo string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		ReplyTo: replyTo,
		TS:      ts.UTC(),
		Payload: raw,
	}, nil
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// errBadJSON marks a frame that arrived intact but does not decode.
var errBadJSON = errors.New("realtime: bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
