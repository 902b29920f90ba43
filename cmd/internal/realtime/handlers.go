package realtime

import (
	"context"
	"fmt"
	"strings"

	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// dispatch runs one client request and returns the reply envelope.
func (g *Gateway) dispatch(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	switch env.Type {
	case v1.TypeHello:
		return g.onHello(ctx, sess, env)
	case v1.TypeSubscribe:
		return g.onSubscribe(ctx, sess, env)
	case v1.TypeUnsubscribe:
		return g.onUnsubscribe(sess, env)
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, sess, env)
	case v1.TypeCatchUp:
		return g.onCatchUp(ctx, sess, env)
	case v1.TypeMarkRead:
		return g.onMarkRead(ctx, sess, env)
	default:
		return v1.Envelope{}, &protocolError{code: codeUnsupported, msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}
}

func (g *Gateway) onHello(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	// The hello payload carries nothing yet; an absent one is fine.
	if len(env.Payload) > 0 {
		var p v1.HelloPayload
		if err := decodePayload(env, &p); err != nil {
			return v1.Envelope{}, badPayload(err)
		}
	}
	total, err := g.svc.UnreadTotal(ctx, sess.ParticipantID)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeHelloAck, env.ID, v1.HelloAckPayload{
		SessionID:     sess.ID,
		ParticipantID: sess.ParticipantID,
		UnreadTotal:   total,
	}, g.now())
}

func (g *Gateway) onSubscribe(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, badPayload(err)
	}
	convID := strings.TrimSpace(p.ConversationID)

	conv, err := g.svc.Conversation(ctx, convID, sess.ParticipantID)
	if err != nil {
		return v1.Envelope{}, err
	}
	if !sess.Subscribed(convID) {
		sub, err := g.svc.SubscribeConversation(ctx, convID, sess.ParticipantID,
			g.pushListener(sess, v1.TypeMessageNew, g.log.With("session_id", sess.ID)))
		if err != nil {
			return v1.Envelope{}, err
		}
		// A concurrent duplicate loses and is cancelled inside track.
		sess.track(convID, sub)
	}

	return newEnvelope(v1.TypeSubscribed, env.ID, v1.SubscribedPayload{
		ConversationID: conv.ID,
		LastSeq:        conv.LastSeq,
		Status:         string(conv.Status),
	}, g.now())
}

func (g *Gateway) onUnsubscribe(sess *Session, env v1.Envelope) (v1.Envelope, error) {
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, badPayload(err)
	}
	convID := strings.TrimSpace(p.ConversationID)
	sess.untrack(convID)
	return newEnvelope(v1.TypeUnsubscribe, env.ID, v1.SubscribePayload{ConversationID: convID}, g.now())
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, badPayload(err)
	}

	res, err := g.svc.SendMessage(ctx, chat.SendInput{
		ConversationID: strings.TrimSpace(p.ConversationID),
		SenderID:       sess.ParticipantID,
		Body:           p.Body,
		ClientMsgID:    p.ClientMsgID,
	})
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeMessageAck, env.ID, v1.MessageAckPayload{
		Message:    ToWireMessage(res.Message),
		Duplicated: res.Duplicated,
	}, g.now())
}

func (g *Gateway) onCatchUp(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	var p v1.CatchUpPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, badPayload(err)
	}

	in := chat.CatchUpInput{
		ConversationID: strings.TrimSpace(p.ConversationID),
		CallerID:       sess.ParticipantID,
		AfterSeq:       p.AfterSeq,
		Limit:          p.Limit,
	}
	if p.Since != nil {
		in.Since = p.Since.UTC()
	}
	res, err := g.svc.MessagesAfter(ctx, in)
	if err != nil {
		return v1.Envelope{}, err
	}

	out := v1.CatchUpChunkPayload{
		ConversationID: in.ConversationID,
		Messages:       ToWireMessages(res.Messages),
		HasMore:        res.HasMore,
		NextAfterSeq:   res.NextAfterSeq,
	}
	if !res.NextSince.IsZero() {
		next := res.NextSince.UTC()
		out.NextSince = &next
	}
	return newEnvelope(v1.TypeCatchUpChunk, env.ID, out, g.now())
}

func (g *Gateway) onMarkRead(ctx context.Context, sess *Session, env v1.Envelope) (v1.Envelope, error) {
	var p v1.MarkReadPayload
	if err := decodePayload(env, &p); err != nil {
		return v1.Envelope{}, badPayload(err)
	}
	convID := strings.TrimSpace(p.ConversationID)

	m, err := g.svc.MarkRead(ctx, convID, sess.ParticipantID, p.UpTo)
	if err != nil {
		return v1.Envelope{}, err
	}
	unread, err := g.svc.UnreadCount(ctx, convID, sess.ParticipantID)
	if err != nil {
		return v1.Envelope{}, err
	}
	total, err := g.svc.UnreadTotal(ctx, sess.ParticipantID)
	if err != nil {
		return v1.Envelope{}, err
	}
	return newEnvelope(v1.TypeReadAck, env.ID, v1.ReadAckPayload{
		ConversationID:    m.ConversationID,
		LastReadMessageID: m.LastReadMessageID,
		Unread:            unread,
		UnreadTotal:       total,
	}, g.now())
}
