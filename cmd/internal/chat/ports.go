package chat

import "context"

// Listener receives pushed messages. It runs on a broker-owned goroutine and must not block for long.
type Listener func(Message)

// Subscription is a live registration on a Broker. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Broker fans out freshly appended messages to live subscribers.
//
// Publish must never block on slow subscribers; an undeliverable event is dropped
// (catch-up is the recovery path). Publish errors are ErrDeliveryUnavailable.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	SubscribeConversation(conversationID string, l Listener) (Subscription, error)
	SubscribeParticipant(participantID string, l Listener) (Subscription, error)
}

// AttachmentUpload is the raw attachment accompanying a send.
type AttachmentUpload struct {
	Data     []byte
	MimeType string
	Filename string
}

// AttachmentStore validates and stores attachment bytes out of band.
type AttachmentStore interface {
	Store(ctx context.Context, up AttachmentUpload, maxSize int64) (AttachmentRef, error)
	Discard(ctx context.Context, ref AttachmentRef) error
}

type nopBroker struct{}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}

func (nopBroker) Publish(context.Context, Message) error { return nil }

func (nopBroker) SubscribeConversation(string, Listener) (Subscription, error) {
	return nopSubscription{}, nil
}

func (nopBroker) SubscribeParticipant(string, Listener) (Subscription, error) {
	return nopSubscription{}, nil
}
