// Package main provides a CI-friendly WebSocket smoke test for marketchat realtime.
//
// It validates:
//   - conversation start over the HTTP API (unless -conv is given)
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - subscribe confirmation
//   - send -> ack
//   - message_new and notify pushes to the peer
//   - catch-up after a known seq
//   - idempotent dedupe by client_msg_id
//   - mark_read clearing the peer's unread count
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "marketchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name        string
	participant string
	conn        *websocket.Conn
	sessionID   string

	inbox chan v1.Envelope
	errCh chan error
}

type options struct {
	wsURL   string
	apiURL  string
	origin  string
	header  string
	buyer   string
	seller  string
	convID  string
	body    string
	timeout time.Duration
	verbose bool
}

func main() {
	var o options
	flag.StringVar(&o.wsURL, "url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
	flag.StringVar(&o.apiURL, "api", "", "HTTP base URL (derived from -url when empty)")
	flag.StringVar(&o.origin, "origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
	flag.StringVar(&o.header, "identity-header", "X-Participant-ID", "Header carrying the participant id")
	flag.StringVar(&o.buyer, "buyer", "smoke-buyer", "Buyer participant id")
	flag.StringVar(&o.seller, "seller", "smoke-seller", "Seller participant id")
	flag.StringVar(&o.convID, "conv", "", "Existing conversation id (started via the HTTP API when empty)")
	flag.StringVar(&o.body, "body", "is this still available? 👋", "Message body to send")
	flag.DurationVar(&o.timeout, "timeout", 7*time.Second, "Per-step timeout")
	flag.BoolVar(&o.verbose, "v", false, "Verbose output")
	flag.Parse()

	if err := validateWSURL(o.wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(o.origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if o.buyer == "" || o.seller == "" || o.buyer == o.seller {
		fatalf("-buyer and -seller must be distinct and non-empty")
	}
	if o.apiURL == "" {
		o.apiURL = apiFromWS(o.wsURL)
	}

	root := context.Background()

	if o.convID == "" {
		o.convID = mustStartConversation(root, o)
	}

	a := mustConnect(root, "A", o.buyer, o)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", o.seller, o)
	defer closeWS(b.conn)

	if o.verbose {
		fmt.Printf("connected: A=%s B=%s conv_id=%s origin=%q\n", a.sessionID, b.sessionID, o.convID, o.origin)
	}

	mustSubscribe(root, a, o.convID, o.timeout)
	mustSubscribe(root, b, o.convID, o.timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msg, dup := mustSendAndAssertAck(root, a, o.convID, clientMsgID, o.body, o.timeout)
	if dup {
		fatalf("first send reported duplicated")
	}
	if msg.SenderID != o.buyer || msg.ReceiverID != o.seller {
		fatalf("ack sender/receiver mismatch: sender=%q receiver=%q", msg.SenderID, msg.ReceiverID)
	}

	mustAssertPushes(root, b, msg, o.timeout)

	_ = drainOptional(root, a, v1.TypeMessageNew, 750*time.Millisecond)

	mustCatchUpContains(root, b, o.convID, msg.ID-1, msg, o.timeout)
	mustCatchUpEmpty(root, b, o.convID, msg.ID, o.timeout)

	again, dup := mustSendAndAssertAck(root, a, o.convID, clientMsgID, o.body, o.timeout)
	if !dup {
		fatalf("dedupe: second send not flagged duplicated")
	}
	if again.ID != msg.ID {
		fatalf("dedupe: id mismatch: first=%d second=%d", msg.ID, again.ID)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	mustMarkRead(root, b, o.convID, msg.ID, o.timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s id=%d\n", a.sessionID, b.sessionID, o.convID, msg.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func apiFromWS(raw string) string {
	u, _ := url.Parse(raw)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustStartConversation(parent context.Context, o options) string {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"participant_id": o.seller})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.apiURL, "/")+"/api/v1/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("build start request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(o.header, o.buyer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("start conversation: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		fatalf("start conversation: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Conversation struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"conversation"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fatalf("decode start conversation: %v", err)
	}
	if out.Conversation.ID == "" {
		fatalf("start conversation: missing id")
	}
	if out.Conversation.Status != "active" {
		fatalf("start conversation: status %q, reopen it first", out.Conversation.Status)
	}
	return out.Conversation.ID
}

func mustConnect(parent context.Context, name, participant string, o options) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, o.timeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(o.origin) != "" {
		h.Set("Origin", o.origin)
	}
	h.Set(o.header, participant)

	conn, resp, err := websocket.Dial(ctx, o.wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:        name,
		participant: participant,
		conn:        conn,
		inbox:       make(chan v1.Envelope, 512),
		errCh:       make(chan error, 1),
	}
	c.startReadLoop()

	hello := newEnvelope(v1.TypeHello, name+"-hello", v1.HelloPayload{})
	mustWriteWithTimeout(parent, conn, hello, o.timeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, o.timeout, nil)

	var p v1.HelloAckPayload
	mustDecode(c, ack, &p)
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.ParticipantID != participant {
		fatalf("hello_ack participant mismatch (%s): got=%q want=%q", name, p.ParticipantID, participant)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := newEnvelope(v1.TypeSubscribe, c.name+"-subscribe", v1.SubscribePayload{ConversationID: convID})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	got := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout, nil)

	var p v1.SubscribedPayload
	mustDecode(c, got, &p)
	if p.ConversationID != convID {
		fatalf("subscribed conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if p.Status != "active" {
		fatalf("subscribed to non-active conversation (%s): %q", c.name, p.Status)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, clientMsgID, body string, stepTimeout time.Duration) (v1.Message, bool) {
	env := newEnvelope(v1.TypeMessageSend, fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()), v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Body:           body,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}, v1.TypeNotify: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)
	if ack.ReplyTo != env.ID {
		fatalf("ack reply_to mismatch (%s): got=%q want=%q", c.name, ack.ReplyTo, env.ID)
	}

	var p v1.MessageAckPayload
	mustDecode(c, ack, &p)
	m := p.Message
	if m.ConversationID != convID {
		fatalf("ack conv_id mismatch (%s): got=%q want=%q", c.name, m.ConversationID, convID)
	}
	if m.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, m.ClientMsgID, clientMsgID)
	}
	if m.ID <= 0 {
		fatalf("ack invalid id (%s): %d", c.name, m.ID)
	}
	if m.Body != body {
		fatalf("ack body mismatch (%s): got=%q want=%q", c.name, m.Body, body)
	}
	if m.CreatedAt.IsZero() {
		fatalf("ack created_at missing/zero (%s)", c.name)
	}
	return m, p.Duplicated
}

// mustAssertPushes waits for both the conversation push and the personal notify, in any order.
func mustAssertPushes(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	pending := map[string]bool{v1.TypeMessageNew: true, v1.TypeNotify: true}
	for len(pending) > 0 {
		env := c.mustReadAny(parent, pending, stepTimeout)
		delete(pending, env.Type)

		var p v1.MessagePushPayload
		mustDecode(c, env, &p)
		assertSameMessage(c, env.Type, p.Message, want)
	}
}

func mustCatchUpContains(parent context.Context, c *smokeClient, convID string, afterSeq int64, want v1.Message, stepTimeout time.Duration) {
	p := catchUp(parent, c, convID, afterSeq, stepTimeout)
	for _, m := range p.Messages {
		if m.ID == want.ID {
			assertSameMessage(c, v1.TypeCatchUpChunk, m, want)
			return
		}
	}
	fatalf("catch_up_chunk missing expected message (%s)", c.name)
}

func mustCatchUpEmpty(parent context.Context, c *smokeClient, convID string, afterSeq int64, stepTimeout time.Duration) {
	p := catchUp(parent, c, convID, afterSeq, stepTimeout)
	if len(p.Messages) != 0 {
		fatalf("expected empty catch_up_chunk (%s), got=%d", c.name, len(p.Messages))
	}
	if p.HasMore {
		fatalf("empty catch_up_chunk reports has_more (%s)", c.name)
	}
}

func catchUp(parent context.Context, c *smokeClient, convID string, afterSeq int64, stepTimeout time.Duration) v1.CatchUpChunkPayload {
	req := newEnvelope(v1.TypeCatchUp, fmt.Sprintf("%s-catch-up-%d", c.name, afterSeq), v1.CatchUpPayload{
		ConversationID: convID,
		AfterSeq:       &afterSeq,
		Limit:          50,
	})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeCatchUpChunk, stepTimeout, nil)

	var p v1.CatchUpChunkPayload
	mustDecode(c, chunk, &p)
	if p.ConversationID != convID {
		fatalf("catch_up_chunk conv_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	for i := 1; i < len(p.Messages); i++ {
		if p.Messages[i].ID <= p.Messages[i-1].ID {
			fatalf("catch_up_chunk not ascending (%s)", c.name)
		}
	}
	return p
}

func mustMarkRead(parent context.Context, c *smokeClient, convID string, upTo int64, stepTimeout time.Duration) {
	req := newEnvelope(v1.TypeMarkRead, c.name+"-mark-read", v1.MarkReadPayload{ConversationID: convID, UpTo: upTo})
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeReadAck, stepTimeout, nil)

	var p v1.ReadAckPayload
	mustDecode(c, ack, &p)
	if p.LastReadMessageID < upTo {
		fatalf("read_ack marker behind (%s): got=%d want>=%d", c.name, p.LastReadMessageID, upTo)
	}
	if p.Unread != 0 {
		fatalf("read_ack unread not cleared (%s): %d", c.name, p.Unread)
	}
}

func assertSameMessage(c *smokeClient, where string, got, want v1.Message) {
	switch {
	case got.ID != want.ID:
		fatalf("%s id mismatch (%s): got=%d want=%d", where, c.name, got.ID, want.ID)
	case got.ConversationID != want.ConversationID:
		fatalf("%s conv_id mismatch (%s): got=%q want=%q", where, c.name, got.ConversationID, want.ConversationID)
	case got.SenderID != want.SenderID:
		fatalf("%s sender mismatch (%s): got=%q want=%q", where, c.name, got.SenderID, want.SenderID)
	case got.Body != want.Body:
		fatalf("%s body mismatch (%s): got=%q want=%q", where, c.name, got.Body, want.Body)
	case got.CreatedAt.IsZero():
		fatalf("%s created_at missing/zero (%s)", where, c.name)
	}
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			failOnError(c, env)
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustNext(ctx, wantType)
		if env.Type == wantType {
			return env
		}
		failOnError(c, env)
		if _, ok := skipTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

func (c *smokeClient) mustReadAny(parent context.Context, want map[string]bool, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	label := fmt.Sprint(want)
	for {
		env := c.mustNext(ctx, label)
		if want[env.Type] {
			return env
		}
		failOnError(c, env)
		fatalf("unexpected envelope type (%s): got=%q want one of %s", c.name, env.Type, label)
	}
}

func (c *smokeClient) mustNext(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		if err == nil {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	return v1.Envelope{}
}

func failOnError(c *smokeClient, env v1.Envelope) {
	if env.Type != v1.TypeError {
		return
	}
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error (%s): code=%q msg=%q reply_to=%q", c.name, ep.Code, ep.Message, env.ReplyTo)
}

func mustDecode(c *smokeClient, env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, c.name, err)
	}
}

func newEnvelope(typ, id string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
