package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"marketchat/cmd/identity"
	"marketchat/cmd/identity/ids"
	"marketchat/cmd/internal/chat"
	v1 "marketchat/shared/contracts/realtime/v1"
)

// Gateway is the WebSocket entrypoint for marketchat realtime.
//
// It enforces origin policy, identity, subprotocol selection, rate limits and heartbeats,
// and routes validated envelopes to the chat service. Each session is subscribed to its
// participant channel on connect and to conversations on request.
type Gateway struct {
	log      *slog.Logger
	svc      *chat.Service
	resolver identity.Resolver
	metrics  *Metrics
	now      func() time.Time

	cfg    GatewayConfig
	origin originPolicy
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetrics attaches gateway metrics.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway constructs a gateway over svc. A nil resolver uses the default identity header.
func NewGateway(svc *chat.Service, resolver identity.Resolver, cfg GatewayConfig, opts ...GatewayOption) (*Gateway, error) {
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if resolver == nil {
		resolver = identity.NewHeaderResolver("")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		log:      slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		svc:      svc,
		resolver: resolver,
		now:      time.Now,
		cfg:      cfg,
		origin:   newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ServeHTTP upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.metrics.rejected("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	participantID, err := g.resolver.Participant(r)
	if err != nil {
		g.metrics.rejected("identity")
		g.log.Info("ws.reject.identity", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.metrics.rejected("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	sessionID, err := ids.NewULID(g.now())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	sess := NewSession(sessionID, participantID, g.cfg.SendQueueSize)
	log := g.log.With("session_id", sess.ID, "participant_id", participantID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.sessionOpened()
	defer g.metrics.sessionClosed()
	log.Info("ws.session.open", "remote", r.RemoteAddr)

	var closeOnce sync.Once
	// shutdown is idempotent. Subscriptions are cancelled before the socket closes.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	personal, err := g.svc.SubscribeParticipant(participantID, g.pushListener(sess, v1.TypeNotify, log))
	if err != nil {
		log.Error("ws.subscribe.personal.fail", "err", err)
		shutdown(websocket.StatusInternalError, "subscribe failed")
		return
	}
	sess.setPersonal(personal)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, sess, log, shutdown)
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(sess, "", codeBadJSON, "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(g.now()) {
			g.sendError(sess, env.ID, codeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(sess, env.ID, codeBadEnvelope, err.Error())
			continue readLoop
		}
		g.metrics.frame(env.Type)

		reply, err := g.dispatch(ctx, sess, env)
		if err != nil {
			code, msg := errorCode(err)
			if code == "internal" {
				log.Error("ws.request.fail", "type", env.Type, "err", err)
			}
			g.sendError(sess, env.ID, code, msg)
			continue readLoop
		}
		if !sess.Enqueue(reply) {
			log.Info("ws.backpressure", "type", reply.Type)
			shutdown(websocket.StatusTryAgainLater, "slow consumer")
			break readLoop
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	log.Info("ws.session.close")
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// pushListener turns broker deliveries into envelopes of typ on the session queue.
// A full queue drops the push; the client recovers through catch_up.
func (g *Gateway) pushListener(sess *Session, typ string, log *slog.Logger) chat.Listener {
	return func(m chat.Message) {
		env, err := newEnvelope(typ, "", v1.MessagePushPayload{Message: ToWireMessage(m)}, g.now())
		if err != nil {
			log.Error("ws.push.encode.fail", "err", err)
			return
		}
		if !sess.Enqueue(env) {
			log.Warn("ws.push.drop",
				"type", typ,
				"conversation_id", m.ConversationID,
				"message_id", m.ID,
			)
		}
	}
}

func (g *Gateway) sendError(sess *Session, replyTo, code, msg string) {
	g.metrics.errorSent(code)
	env, err := newEnvelope(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg}, g.now())
	if err != nil {
		return
	}
	_ = sess.Enqueue(env)
}

// Protocol-level error codes. Domain failures use chat.ErrorCode.
const (
	codeBadJSON     = "bad_json"
	codeBadEnvelope = "bad_envelope"
	codeBadPayload  = "bad_payload"
	codeUnsupported = "unsupported"
	codeRateLimited = "rate_limited"
)

// protocolError is a request the gateway refuses before it reaches the service.
type protocolError struct {
	code string
	msg  string
}

func (e *protocolError) Error() string { return e.code + ": " + e.msg }

func badPayload(err error) error {
	return &protocolError{code: codeBadPayload, msg: err.Error()}
}

// errorCode maps err to a wire code and a client-safe message.
func errorCode(err error) (string, string) {
	var pe *protocolError
	if errors.As(err, &pe) {
		return pe.code, pe.msg
	}
	code := chat.ErrorCode(err)
	if code == "internal" {
		return code, "internal error"
	}
	return code, err.Error()
}
