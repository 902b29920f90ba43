// Package app wires the marketchat server runtime: config, logging, storage, delivery,
// the REST API and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"marketchat/cmd/identity"
	"marketchat/cmd/internal/attachment"
	"marketchat/cmd/internal/chat"
	chatapi "marketchat/cmd/internal/chat/api"
	"marketchat/cmd/internal/delivery"
	"marketchat/cmd/internal/realtime"
)

// App is the marketchat server runtime. It owns every long-lived resource.
type App struct {
	cfg Config
	log Logger
	reg *prometheus.Registry

	pool   *pgxpool.Pool
	store  chat.Store
	rdb    *redis.Client
	broker *delivery.Broker
	relay  *delivery.RedisBroker

	svc     *chat.Service
	gateway *realtime.Gateway
	api     *chatapi.Handler
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.Log)
	}
	a := &App{cfg: cfg, log: log, reg: newRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.broker = delivery.NewBroker(
		delivery.WithLogger(log),
		delivery.WithQueueSize(cfg.Delivery.QueueSize),
		delivery.WithMetrics(delivery.NewMetrics(a.reg)),
	)
	var broker chat.Broker = a.broker
	if cfg.Redis.URL != "" {
		a.rdb, err = NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.relay, err = delivery.NewRedisBroker(ctx, a.rdb, a.broker, delivery.RedisConfig{
			Channel:        cfg.Redis.Channel,
			OutboxSize:     cfg.Redis.OutboxSize,
			PublishTimeout: cfg.Redis.PublishTimeout,
		})
		if err != nil {
			return nil, err
		}
		broker = a.relay
	}

	blob, err := newBlob(cfg)
	if err != nil {
		return nil, err
	}
	var attachOpts []attachment.Option
	attachOpts = append(attachOpts, attachment.WithLogger(log))
	if len(cfg.Attachments.AllowedTypes) > 0 {
		attachOpts = append(attachOpts, attachment.WithAllowedTypes(cfg.Attachments.AllowedTypes))
	}
	attachments, err := attachment.NewHandler(blob, attachOpts...)
	if err != nil {
		return nil, err
	}

	a.svc, err = chat.NewService(a.store,
		chat.WithLogger(log),
		chat.WithBroker(broker),
		chat.WithAttachments(attachments),
		chat.WithMetrics(chat.NewMetrics(a.reg)),
		chat.WithMaxAttachmentBytes(cfg.Attachments.MaxBytes),
		chat.WithAttachmentTimeout(cfg.Attachments.Timeout),
		chat.WithCatchUpTimeout(cfg.Chat.CatchUpTimeout),
		chat.WithPageLimits(cfg.Chat.PageLimit, cfg.Chat.MaxPageLimit),
	)
	if err != nil {
		return nil, err
	}

	resolver := identity.NewHeaderResolver(cfg.Identity.Header)

	a.gateway, err = realtime.NewGateway(a.svc, resolver, gatewayConfig(cfg.WS),
		realtime.WithLogger(log),
		realtime.WithMetrics(realtime.NewMetrics(a.reg)),
	)
	if err != nil {
		return nil, err
	}

	a.api, err = chatapi.NewHandler(a.svc, resolver,
		chatapi.WithLogger(log),
		chatapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.pool = pool

	if a.cfg.Database.AutoMigrate {
		if err := chat.ApplySchema(ctx, pool, a.cfg.Database.Schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		a.log.Info("db.schema.applied", "schema", a.cfg.Database.Schema)
	}

	// The app owns the pool; PostgresStore.Close leaves it open.
	st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.Database.Schema))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.Database.Schema)
	return nil
}

func newBlob(cfg Config) (attachment.Blob, error) {
	switch strings.ToLower(cfg.Attachments.Backend) {
	case "s3":
		return attachment.NewS3Blob(attachment.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			PublicURL:       cfg.S3.PublicURL,
		})
	default:
		return attachment.NewMemoryBlob(cfg.Attachments.MemoryURL), nil
	}
}

func gatewayConfig(c WSConfig) realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.DevInsecure,
		OriginRequired:    c.OriginRequired,
		AllowedOrigins:    c.AllowedOrigins,
		MaxFrameBytes:     c.MaxFrameBytes,
		SendQueueSize:     c.SendQueueSize,
		WriteTimeout:      c.WriteTimeout,
		ReadIdleTimeout:   c.ReadIdleTimeout,
		RequestTimeout:    c.RequestTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		RateEvents:        c.RateEvents,
		RateWindow:        c.RateWindow,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.routes() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	c := a.cfg.HTTP
	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    c.MaxHeaderBytes,
	}

	base := runtimeBaseURL(c.Addr)
	a.log.Info("server.start",
		"addr", c.Addr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
		"redis_enabled", a.relay != nil,
		"attachments", a.cfg.Attachments.Backend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases resources in reverse dependency order. It tolerates partial construction.
func (a *App) close() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Error("delivery.redis.close.fail", "err", err)
		}
		a.relay = nil
	}
	if a.broker != nil {
		_ = a.broker.Close()
		a.broker = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.store != nil {
		_ = a.store.Close()
		a.store = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
