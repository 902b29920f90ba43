package realtime

import (
	"errors"
	"strings"
	"time"
)

// Security/performance defaults.
const (
	// Max bytes per websocket frame read (hard limit). Text only; attachments use HTTP.
	defaultMaxFrameBytes = 64 << 10 // 64 KiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second

	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	// Per-connection rate limits (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second

	defaultRequestTimeout = 10 * time.Second
)

// GatewayConfig holds the WebSocket gateway knobs.
//
// Origin is required by default and only localhost is allowed (secure-by-default for dev).
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	MaxFrameBytes   int64
	SendQueueSize   int
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	RequestTimeout  time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		MaxFrameBytes:     defaultMaxFrameBytes,
		SendQueueSize:     defaultSendQueueSize,
		WriteTimeout:      defaultWriteTimeout,
		ReadIdleTimeout:   defaultReadIdle,
		RequestTimeout:    defaultRequestTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		RateEvents:        defaultRateEvents,
		RateWindow:        defaultRateWindow,
	}
}

// withDefaults fills zero values and clamps the send queue.
func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	cleaned := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	c.AllowedOrigins = cleaned
	return c
}

// Validate rejects configurations that would lock every client out.
func (c GatewayConfig) Validate() error {
	if c.OriginRequired && len(c.AllowedOrigins) == 0 {
		return errors.New("realtime: origin required but no allowed origins configured")
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval && c.HeartbeatInterval > 0 {
		return errors.New("realtime: heartbeat timeout must be shorter than the interval")
	}
	return nil
}
