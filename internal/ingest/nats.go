package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kha997/zenamanagephp-sub064/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const sourceNATS = "nats"

// NATSConfig holds connection and subscription settings
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int           // -1 retries forever
	ReconnectWait time.Duration // default 2s
	Logger        zerolog.Logger
}

// NATSSource consumes broadcast requests from a NATS subject. Wildcard
// subjects such as "gateway.broadcast.>" are allowed.
type NATSSource struct {
	config     NATSConfig
	dispatcher *Dispatcher
	logger     zerolog.Logger

	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewNATSSource validates the config; the connection is made in Start
func NewNATSSource(cfg NATSConfig, dispatcher *Dispatcher) (*NATSSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	return &NATSSource{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     cfg.Logger.With().Str("component", "nats_ingest").Logger(),
	}, nil
}

// Start connects and subscribes
func (n *NATSSource) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	conn, err := nats.Connect(n.config.URL,
		nats.Name("ws-gateway"),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.ConnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			n.logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		n.cancel()
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.conn = conn

	sub, err := conn.Subscribe(n.config.Subject, n.handle)
	if err != nil {
		conn.Close()
		n.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", n.config.Subject, err)
	}
	n.sub = sub

	n.logger.Info().Str("subject", n.config.Subject).Msg("Subscribed to NATS subject")
	return nil
}

func (n *NATSSource) handle(msg *nats.Msg) {
	defer monitoring.RecoverPanic(n.logger, "natsHandler", map[string]any{"subject": msg.Subject})

	if _, err := n.dispatcher.Dispatch(n.ctx, sourceNATS, msg.Data); err != nil {
		n.failed.Add(1)
		return
	}
	n.processed.Add(1)
}

// Stop unsubscribes and closes the connection
func (n *NATSSource) Stop() {
	if n.conn == nil {
		return
	}
	if err := n.sub.Unsubscribe(); err != nil {
		n.logger.Warn().Err(err).Msg("NATS unsubscribe failed")
	}
	n.conn.Close()
	n.cancel()

	n.logger.Info().
		Uint64("messages_processed", n.processed.Load()).
		Uint64("messages_failed", n.failed.Load()).
		Msg("NATS ingest stopped")
}

// GetMetrics returns processed and failed message counts
func (n *NATSSource) GetMetrics() (processed, failed uint64) {
	return n.processed.Load(), n.failed.Load()
}
