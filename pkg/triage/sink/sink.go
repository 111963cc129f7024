// Package sink hands triage outcomes to downstream consumers (review
// queues, publication, reporting).
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// Backends.
const (
	BackendNone = "none"
	BackendNATS = "nats"
)

// HeaderDocID carries the document id; JetStream uses Nats-Msg-Id to drop
// republished outcomes.
const (
	HeaderDocID = "Triage-Doc-Id"
	HeaderMsgID = "Nats-Msg-Id"
)

// Event is one outcome ready to publish. Body is JSON.
type Event struct {
	DocID  string
	Action decision.Action
	Body   []byte
}

// Publisher delivers events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config selects and configures the publisher.
type Config struct {
	Backend       string        `koanf:"backend"`
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	Name          string        `koanf:"name"`
	FlushTimeout  time.Duration `koanf:"flush_timeout"`
}

// DefaultConfig publishes nowhere.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendNone,
		URL:           nats.DefaultURL,
		SubjectPrefix: "triage",
		Name:          "triage",
		FlushTimeout:  2 * time.Second,
	}
}

// Validate checks the backend and subject prefix.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendNone:
		return nil
	case BackendNATS:
	default:
		return internalerr.Configf("sink.backend", "unknown backend %q", c.Backend)
	}
	if c.URL == "" {
		return internalerr.Configf("sink.url", "required for nats")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return internalerr.Configf("sink.subject_prefix", "invalid subject prefix %q", c.SubjectPrefix)
	}
	return nil
}

// Open returns the publisher for cfg.
func Open(cfg Config, logger *zap.Logger) (Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendNATS {
		return Connect(cfg, logger)
	}
	return Nop{}, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Subject returns "<prefix>.<action>" with the action lowercased.
func Subject(prefix string, action decision.Action) string {
	return prefix + "." + strings.ToLower(string(action))
}

// NATS publishes events as core NATS messages.
type NATS struct {
	nc           *nats.Conn
	prefix       string
	flushTimeout time.Duration
	logger       *zap.Logger
}

// Connect dials cfg.URL.
func Connect(cfg Config, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, internalerr.Unavailable("nats", fmt.Errorf("connecting to %s: %w", cfg.URL, err))
	}
	return NewNATS(nc, cfg, logger), nil
}

// NewNATS wraps an existing connection. Close drains it.
func NewNATS(nc *nats.Conn, cfg Config, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = DefaultConfig().FlushTimeout
	}
	return &NATS{nc: nc, prefix: prefix, flushTimeout: flush, logger: logger}
}

// Publish sends ev and waits for the server to acknowledge the flush, so a
// returned nil means the broker has the message.
func (p *NATS) Publish(ctx context.Context, ev Event) error {
	msg := nats.NewMsg(Subject(p.prefix, ev.Action))
	msg.Data = ev.Body
	msg.Header.Set(HeaderDocID, ev.DocID)
	msg.Header.Set(HeaderMsgID, ev.DocID+":"+string(ev.Action))

	if err := p.nc.PublishMsg(msg); err != nil {
		return internalerr.Unavailable("nats", fmt.Errorf("publish %s: %w", msg.Subject, err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.flushTimeout)
	defer cancel()
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return internalerr.Unavailable("nats", fmt.Errorf("flush %s: %w", msg.Subject, err))
	}
	p.logger.Debug("published outcome",
		zap.String("doc_id", ev.DocID),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// Close drains the connection.
func (p *NATS) Close() error {
	return p.nc.Drain()
}
