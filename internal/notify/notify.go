// Package notify publishes drift and approval transitions to subscribers.
// Publishing is best effort: failures are logged and never fail the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"driftline/internal/domain"
)

type Notifier interface {
	DriftDetected(ctx context.Context, ev domain.DriftEvent)
	ApprovalTransition(ctx context.Context, req domain.ApprovalRequest)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) DriftDetected(context.Context, domain.DriftEvent)           {}
func (Nop) ApprovalTransition(context.Context, domain.ApprovalRequest) {}

const DefaultSubjectPrefix = "driftline"

type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// NATS publishes JSON payloads on <prefix>.drift.detected and <prefix>.approval.<status>.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(cfg.URL, nats.Timeout(cfg.ConnectTimeout), nats.Name("driftline"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return &NATS{conn: conn, prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."), logger: logger}, nil
}

func (n *NATS) DriftSubject() string { return n.prefix + ".drift.detected" }

func (n *NATS) ApprovalSubject(status domain.ApprovalStatus) string {
	return n.prefix + ".approval." + strings.ToLower(string(status))
}

func (n *NATS) DriftDetected(_ context.Context, ev domain.DriftEvent) {
	n.publish(n.DriftSubject(), ev)
}

func (n *NATS) ApprovalTransition(_ context.Context, req domain.ApprovalRequest) {
	n.publish(n.ApprovalSubject(req.Status), req)
}

func (n *NATS) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("encode notification", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("publish notification", zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes pending messages and releases the connection.
func (n *NATS) Close() error {
	if n == nil || n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}
