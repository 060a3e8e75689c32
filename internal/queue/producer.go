// Package queue publishes access-control events to NATS JetStream for
// downstream consumers such as HR attendance exporters. The feed is
// fire-and-forget from the server's point of view; access decisions
// never wait on it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName        = "FACEGATE"
	ScanSubjectBase   = "facegate.scan"
	EnrollSubjectBase = "facegate.enroll"
)

type Producer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewProducer(natsURL string) (*Producer, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return &Producer{nc: nc, js: js}, nil
}

// EnsureStream creates the FACEGATE stream if it doesn't exist.
// Retries up to 30 times (1s apart) to handle NATS startup delay.
func (p *Producer) EnsureStream(ctx context.Context) error {
	cfg := jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{ScanSubjectBase + ".>", EnrollSubjectBase + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      72 * time.Hour,
		MaxMsgs:     1000000,
		Storage:     jetstream.FileStorage,
		Description: "Access-control scan and enrollment events",
	}

	const maxAttempts = 30
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := p.js.CreateOrUpdateStream(opCtx, cfg)
		cancel()
		if err == nil {
			slog.Info("jetstream stream ready", "stream", StreamName)
			return nil
		}
		if attempt == maxAttempts {
			return fmt.Errorf("create stream %s: %w (after %d attempts)", StreamName, err, maxAttempts)
		}
		slog.Debug("jetstream not ready, retrying", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

// PublishScan publishes a recognition event under facegate.scan.<sn>.
func (p *Producer) PublishScan(ctx context.Context, deviceSN string, v any) error {
	return p.publish(ctx, fmt.Sprintf("%s.%s", ScanSubjectBase, deviceSN), v)
}

// PublishEnroll publishes an enrollment event under facegate.enroll.<sn>.
func (p *Producer) PublishEnroll(ctx context.Context, deviceSN string, v any) error {
	return p.publish(ctx, fmt.Sprintf("%s.%s", EnrollSubjectBase, deviceSN), v)
}

func (p *Producer) publish(ctx context.Context, subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Producer) Ping() error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

func (p *Producer) Close() {
	p.nc.Close()
}
