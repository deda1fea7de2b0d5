// Package alertsink delivers operational alerts (circuit breaker trips,
// phase demotions) to Slack, isolating callers from the slack-go SDK.
package alertsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// Severity classifies an alert for display and routing.
type Severity string

// Supported severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sink delivers a single alert. Implementations must be safe to call from
// multiple goroutines.
type Sink interface {
	Alert(ctx context.Context, severity Severity, title, details string) error
}

// Config holds the parameters needed to construct a Service.
type Config struct {
	Token   string
	Channel string
}

// Service is a Slack-backed Sink. Nil-safe: Alert on a nil *Service is a
// no-op, so callers can wire an unconfigured sink without branching.
type Service struct {
	api     *goslack.Client
	channel string
}

// NewService creates a Service. Returns nil if Token or Channel is empty,
// so a deployment without Slack configured runs with alerting disabled
// rather than failing startup.
func NewService(cfg Config) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{api: goslack.New(cfg.Token), channel: cfg.Channel}
}

// Alert posts a severity-tagged message to the configured channel.
// Fail-open: delivery errors are returned to the caller to log, never
// panicked on, and a nil Service never attempts delivery.
func (s *Service) Alert(ctx context.Context, severity Severity, title, details string) error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blocks := buildAlertBlocks(severity, title, details)
	_, _, err := s.api.PostMessageContext(ctx, s.channel, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}
	return nil
}

func buildAlertBlocks(severity Severity, title, details string) []goslack.Block {
	icon := ":warning:"
	if severity == SeverityCritical {
		icon = ":rotating_light:"
	}
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, fmt.Sprintf("%s %s", icon, title), false, false))
	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Severity:* %s\n%s", severity, details), false, false),
		nil, nil,
	)
	return []goslack.Block{header, body}
}

// LoggingSink wraps a Sink (which may be nil) and logs every alert
// regardless of delivery outcome, so an alert is never silently lost even
// when Slack delivery fails.
type LoggingSink struct {
	Next Sink
}

// Alert logs the alert and forwards it to Next, if set.
func (l LoggingSink) Alert(ctx context.Context, severity Severity, title, details string) error {
	slog.Warn("autonomy governor alert", "severity", severity, "title", title, "details", details)
	if l.Next == nil {
		return nil
	}
	return l.Next.Alert(ctx, severity, title, details)
}
