// Package notify delivers escalation and step notifications over the
// channels a firm has configured. Each channel sits behind a circuit
// breaker so a dead SMTP relay or webhook endpoint degrades delivery
// instead of stalling executions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// ChannelType identifies a delivery mechanism.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
)

// ChannelConfig configures one delivery channel.
type ChannelConfig struct {
	Type ChannelType `mapstructure:"type"`
	// MinSeverity suppresses messages below this level. Empty means all.
	MinSeverity core.Severity `mapstructure:"min_severity"`

	// Email settings.
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	SMTPUser string `mapstructure:"smtp_user"`
	SMTPPass string `mapstructure:"smtp_pass"`
	From     string `mapstructure:"from"`

	// Webhook settings.
	URL string `mapstructure:"url"`
}

// Message is one notification to deliver.
type Message struct {
	FirmID   string
	Contacts []string
	Subject  string
	Body     string
	Severity core.Severity
}

// Notifier fans a message out to every configured channel.
type Notifier struct {
	logger   *zap.SugaredLogger
	client   *http.Client
	mu       sync.RWMutex
	channels []*channel
}

type channel struct {
	cfg     ChannelConfig
	breaker *core.CircuitBreaker
}

// NewNotifier builds a notifier for the given channels.
func NewNotifier(configs []ChannelConfig, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		panic("notifier requires a logger")
	}
	n := &Notifier{
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
	for _, cfg := range configs {
		n.channels = append(n.channels, &channel{
			cfg:     cfg,
			breaker: core.NewCircuitBreaker(core.DefaultBreakerConfig()),
		})
	}
	return n
}

// Send delivers the message on every channel whose severity floor it
// meets. Delivery is attempted on all channels; the first error is
// returned after the loop so one dead channel doesn't mask the rest.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	if len(msg.Contacts) == 0 {
		return fmt.Errorf("no contacts to notify")
	}

	n.mu.RLock()
	channels := n.channels
	n.mu.RUnlock()

	if len(channels) == 0 {
		n.logger.Warnw("No notification channels configured, dropping message",
			"subject", msg.Subject)
		return nil
	}

	var firstErr error
	for _, ch := range channels {
		if ch.cfg.MinSeverity != "" && msg.Severity != "" && !msg.Severity.AtLeast(ch.cfg.MinSeverity) {
			continue
		}
		if err := ch.breaker.Allow(); err != nil {
			n.logger.Warnw("Notification channel circuit open, skipping",
				"channel", ch.cfg.Type)
			metrics.NotificationSends.WithLabelValues(string(ch.cfg.Type), "breaker_open").Inc()
			if firstErr == nil {
				firstErr = fmt.Errorf("channel %s: %w", ch.cfg.Type, err)
			}
			continue
		}

		err := n.deliver(ctx, ch.cfg, msg)
		if err != nil {
			ch.breaker.RecordFailure()
			metrics.NotificationSends.WithLabelValues(string(ch.cfg.Type), "error").Inc()
			n.logger.Errorw("Notification delivery failed",
				"channel", ch.cfg.Type,
				"contacts", len(msg.Contacts),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ch.breaker.RecordSuccess()
		metrics.NotificationSends.WithLabelValues(string(ch.cfg.Type), "ok").Inc()
	}
	return firstErr
}

func (n *Notifier) deliver(ctx context.Context, cfg ChannelConfig, msg Message) error {
	switch cfg.Type {
	case ChannelEmail:
		return n.deliverEmail(cfg, msg)
	case ChannelWebhook:
		return n.deliverWebhook(ctx, cfg, msg)
	default:
		return fmt.Errorf("unknown channel type %q", cfg.Type)
	}
}

func (n *Notifier) deliverEmail(cfg ChannelConfig, msg Message) error {
	if cfg.SMTPHost == "" {
		return fmt.Errorf("email channel has no smtp host")
	}
	addr := fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
	}

	// Only contacts that look like addresses go to SMTP; opaque contact
	// IDs belong to other channels.
	var rcpts []string
	for _, c := range msg.Contacts {
		if strings.Contains(c, "@") {
			rcpts = append(rcpts, c)
		}
	}
	if len(rcpts) == 0 {
		return nil
	}

	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		cfg.From, strings.Join(rcpts, ", "), msg.Subject, msg.Body)
	if err := smtp.SendMail(addr, auth, cfg.From, rcpts, []byte(body)); err != nil {
		return fmt.Errorf("sending mail via %s: %w", addr, err)
	}
	return nil
}

func (n *Notifier) deliverWebhook(ctx context.Context, cfg ChannelConfig, msg Message) error {
	if cfg.URL == "" {
		return fmt.Errorf("webhook channel has no url")
	}
	payload, err := json.Marshal(map[string]any{
		"firm_id":  msg.FirmID,
		"contacts": msg.Contacts,
		"subject":  msg.Subject,
		"body":     msg.Body,
		"severity": string(msg.Severity),
	})
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ChannelStates reports each channel's breaker state for health output.
func (n *Notifier) ChannelStates() map[ChannelType]core.BreakerState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[ChannelType]core.BreakerState, len(n.channels))
	for _, ch := range n.channels {
		out[ch.cfg.Type] = ch.breaker.State()
	}
	return out
}
