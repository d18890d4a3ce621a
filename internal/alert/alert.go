// Package alert delivers operator-visible alerts.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
}

// Text renders the alert as plain text.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(a.Message)
	}
	for k, v := range a.Fields {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}
	return b.String()
}

// Alerter sends alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	fields := []zap.Field{zap.String("severity", string(a.Severity)), zap.String("detail", a.Message)}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}
	l.logger.Error("ALERT: "+a.Title, fields...)
	return nil
}

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramAlerter sends alerts to an operator chat.
type TelegramAlerter struct {
	bot    sender
	chatID int64
}

// NewTelegramAlerter builds an offline bot: it only sends, never polls for updates.
func NewTelegramAlerter(token string, chatID int64) (*TelegramAlerter, error) {
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramAlerter{bot: bot, chatID: chatID}, nil
}

func (t *TelegramAlerter) Alert(_ context.Context, a Alert) error {
	if _, err := t.bot.Send(&tele.Chat{ID: t.chatID}, a.Text()); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

// Multi fans an alert out to several alerters. Every alerter is tried; the first
// error is returned.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var first error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps the most recent alerts in memory for the operator API.
type Recorder struct {
	mu     sync.Mutex
	limit  int
	alerts []Alert
}

func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{limit: limit}
}

func (r *Recorder) Alert(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	if len(r.alerts) > r.limit {
		r.alerts = r.alerts[len(r.alerts)-r.limit:]
	}
	return nil
}

// Recent returns a copy of the stored alerts, oldest first.
func (r *Recorder) Recent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}
