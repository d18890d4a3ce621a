package alert

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	tele "gopkg.in/telebot.v3"
)

type fakeSender struct {
	to   tele.Recipient
	what interface{}
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to, f.what = to, what
	return &tele.Message{}, f.err
}

type failingAlerter struct{}

func (failingAlerter) Alert(context.Context, Alert) error { return errors.New("boom") }

func TestTelegramAlerterSendsText(t *testing.T) {
	fake := &fakeSender{}
	a := &TelegramAlerter{bot: fake, chatID: 42}

	require.NoError(t, a.Alert(context.Background(), Alert{Severity: SeverityCritical, Title: "rollback", Message: "error rate 0.5"}))
	assert.Equal(t, "42", fake.to.Recipient())
	assert.Equal(t, "[CRITICAL] rollback\nerror rate 0.5", fake.what)
}

func TestMultiTriesEveryAlerter(t *testing.T) {
	rec := NewRecorder(2)
	core, logs := observer.New(zapcore.ErrorLevel)
	m := Multi{failingAlerter{}, rec, NewLogAlerter(zap.New(core)), nil}

	err := m.Alert(context.Background(), Alert{Severity: SeverityWarning, Title: "series failed"})
	assert.Error(t, err)
	assert.Len(t, rec.Recent(), 1)
	assert.Equal(t, 1, logs.Len())
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	rec := NewRecorder(2)
	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, rec.Alert(context.Background(), Alert{Title: title}))
	}
	recent := rec.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Title)
	assert.Equal(t, "c", recent[1].Title)
}
