package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/rewardgate/internal/logging"
)

type fakeMessenger struct {
	chats []string
	texts []string
	err   error
}

func (f *fakeMessenger) Send(_ context.Context, chatID, text string) error {
	f.chats = append(f.chats, chatID)
	f.texts = append(f.texts, text)
	return f.err
}

type fakeMail struct {
	to, subject, body string
}

func (f *fakeMail) Send(to, subject, body string) error {
	f.to, f.subject, f.body = to, subject, body
	return nil
}

func task(t *testing.T, typ string, payload interface{}) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, b)
}

func TestRewardReleasedGoesToUserChat(t *testing.T) {
	m := &fakeMessenger{}
	p := NewProcessor(m, &fakeMail{}, "ops@example.com", logging.Discard())

	err := p.handleRewardReleased(context.Background(), task(t, TaskRewardReleased, RewardReleasedPayload{
		UserID: "4242", Source: "lottery_prize", Amount: decimal.RequireFromString("100.5"),
	}))
	require.NoError(t, err)
	require.Len(t, m.chats, 1)
	assert.Equal(t, "4242", m.chats[0])
	assert.Contains(t, m.texts[0], "100.50")
	assert.Contains(t, m.texts[0], "lottery prize")
}

func TestDeliveryFailureIsRetried(t *testing.T) {
	m := &fakeMessenger{err: errors.New("bot blocked")}
	p := NewProcessor(m, &fakeMail{}, "", logging.Discard())

	err := p.handleVerificationRequired(context.Background(), task(t, TaskVerificationRequired, VerificationRequiredPayload{
		UserID: "1", Source: "airdrop_withdrawal", Amount: decimal.NewFromInt(3), Total: decimal.NewFromInt(7),
	}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	p := NewProcessor(&fakeMessenger{}, &fakeMail{}, "", logging.Discard())
	err := p.handleOperatorAlert(context.Background(), asynq.NewTask(TaskOperatorAlert, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOperatorAlertMailed(t *testing.T) {
	mail := &fakeMail{}
	p := NewProcessor(&fakeMessenger{}, mail, "ops@example.com", logging.Discard())

	err := p.handleOperatorAlert(context.Background(), task(t, TaskOperatorAlert, OperatorAlertPayload{
		Severity: SeverityCritical, Subject: "settlement retries exhausted", Message: "request needs attention",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", mail.to)
	assert.Equal(t, "[critical] settlement retries exhausted", mail.subject)
}
