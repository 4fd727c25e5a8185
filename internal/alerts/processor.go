package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Messenger delivers a text to a player.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) error
}

// Mail delivers operator alerts.
type Mail interface {
	Send(to, subject, body string) error
}

// Processor handles notification tasks on the worker.
type Processor struct {
	messenger  Messenger
	mail       Mail
	operatorTo string
	log        *slog.Logger
}

func NewProcessor(messenger Messenger, mail Mail, operatorTo string, log *slog.Logger) *Processor {
	return &Processor{messenger: messenger, mail: mail, operatorTo: operatorTo, log: log}
}

// Register mounts the notification handlers on mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskVerificationRequired, p.handleVerificationRequired)
	mux.HandleFunc(TaskRewardReleased, p.handleRewardReleased)
	mux.HandleFunc(TaskOperatorAlert, p.handleOperatorAlert)
}

func (p *Processor) handleVerificationRequired(ctx context.Context, t *asynq.Task) error {
	var pl VerificationRequiredPayload
	if err := json.Unmarshal(t.Payload(), &pl); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	text := fmt.Sprintf("You have %s waiting in your pending balance (latest: %s from %s). Verify your wallet in the app to release it.",
		pl.Total.StringFixed(2), pl.Amount.StringFixed(2), humanSource(pl.Source))
	if err := p.messenger.Send(ctx, pl.UserID, text); err != nil {
		p.log.Error("verification reminder failed", "user_id", pl.UserID, "error", err)
		return err
	}
	p.log.Info("verification reminder sent", "user_id", pl.UserID)
	return nil
}

func (p *Processor) handleRewardReleased(ctx context.Context, t *asynq.Task) error {
	var pl RewardReleasedPayload
	if err := json.Unmarshal(t.Payload(), &pl); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	text := fmt.Sprintf("Wallet verified. %s from %s is now in your spendable balance.",
		pl.Amount.StringFixed(2), humanSource(pl.Source))
	if err := p.messenger.Send(ctx, pl.UserID, text); err != nil {
		p.log.Error("release notification failed", "user_id", pl.UserID, "error", err)
		return err
	}
	p.log.Info("release notification sent", "user_id", pl.UserID, "request_id", pl.RequestID)
	return nil
}

func (p *Processor) handleOperatorAlert(_ context.Context, t *asynq.Task) error {
	var pl OperatorAlertPayload
	if err := json.Unmarshal(t.Payload(), &pl); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if p.operatorTo == "" {
		p.log.Warn("operator alert not mailed, no recipient configured",
			"severity", pl.Severity, "subject", pl.Subject, "request_id", pl.RequestID)
		return nil
	}
	subject := fmt.Sprintf("[%s] %s", pl.Severity, pl.Subject)
	if err := p.mail.Send(p.operatorTo, subject, pl.Message); err != nil {
		p.log.Error("operator alert send failed", "error", err, "request_id", pl.RequestID)
		return err
	}
	p.log.Info("operator alert sent", "severity", pl.Severity, "request_id", pl.RequestID)
	return nil
}

func humanSource(source string) string {
	switch source {
	case "lottery_prize":
		return "a lottery prize"
	case "lottery_participation":
		return "a lottery participation bonus"
	case "airdrop_withdrawal":
		return "the airdrop"
	case "trader_withdrawal":
		return "the auto-trader"
	default:
		return "a reward"
	}
}
