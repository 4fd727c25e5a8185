package rewards

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
)

// Subscriber is the part of the NATS client the intake needs.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) error
}

// Intake credits rewards published by the lottery, airdrop and trader
// producers.
type Intake struct {
	svc     *Service
	log     *slog.Logger
	timeout time.Duration
}

func NewIntake(svc *Service, log *slog.Logger) *Intake {
	return &Intake{svc: svc, log: log, timeout: 10 * time.Second}
}

func (i *Intake) Start(sub Subscriber, subject, queue string) error {
	i.log.Info("reward intake subscribed", "subject", subject, "queue", queue)
	return sub.QueueSubscribe(subject, queue, i.Handle)
}

type intakeReply struct {
	OK       bool   `json:"ok"`
	RewardID string `json:"reward_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handle decodes one message into a credit. Requests with a reply subject get
// the outcome back.
func (i *Intake) Handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	var in CreditInput
	if err := json.Unmarshal(msg.Data, &in); err != nil {
		i.log.Warn("reward message rejected", "subject", msg.Subject, "error", err)
		i.reply(msg, intakeReply{Error: "malformed message"})
		return
	}
	reward, err := i.svc.Credit(ctx, in)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			i.log.Warn("reward message rejected", "subject", msg.Subject, "user_id", in.UserID, "error", err)
		} else {
			i.log.Error("reward credit failed", "subject", msg.Subject, "user_id", in.UserID, "error", err)
		}
		i.reply(msg, intakeReply{Error: apperr.PublicMessage(err)})
		return
	}
	i.reply(msg, intakeReply{OK: true, RewardID: reward.ID.String()})
}

func (i *Intake) reply(msg *nats.Msg, r intakeReply) {
	if msg.Reply == "" {
		return
	}
	b, _ := json.Marshal(r)
	if err := msg.Respond(b); err != nil {
		i.log.Warn("reward intake reply failed", "error", err)
	}
}
