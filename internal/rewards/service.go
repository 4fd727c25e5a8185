package rewards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

// CreditInput is one reward earned by a user. ID is optional; producers that
// may redeliver set it so a repeated credit is ignored.
type CreditInput struct {
	ID      uuid.UUID       `json:"id"`
	UserID  string          `json:"user_id"`
	Source  store.Source    `json:"source"`
	Amount  decimal.Decimal `json:"amount"`
	Details json.RawMessage `json:"details,omitempty"`
}

type Service struct {
	store  store.Store
	ledger *wallet.Ledger
	sink   alerts.Sink
	log    *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, ledger *wallet.Ledger, sink alerts.Sink, log *slog.Logger) *Service {
	return &Service{store: st, ledger: ledger, sink: sink, log: log, now: time.Now}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Credit records the reward and escrows its amount in one transaction. It has
// no effect on verification state.
func (s *Service) Credit(ctx context.Context, in CreditInput) (store.PendingReward, error) {
	if in.UserID == "" {
		return store.PendingReward{}, apperr.Validation("user_id is required")
	}
	if !in.Source.Valid() {
		return store.PendingReward{}, apperr.Validation(fmt.Sprintf("unknown reward source %q", in.Source))
	}
	if !in.Amount.IsPositive() {
		return store.PendingReward{}, apperr.Validation("amount must be greater than zero")
	}
	details, err := DecodeDetails(in.Source, in.Details)
	if err != nil {
		return store.PendingReward{}, err
	}
	normalized, err := json.Marshal(details)
	if err != nil {
		return store.PendingReward{}, fmt.Errorf("encode details: %w", err)
	}

	reward := store.PendingReward{
		ID:        in.ID,
		UserID:    in.UserID,
		Source:    in.Source,
		Amount:    in.Amount,
		Status:    store.RewardPendingVerification,
		Details:   normalized,
		CreatedAt: s.now().UTC(),
	}
	if reward.ID == uuid.Nil {
		reward.ID = uuid.New()
	}

	var total decimal.Decimal
	duplicate := false
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertReward(ctx, reward); err != nil {
			if errors.Is(err, store.ErrDuplicateReward) {
				duplicate = true
				existing, getErr := tx.GetReward(ctx, reward.ID)
				if getErr != nil {
					return getErr
				}
				reward = existing
				return nil
			}
			return fmt.Errorf("insert reward: %w", err)
		}
		if err := s.ledger.CreditPending(ctx, tx, reward.UserID, reward.Amount); err != nil {
			return err
		}
		w, err := tx.GetWallet(ctx, reward.UserID)
		if err != nil {
			return fmt.Errorf("read wallet: %w", err)
		}
		total = w.PendingBalance
		return nil
	})
	if err != nil {
		return store.PendingReward{}, err
	}
	if duplicate {
		s.log.InfoContext(ctx, "reward already credited", "reward_id", reward.ID, "user_id", reward.UserID)
		return reward, nil
	}

	s.log.InfoContext(ctx, "reward credited",
		"reward_id", reward.ID,
		"user_id", reward.UserID,
		"source", reward.Source,
		"amount", reward.Amount.String(),
	)
	if err := s.sink.VerificationRequired(ctx, alerts.VerificationRequiredPayload{
		UserID: reward.UserID,
		Source: string(reward.Source),
		Amount: reward.Amount,
		Total:  total,
		SentAt: s.now().UTC(),
	}); err != nil {
		s.log.WarnContext(ctx, "verification reminder not queued", "user_id", reward.UserID, "error", err)
	}
	return reward, nil
}

func (s *Service) CreditLotteryPrize(ctx context.Context, userID string, amount decimal.Decimal, d LotteryPrize) (store.PendingReward, error) {
	return s.creditTyped(ctx, userID, store.SourceLotteryPrize, amount, d)
}

func (s *Service) CreditLotteryParticipation(ctx context.Context, userID string, amount decimal.Decimal, d LotteryParticipation) (store.PendingReward, error) {
	return s.creditTyped(ctx, userID, store.SourceLotteryParticipation, amount, d)
}

func (s *Service) CreditAirdrop(ctx context.Context, userID string, amount decimal.Decimal, d AirdropWithdrawal) (store.PendingReward, error) {
	return s.creditTyped(ctx, userID, store.SourceAirdropWithdrawal, amount, d)
}

func (s *Service) CreditTraderPayout(ctx context.Context, userID string, amount decimal.Decimal, d TraderWithdrawal) (store.PendingReward, error) {
	return s.creditTyped(ctx, userID, store.SourceTraderWithdrawal, amount, d)
}

func (s *Service) creditTyped(ctx context.Context, userID string, source store.Source, amount decimal.Decimal, details interface{}) (store.PendingReward, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return store.PendingReward{}, fmt.Errorf("encode details: %w", err)
	}
	return s.Credit(ctx, CreditInput{UserID: userID, Source: source, Amount: amount, Details: raw})
}

// Pending lists the user's rewards still waiting for verification and their sum.
func (s *Service) Pending(ctx context.Context, userID string) ([]store.PendingReward, decimal.Decimal, error) {
	var list []store.PendingReward
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		list, err = tx.ListRewards(ctx, userID, store.RewardPendingVerification, "")
		return err
	})
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("list pending rewards: %w", err)
	}
	total := decimal.Zero
	for _, r := range list {
		total = total.Add(r.Amount)
	}
	return list, total, nil
}
