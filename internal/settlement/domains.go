package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/rewards"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

var (
	ErrUnknownVerificationType = apperr.New(apperr.KindSettlement, "unknown_verification_type", "verification scope has no settlement routine")
	ErrInvalidRewardDetails    = apperr.New(apperr.KindSettlement, "invalid_reward_details", "reward details cannot be decoded")
	// ErrRewardNotPending means another settlement already consumed the reward.
	ErrRewardNotPending = apperr.New(apperr.KindSettlement, "reward_not_pending", "reward is no longer pending verification")
)

// Settlement is one reward ready to be paid out by its domain. The concrete
// types are the only implementations.
type Settlement interface {
	Reward() store.PendingReward
	Action() string
	settle(ctx context.Context, tx store.Tx, ledger *wallet.Ledger, at time.Time) error
}

type LotteryPrizeSettlement struct {
	reward  store.PendingReward
	Details rewards.LotteryPrize
}

type LotteryParticipationSettlement struct {
	reward  store.PendingReward
	Details rewards.LotteryParticipation
}

type AirdropSettlement struct {
	reward  store.PendingReward
	Details rewards.AirdropWithdrawal
}

type TraderSettlement struct {
	reward  store.PendingReward
	Details rewards.TraderWithdrawal
}

func (s LotteryPrizeSettlement) Reward() store.PendingReward         { return s.reward }
func (s LotteryParticipationSettlement) Reward() store.PendingReward { return s.reward }
func (s AirdropSettlement) Reward() store.PendingReward              { return s.reward }
func (s TraderSettlement) Reward() store.PendingReward               { return s.reward }

func (LotteryPrizeSettlement) Action() string         { return "lottery_prize_claimed" }
func (LotteryParticipationSettlement) Action() string { return "participation_bonus_released" }
func (AirdropSettlement) Action() string              { return "airdrop_released" }
func (TraderSettlement) Action() string               { return "trader_payout_released" }

func (s LotteryPrizeSettlement) settle(ctx context.Context, tx store.Tx, l *wallet.Ledger, at time.Time) error {
	return release(ctx, tx, l, s.reward, store.RewardClaimed, at)
}

func (s LotteryParticipationSettlement) settle(ctx context.Context, tx store.Tx, l *wallet.Ledger, at time.Time) error {
	return release(ctx, tx, l, s.reward, store.RewardReleased, at)
}

func (s AirdropSettlement) settle(ctx context.Context, tx store.Tx, l *wallet.Ledger, at time.Time) error {
	return release(ctx, tx, l, s.reward, store.RewardReleased, at)
}

func (s TraderSettlement) settle(ctx context.Context, tx store.Tx, l *wallet.Ledger, at time.Time) error {
	return release(ctx, tx, l, s.reward, store.RewardReleased, at)
}

// release marks the reward and moves its amount in the caller's transaction.
func release(ctx context.Context, tx store.Tx, l *wallet.Ledger, r store.PendingReward, status store.RewardStatus, at time.Time) error {
	ok, err := tx.ResolveReward(ctx, r.ID, status, at)
	if err != nil {
		return fmt.Errorf("resolve reward %s: %w", r.ID, err)
	}
	if !ok {
		return ErrRewardNotPending
	}
	return l.ReleasePendingToSpendable(ctx, tx, r.UserID, r.Amount)
}

// Decode turns a stored reward into its domain settlement. Details are
// decoded here and nowhere else.
func Decode(scope store.Source, r store.PendingReward) (Settlement, error) {
	if r.Source != scope {
		return nil, apperr.Wrap(ErrUnknownVerificationType, fmt.Errorf("reward source %q under scope %q", r.Source, scope))
	}
	details, err := rewards.DecodeDetails(r.Source, r.Details)
	if err != nil {
		return nil, apperr.Wrap(ErrInvalidRewardDetails, err)
	}
	switch d := details.(type) {
	case rewards.LotteryPrize:
		return LotteryPrizeSettlement{reward: r, Details: d}, nil
	case rewards.LotteryParticipation:
		return LotteryParticipationSettlement{reward: r, Details: d}, nil
	case rewards.AirdropWithdrawal:
		return AirdropSettlement{reward: r, Details: d}, nil
	case rewards.TraderWithdrawal:
		return TraderSettlement{reward: r, Details: d}, nil
	}
	return nil, ErrUnknownVerificationType
}

func total(items []Settlement) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range items {
		sum = sum.Add(s.Reward().Amount)
	}
	return sum
}
