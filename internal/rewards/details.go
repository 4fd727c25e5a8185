package rewards

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/store"
)

// LotteryPrize is a winning ticket in a draw.
type LotteryPrize struct {
	DrawID   string `json:"draw_id"`
	TicketID string `json:"ticket_id"`
	Tier     int    `json:"tier,omitempty"`
}

// LotteryParticipation is the bonus for buying tickets in a draw.
type LotteryParticipation struct {
	DrawID  string `json:"draw_id"`
	Tickets int    `json:"tickets"`
}

// AirdropWithdrawal is an accrued airdrop allocation.
type AirdropWithdrawal struct {
	CampaignID string `json:"campaign_id"`
	Network    string `json:"network,omitempty"`
}

// TraderWithdrawal is a payout from the simulated auto-trader.
type TraderWithdrawal struct {
	StrategyID string `json:"strategy_id"`
	PositionID string `json:"position_id,omitempty"`
	Network    string `json:"network,omitempty"`
}

// DecodeDetails parses raw details strictly into the type belonging to
// source. Missing details decode to the zero value of that type.
func DecodeDetails(source store.Source, raw json.RawMessage) (interface{}, error) {
	var target interface{}
	switch source {
	case store.SourceLotteryPrize:
		target = &LotteryPrize{}
	case store.SourceLotteryParticipation:
		target = &LotteryParticipation{}
	case store.SourceAirdropWithdrawal:
		target = &AirdropWithdrawal{}
	case store.SourceTraderWithdrawal:
		target = &TraderWithdrawal{}
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown reward source %q", source))
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return nil, apperr.Validation(fmt.Sprintf("invalid %s details: %v", source, err))
		}
	}
	switch d := target.(type) {
	case *LotteryPrize:
		return *d, nil
	case *LotteryParticipation:
		return *d, nil
	case *AirdropWithdrawal:
		return *d, nil
	case *TraderWithdrawal:
		return *d, nil
	}
	return nil, apperr.Validation("unsupported details")
}
