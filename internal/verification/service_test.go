package verification

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/sudo-init-do/rewardgate/internal/alerts"
	"github.com/sudo-init-do/rewardgate/internal/apperr"
	"github.com/sudo-init-do/rewardgate/internal/audit"
	"github.com/sudo-init-do/rewardgate/internal/events"
	"github.com/sudo-init-do/rewardgate/internal/evidence"
	"github.com/sudo-init-do/rewardgate/internal/logging"
	"github.com/sudo-init-do/rewardgate/internal/payouts"
	"github.com/sudo-init-do/rewardgate/internal/proof"
	"github.com/sudo-init-do/rewardgate/internal/rewards"
	"github.com/sudo-init-do/rewardgate/internal/risk"
	"github.com/sudo-init-do/rewardgate/internal/settlement"
	"github.com/sudo-init-do/rewardgate/internal/store"
	"github.com/sudo-init-do/rewardgate/internal/wallet"
)

type env struct {
	svc     *Service
	st      *store.Memory
	rewards *rewards.Service
	sink    *alerts.Recorder
	pub     *events.Recorder
	ev      *evidence.Memory
	fees    *payouts.Recorder
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		st:   store.NewMemory(),
		sink: &alerts.Recorder{},
		pub:  &events.Recorder{},
		ev:   evidence.NewMemory(),
		fees: &payouts.Recorder{},
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	ledger := wallet.NewLedger(nil)
	router := settlement.NewRouter(e.st, ledger, e.fees, e.sink, e.pub, settlement.Config{
		Fee: settlement.FeePolicy{Percentage: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(50)},
	}, logging.Discard()).WithClock(clock)
	e.rewards = rewards.NewService(e.st, ledger, e.sink, logging.Discard()).WithClock(clock)
	e.svc = NewService(e.st, router, e.ev, e.sink, e.pub, Config{
		Thresholds: risk.Thresholds{MediumAmount: decimal.NewFromInt(500), HighAmount: decimal.NewFromInt(5000)},
	}, logging.Discard()).WithClock(clock)
	return e
}

func (e *env) wallet(t *testing.T, userID string) store.Wallet {
	t.Helper()
	var w store.Wallet
	require.NoError(t, e.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		w, err = wallet.NewLedger(nil).Balance(context.Background(), tx, userID)
		return err
	}))
	return w
}

func (e *env) request(t *testing.T, id uuid.UUID) store.VerificationRequest {
	t.Helper()
	var req store.VerificationRequest
	require.NoError(t, e.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		req, err = tx.GetRequest(context.Background(), id)
		return err
	}))
	return req
}

func (e *env) completed(t *testing.T, id uuid.UUID) int {
	t.Helper()
	n := 0
	require.NoError(t, e.st.WithTx(context.Background(), func(tx store.Tx) error {
		list, err := tx.ListExecutions(context.Background(), id)
		for _, x := range list {
			if x.Status == store.ExecutionCompleted {
				n++
			}
		}
		return err
	}))
	return n
}

func (e *env) rewardStatus(t *testing.T, id uuid.UUID) store.RewardStatus {
	t.Helper()
	var r store.PendingReward
	require.NoError(t, e.st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		r, err = tx.GetReward(context.Background(), id)
		return err
	}))
	return r.Status
}

type signer struct {
	key     *secp256k1.PrivateKey
	address string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.PubKey().SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	addr, err := proof.ChecksumAddress("0x" + hex.EncodeToString(h.Sum(nil)[12:]))
	require.NoError(t, err)
	return signer{key: key, address: addr}
}

// sign produces a personal_sign signature as a browser wallet returns it.
func (s signer) sign(message string) string {
	compact := ecdsa.SignCompact(s.key, proof.PersonalMessageHash(message), false)
	sig := append(append([]byte{}, compact[1:]...), compact[0])
	return "0x" + hex.EncodeToString(sig)
}

func TestSignatureApprovalReleasesPrize(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reward, err := e.rewards.CreditLotteryPrize(ctx, "u1", decimal.RequireFromString("100.50"), rewards.LotteryPrize{DrawID: "d7", TicketID: "t1"})
	require.NoError(t, err)

	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, ClientIP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, store.SourceLotteryPrize, ch.Scope)
	assert.Equal(t, "100.5", ch.Amount.String())
	assert.Equal(t, e.now.Add(24*time.Hour), ch.ExpiresAt)
	req := e.request(t, ch.RequestID)
	assert.Len(t, req.Nonce, 64)
	assert.Contains(t, ch.Message, req.Nonce)
	assert.Contains(t, ch.Message, "User: u1")
	assert.Contains(t, ch.Message, e.now.Format(time.RFC3339))

	w := newSigner(t)
	e.now = e.now.Add(time.Minute)
	out, err := e.svc.SubmitSignature(ctx, SignatureInput{
		UserID: "u1", Signature: w.sign(ch.Message), Address: strings.ToLower(w.address), Network: "ethereum", ClientIP: "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)
	require.NotNil(t, out.Settlement)
	assert.Equal(t, "100.5", out.Settlement.Amount.String())
	assert.Empty(t, out.SettlementError)

	bal := e.wallet(t, "u1")
	assert.Equal(t, "100.5", bal.Balance.String())
	assert.True(t, bal.PendingBalance.IsZero())
	assert.Equal(t, 1, e.completed(t, ch.RequestID))
	assert.Equal(t, store.RewardClaimed, e.rewardStatus(t, reward.ID))
	assert.Equal(t, 1, e.fees.Count())

	stored := e.request(t, ch.RequestID)
	assert.Equal(t, w.address, stored.ClaimedAddress)
	assert.NotNil(t, stored.ResolvedAt)
	assert.Equal(t, store.RiskLow, stored.RiskLevel)

	topics := e.pub.Topics()
	assert.Contains(t, topics, events.VerificationTopic("processing"))
	assert.Contains(t, topics, events.VerificationTopic("approved"))
	assert.Contains(t, topics, events.TopicSettlementCompleted)

	chain, err := audit.VerifyRequest(ctx, e.st, ch.RequestID)
	require.NoError(t, err)
	assert.True(t, chain.OK)
}

func TestExpiredChallengeIsNeverApproved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reward, err := e.rewards.CreditLotteryPrize(ctx, "u1", decimal.RequireFromString("100.50"), rewards.LotteryPrize{DrawID: "d7", TicketID: "t1"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)

	w := newSigner(t)
	e.now = e.now.Add(24*time.Hour + time.Second)
	out, err := e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", Signature: w.sign(ch.Message), Address: w.address, Network: "polygon"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, out.Status)
	assert.Equal(t, reasonExpired, out.Reason)
	assert.Nil(t, out.Settlement)

	bal := e.wallet(t, "u1")
	assert.Equal(t, "100.5", bal.PendingBalance.String())
	assert.True(t, bal.Balance.IsZero())
	assert.Equal(t, store.RewardPendingVerification, e.rewardStatus(t, reward.ID))
	assert.Equal(t, 0, e.completed(t, ch.RequestID))

	again, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	assert.False(t, again.Refreshed)
	assert.NotEqual(t, ch.RequestID, again.RequestID)
	assert.Equal(t, "100.5", again.Amount.String())
}

func TestConcurrentSubmissionsApproveOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditTraderPayout(ctx, "u1", decimal.NewFromInt(40), rewards.TraderWithdrawal{StrategyID: "grid"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)

	w := newSigner(t)
	sig := w.sign(ch.Message)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		approved  int
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.svc.SubmitSignature(ctx, SignatureInput{
				UserID: "u1", RequestID: ch.RequestID, Signature: sig, Address: w.address, Network: "bsc",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && out.Status == store.StatusApproved:
				approved++
			case apperr.KindOf(err) == apperr.KindStateConflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, 9, conflicts)
	assert.Equal(t, 1, e.completed(t, ch.RequestID))
	assert.Equal(t, "40", e.wallet(t, "u1").Balance.String())
}

func TestWrongWalletIsRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reward, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(5), rewards.AirdropWithdrawal{CampaignID: "spring"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)

	signerA, claimed := newSigner(t), newSigner(t)
	out, err := e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", Signature: signerA.sign(ch.Message), Address: claimed.address, Network: "ethereum"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, out.Status)
	assert.Equal(t, reasonSignerInvalid, out.Reason)
	assert.Equal(t, reasonSignerInvalid, e.request(t, ch.RequestID).RejectionReason)
	assert.Equal(t, store.RewardPendingVerification, e.rewardStatus(t, reward.ID))
	assert.Equal(t, "5", e.wallet(t, "u1").PendingBalance.String())

	// a different message signed by the right wallet is also refused
	ch2, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	out, err = e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", Signature: claimed.sign(ch.Message), Address: claimed.address, Network: "ethereum"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, out.Status)
	assert.Equal(t, ch2.RequestID, out.RequestID)

	_, err = e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", RequestID: ch2.RequestID, Signature: claimed.sign(ch2.Message), Address: claimed.address, Network: "ethereum"})
	assert.ErrorIs(t, err, ErrRequestResolved)
}

func TestMalformedSubmissionChangesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(5), rewards.AirdropWithdrawal{CampaignID: "spring"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	w := newSigner(t)

	cases := map[string]SignatureInput{
		"short signature": {Signature: "0x1234", Address: w.address, Network: "ethereum"},
		"bad address":     {Signature: w.sign(ch.Message), Address: "0xnothex", Network: "ethereum"},
		"unknown network": {Signature: w.sign(ch.Message), Address: w.address, Network: "dogecoin"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			in.UserID = "u1"
			_, err := e.svc.SubmitSignature(ctx, in)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Equal(t, store.StatusPending, e.request(t, ch.RequestID).Status)

	_, err = e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u2", Signature: w.sign(ch.Message), Address: w.address, Network: "ethereum"})
	assert.ErrorIs(t, err, ErrNoOpenRequest)
	_, err = e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u2", RequestID: ch.RequestID, Signature: w.sign(ch.Message), Address: w.address, Network: "ethereum"})
	assert.ErrorIs(t, err, ErrNoOpenRequest, "another user's request is invisible")
}

func TestCreateRequestRefreshesOpenRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditLotteryParticipation(ctx, "u1", decimal.NewFromInt(2), rewards.LotteryParticipation{DrawID: "d1", Tickets: 4})
	require.NoError(t, err)

	first, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	nonce := e.request(t, first.RequestID).Nonce

	_, err = e.rewards.CreditLotteryParticipation(ctx, "u1", decimal.NewFromInt(3), rewards.LotteryParticipation{DrawID: "d2", Tickets: 6})
	require.NoError(t, err)
	e.now = e.now.Add(time.Hour)
	second, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, Scope: store.SourceLotteryParticipation})
	require.NoError(t, err)

	assert.True(t, second.Refreshed)
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, "5", second.Amount.String())
	assert.Equal(t, e.now.Add(24*time.Hour), second.ExpiresAt)
	assert.NotEqual(t, nonce, e.request(t, second.RequestID).Nonce)

	var open []store.VerificationRequest
	require.NoError(t, e.st.WithTx(ctx, func(tx store.Tx) error {
		var err error
		open, err = tx.ListRequests(ctx, store.RequestFilter{UserID: "u1", Statuses: store.OpenStatuses})
		return err
	}))
	assert.Len(t, open, 1)
}

func TestCreateRequestValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	assert.ErrorIs(t, err, ErrNoPendingRewards)
	_, err = e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: "carrier_pigeon"})
	assert.ErrorIs(t, err, ErrInvalidMethod)
	_, err = e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, Scope: "casino"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(1), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	_, err = e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, Scope: store.SourceTraderWithdrawal})
	assert.ErrorIs(t, err, ErrNoPendingRewards)
}

func TestScopeDefaultsToOldestReward(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(7), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	_, err = e.rewards.CreditLotteryPrize(ctx, "u1", decimal.NewFromInt(900), rewards.LotteryPrize{DrawID: "d", TicketID: "t"})
	require.NoError(t, err)

	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	assert.Equal(t, store.SourceAirdropWithdrawal, ch.Scope)
	assert.Equal(t, "7", ch.Amount.String())

	// the other scope gets its own request
	lottery, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, Scope: store.SourceLotteryPrize})
	require.NoError(t, err)
	assert.NotEqual(t, ch.RequestID, lottery.RequestID)
}

func TestAssistedReviewApproves(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(12), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)

	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodAssisted})
	require.NoError(t, err)
	assert.Empty(t, ch.Message)
	assert.NotEmpty(t, ch.Instructions)
	assert.Equal(t, e.now.Add(7*24*time.Hour), ch.ExpiresAt)

	_, err = e.svc.SubmitAssisted(ctx, AssistedInput{UserID: "u1"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	w := newSigner(t)
	out, err := e.svc.SubmitAssisted(ctx, AssistedInput{
		UserID:        "u1",
		Note:          "exchange statement attached",
		ClaimedWallet: strings.ToLower(w.address),
		Network:       "Ethereum",
		Files:         []Upload{{Name: "statement.pdf", ContentType: "application/pdf", Size: 9, Body: strings.NewReader("%PDF-1.7\n")}},
		ClientIP:      "10.0.0.2",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusVerifying, out.Status)
	assert.Equal(t, 1, e.ev.Len())
	assert.Equal(t, 1, e.sink.AlertCount())
	stored := e.request(t, ch.RequestID)
	assert.Equal(t, w.address, stored.ClaimedAddress)
	assert.Contains(t, string(stored.Evidence), "statement.pdf")

	pending, err := e.svc.ListPendingReview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	reviewer := risk.Viewer{UserID: "rev1", Role: store.RoleReviewer}
	rc, file, err := e.svc.OpenEvidence(ctx, reviewer, ch.RequestID, 0)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "%PDF-1.7\n", string(body))
	assert.Equal(t, "statement.pdf", file.Name)
	_, _, err = e.svc.OpenEvidence(ctx, risk.Viewer{UserID: "u1", Role: store.RolePlayer}, ch.RequestID, 0)
	assert.ErrorIs(t, err, ErrNotReviewer)

	_, err = e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: risk.Viewer{UserID: "u1", Role: store.RolePlayer}})
	assert.ErrorIs(t, err, ErrNotReviewer)

	out, err = e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: reviewer, Note: "statement matches"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)
	require.NotNil(t, out.Settlement)
	assert.Equal(t, "12", e.wallet(t, "u1").Balance.String())
	stored = e.request(t, ch.RequestID)
	assert.Equal(t, "rev1", stored.ReviewedBy)
	assert.False(t, stored.AdminOverride)

	_, err = e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: reviewer})
	assert.ErrorIs(t, err, ErrNotUnderReview)
	assert.Equal(t, 1, e.completed(t, ch.RequestID))
}

func TestAssistedReviewRejects(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	reward, err := e.rewards.CreditTraderPayout(ctx, "u1", decimal.NewFromInt(3), rewards.TraderWithdrawal{StrategyID: "s"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodAssisted})
	require.NoError(t, err)
	_, err = e.svc.SubmitAssisted(ctx, AssistedInput{UserID: "u1", Note: "it is my wallet"})
	require.NoError(t, err)

	admin := risk.Viewer{UserID: "adm", Role: store.RoleAdmin}
	_, err = e.svc.Reject(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: admin})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	out, err := e.svc.Reject(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: admin, Note: "screenshot does not show the address"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, out.Status)
	assert.Equal(t, "screenshot does not show the address", out.Reason)
	assert.Equal(t, store.RewardPendingVerification, e.rewardStatus(t, reward.ID))
	assert.Equal(t, "3", e.wallet(t, "u1").PendingBalance.String())
	assert.Contains(t, e.pub.Topics(), events.VerificationTopic("rejected"))
}

func TestAdminApprovalOfSignatureRequestIsOverride(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditLotteryPrize(ctx, "u1", decimal.NewFromInt(600), rewards.LotteryPrize{DrawID: "d", TicketID: "t"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: risk.Viewer{UserID: "adm", Role: store.RoleAdmin}})
	assert.ErrorIs(t, err, ErrNotUnderReview, "pending requests are not reviewable")

	// stuck in processing, e.g. the submitting process died
	require.NoError(t, e.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.TransitionRequest(ctx, ch.RequestID, []store.RequestStatus{store.StatusPending}, store.StatusProcessing, e.now)
		return err
	}))
	out, err := e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: risk.Viewer{UserID: "adm", Role: store.RoleAdmin}, Note: "wallet confirmed on call"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)

	stored := e.request(t, ch.RequestID)
	assert.True(t, stored.AdminOverride)
	assert.Equal(t, "wallet confirmed on call", stored.OverrideReason)
	// override 25 + medium amount 15
	assert.Equal(t, 40, stored.RiskScore)
	assert.Equal(t, store.RiskMedium, stored.RiskLevel)
	assert.Equal(t, "600", e.wallet(t, "u1").Balance.String())
}

type failingSettler struct{}

func (failingSettler) ProcessVerifiedRequest(context.Context, uuid.UUID) (settlement.Result, error) {
	return settlement.Result{}, apperr.Wrap(settlement.ErrSettlement, errors.New("db timeout"))
}

func TestSettlementFailureKeepsApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.svc.settler = failingSettler{}
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(9), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	w := newSigner(t)

	out, err := e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", Signature: w.sign(ch.Message), Address: w.address, Network: "base"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)
	assert.Nil(t, out.Settlement)
	assert.NotEmpty(t, out.SettlementError)
	assert.NotContains(t, out.SettlementError, "db timeout")
}

// ledgerOutage fails every wallet move while down is set.
type ledgerOutage struct {
	*store.Memory
	down atomic.Bool
}

func (l *ledgerOutage) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return l.Memory.WithTx(ctx, func(tx store.Tx) error {
		if l.down.Load() {
			return fn(outageTx{Tx: tx})
		}
		return fn(tx)
	})
}

type outageTx struct {
	store.Tx
}

func (outageTx) MovePendingToBalance(context.Context, string, decimal.Decimal) (bool, error) {
	return false, errors.New("ledger backend unavailable")
}

func TestReopenWhileSettlementRetryIsQueued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	st := &ledgerOutage{Memory: e.st}
	router := settlement.NewRouter(st, wallet.NewLedger(nil), e.fees, e.sink, e.pub, settlement.Config{
		Fee:         settlement.FeePolicy{Percentage: decimal.RequireFromString("0.01"), Max: decimal.NewFromInt(50)},
		BaseBackoff: time.Minute,
	}, logging.Discard()).WithClock(func() time.Time { return e.now })
	e.svc.settler = router

	reward, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(10), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)
	w := newSigner(t)

	st.down.Store(true)
	out, err := e.svc.SubmitSignature(ctx, SignatureInput{UserID: "u1", Signature: w.sign(ch.Message), Address: w.address, Network: "base"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)
	assert.NotEmpty(t, out.SettlementError)
	st.down.Store(false)

	for _, in := range []CreateInput{
		{UserID: "u1", Method: store.MethodSignature},
		{UserID: "u1", Method: store.MethodAssisted, Scope: store.SourceAirdropWithdrawal},
	} {
		_, err = e.svc.CreateRequest(ctx, in)
		assert.ErrorIs(t, err, ErrSettlementPending)
		assert.Equal(t, apperr.KindStateConflict, apperr.KindOf(err))
	}
	var held []store.PendingReward
	require.NoError(t, e.st.WithTx(ctx, func(tx store.Tx) error {
		held, err = tx.ListRewardsByRequest(ctx, ch.RequestID)
		return err
	}))
	require.Len(t, held, 1)
	assert.Equal(t, reward.ID, held[0].ID)

	e.now = e.now.Add(2 * time.Minute)
	stats, err := router.RetryDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, settlement.RetryStats{Due: 1, Completed: 1}, stats)

	bal := e.wallet(t, "u1")
	assert.Equal(t, "10", bal.Balance.String())
	assert.True(t, bal.PendingBalance.IsZero())
	assert.Equal(t, 1, e.completed(t, ch.RequestID))
	assert.NotEqual(t, store.RewardPendingVerification, e.rewardStatus(t, reward.ID))
	for _, status := range []store.RetryStatus{store.RetryPending, store.RetryExhausted} {
		retries, err := router.ListRetries(ctx, status)
		require.NoError(t, err)
		assert.Empty(t, retries, status)
	}

	_, err = e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	assert.ErrorIs(t, err, ErrNoPendingRewards)
}

func TestSignatureResolvedAfterReviewerApprovalSettlesOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditLotteryPrize(ctx, "u1", decimal.NewFromInt(40), rewards.LotteryPrize{DrawID: "d", TicketID: "t"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature})
	require.NoError(t, err)

	// the signature check is in flight when an admin approves
	require.NoError(t, e.st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.TransitionRequest(ctx, ch.RequestID, []store.RequestStatus{store.StatusPending}, store.StatusProcessing, e.now)
		return err
	}))
	_, err = e.svc.Approve(ctx, ReviewInput{RequestID: ch.RequestID, Reviewer: risk.Viewer{UserID: "adm", Role: store.RoleAdmin}, Note: "confirmed"})
	require.NoError(t, err)
	published := len(e.pub.Topics())

	out, err := e.svc.resolveSignature(ctx, ch.RequestID, "", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, out.Status)
	assert.Nil(t, out.Settlement)
	assert.Len(t, e.pub.Topics(), published)
	assert.Equal(t, 1, e.completed(t, ch.RequestID))
	assert.Equal(t, "40", e.wallet(t, "u1").Balance.String())

	var entries []store.AuditEntry
	require.NoError(t, e.st.WithTx(ctx, func(tx store.Tx) error {
		entries, err = tx.ListAuditEntries(ctx, ch.RequestID)
		return err
	}))
	for _, en := range entries {
		assert.NotEqual(t, string(audit.ActionSettlementSkipped), en.Action)
	}
}

func TestExpireOverdue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(1), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	_, err = e.rewards.CreditLotteryPrize(ctx, "u1", decimal.NewFromInt(2), rewards.LotteryPrize{DrawID: "d", TicketID: "t"})
	require.NoError(t, err)
	sig, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, Scope: store.SourceAirdropWithdrawal})
	require.NoError(t, err)
	assisted, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodAssisted, Scope: store.SourceLotteryPrize})
	require.NoError(t, err)

	n, err := e.svc.ExpireOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.now = e.now.Add(25 * time.Hour)
	n, err = e.svc.ExpireOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.StatusExpired, e.request(t, sig.RequestID).Status)
	assert.Equal(t, store.StatusPending, e.request(t, assisted.RequestID).Status)

	n, err = e.svc.ExpireOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	e.now = e.now.Add(7 * 24 * time.Hour)
	n, err = e.svc.ExpireOverdue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "3", e.wallet(t, "u1").PendingBalance.String())
}

func TestStatusVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.rewards.CreditAirdrop(ctx, "u1", decimal.NewFromInt(1), rewards.AirdropWithdrawal{CampaignID: "c"})
	require.NoError(t, err)
	ch, err := e.svc.CreateRequest(ctx, CreateInput{UserID: "u1", Method: store.MethodSignature, ClientIP: "203.0.113.9"})
	require.NoError(t, err)

	view, err := e.svc.Status(ctx, risk.Viewer{UserID: "u1", Role: store.RolePlayer}, ch.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", view.Request.ClientIP)
	assert.Len(t, view.Rewards, 1)

	_, err = e.svc.Status(ctx, risk.Viewer{UserID: "u2", Role: store.RolePlayer}, ch.RequestID)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	view, err = e.svc.Status(ctx, risk.Viewer{UserID: "rev", Role: store.RoleReviewer}, ch.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.x.x", view.Request.ClientIP)
}
