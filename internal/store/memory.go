package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. Transactions are serialized and work on a
// copy of the data that replaces the committed state only on success.
type Memory struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	users      map[string]User
	wallets    map[string]Wallet
	rewards    map[uuid.UUID]PendingReward
	requests   map[uuid.UUID]VerificationRequest
	audit      []AuditEntry
	executions []Execution
	retries    map[uuid.UUID]Retry
	payments   map[string]AdminPayment
}

func NewMemory() *Memory {
	return &Memory{data: &memData{
		users:    map[string]User{},
		wallets:  map[string]Wallet{},
		rewards:  map[uuid.UUID]PendingReward{},
		requests: map[uuid.UUID]VerificationRequest{},
		retries:  map[uuid.UUID]Retry{},
		payments: map[string]AdminPayment{},
	}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(&memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() {}

func (d *memData) clone() *memData {
	c := &memData{
		users:      make(map[string]User, len(d.users)),
		wallets:    make(map[string]Wallet, len(d.wallets)),
		rewards:    make(map[uuid.UUID]PendingReward, len(d.rewards)),
		requests:   make(map[uuid.UUID]VerificationRequest, len(d.requests)),
		audit:      append([]AuditEntry(nil), d.audit...),
		executions: append([]Execution(nil), d.executions...),
		retries:    make(map[uuid.UUID]Retry, len(d.retries)),
		payments:   make(map[string]AdminPayment, len(d.payments)),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.wallets {
		c.wallets[k] = v
	}
	for k, v := range d.rewards {
		c.rewards[k] = v
	}
	for k, v := range d.requests {
		c.requests[k] = v
	}
	for k, v := range d.retries {
		c.retries[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	return c
}

type memTx struct {
	d *memData
}

func (t *memTx) UpsertUser(_ context.Context, u User) (User, error) {
	if existing, ok := t.d.users[u.ID]; ok {
		if u.Username != "" {
			existing.Username = u.Username
		}
		t.d.users[u.ID] = existing
		return existing, nil
	}
	if u.Role == "" {
		u.Role = RolePlayer
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.d.users[u.ID] = u
	return u, nil
}

func (t *memTx) GetUser(_ context.Context, id string) (User, error) {
	u, ok := t.d.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (t *memTx) SetUserRole(_ context.Context, id string, role Role) error {
	u, ok := t.d.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	t.d.users[id] = u
	return nil
}

func (t *memTx) ListUsers(_ context.Context, role Role, limit int) ([]User, error) {
	var out []User
	for _, u := range t.d.users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return truncate(out, limit), nil
}

func (t *memTx) EnsureWallet(_ context.Context, userID string) error {
	if _, ok := t.d.wallets[userID]; !ok {
		t.d.wallets[userID] = Wallet{
			UserID:         userID,
			Balance:        decimal.Zero,
			PendingBalance: decimal.Zero,
			UpdatedAt:      time.Now().UTC(),
		}
	}
	return nil
}

func (t *memTx) GetWallet(_ context.Context, userID string) (Wallet, error) {
	w, ok := t.d.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (t *memTx) AddPending(_ context.Context, userID string, amount decimal.Decimal) error {
	w, ok := t.d.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.PendingBalance = w.PendingBalance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	t.d.wallets[userID] = w
	return nil
}

func (t *memTx) MovePendingToBalance(_ context.Context, userID string, amount decimal.Decimal) (bool, error) {
	w, ok := t.d.wallets[userID]
	if !ok || w.PendingBalance.LessThan(amount) {
		return false, nil
	}
	w.PendingBalance = w.PendingBalance.Sub(amount)
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()
	t.d.wallets[userID] = w
	return true, nil
}

func (t *memTx) ListWallets(_ context.Context, limit int) ([]Wallet, error) {
	out := make([]Wallet, 0, len(t.d.wallets))
	for _, w := range t.d.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].PendingBalance.Cmp(out[j].PendingBalance); c != 0 {
			return c > 0
		}
		return out[i].UserID < out[j].UserID
	})
	return truncate(out, limit), nil
}

func (t *memTx) Stats(_ context.Context) (Stats, error) {
	st := Stats{
		Users:           len(t.d.users),
		Requests:        map[RequestStatus]int{},
		PendingBalance:  decimal.Zero,
		ReleasedBalance: decimal.Zero,
	}
	for _, r := range t.d.requests {
		st.Requests[r.Status]++
	}
	for _, r := range t.d.rewards {
		if r.Status == RewardPendingVerification {
			st.PendingRewards++
		}
	}
	for _, w := range t.d.wallets {
		st.PendingBalance = st.PendingBalance.Add(w.PendingBalance)
		st.ReleasedBalance = st.ReleasedBalance.Add(w.Balance)
	}
	for _, r := range t.d.retries {
		switch r.Status {
		case RetryPending:
			st.RetriesPending++
		case RetryExhausted:
			st.RetriesExhausted++
		}
	}
	return st, nil
}

func (t *memTx) InsertReward(_ context.Context, r PendingReward) error {
	if _, ok := t.d.rewards[r.ID]; ok {
		return ErrDuplicateReward
	}
	t.d.rewards[r.ID] = r
	return nil
}

func (t *memTx) GetReward(_ context.Context, id uuid.UUID) (PendingReward, error) {
	r, ok := t.d.rewards[id]
	if !ok {
		return PendingReward{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) ListRewards(_ context.Context, userID string, status RewardStatus, source Source) ([]PendingReward, error) {
	var out []PendingReward
	for _, r := range t.d.rewards {
		if r.UserID != userID || r.Status != status {
			continue
		}
		if source != "" && r.Source != source {
			continue
		}
		out = append(out, r)
	}
	sortRewards(out)
	return out, nil
}

func (t *memTx) ListRewardsByRequest(_ context.Context, requestID uuid.UUID) ([]PendingReward, error) {
	var out []PendingReward
	for _, r := range t.d.rewards {
		if r.RequestID != nil && *r.RequestID == requestID {
			out = append(out, r)
		}
	}
	sortRewards(out)
	return out, nil
}

func (t *memTx) LinkRewards(_ context.Context, requestID uuid.UUID, ids []uuid.UUID) error {
	for _, id := range ids {
		r, ok := t.d.rewards[id]
		if !ok {
			return ErrNotFound
		}
		if r.RequestID != nil && *r.RequestID != requestID {
			if cur, ok := t.d.requests[*r.RequestID]; ok && !Relinkable(cur.Status) {
				return ErrRewardLinked
			}
		}
	}
	for _, id := range ids {
		r := t.d.rewards[id]
		rid := requestID
		r.RequestID = &rid
		t.d.rewards[id] = r
	}
	return nil
}

func (t *memTx) ResolveReward(_ context.Context, id uuid.UUID, status RewardStatus, at time.Time) (bool, error) {
	r, ok := t.d.rewards[id]
	if !ok || r.Status != RewardPendingVerification {
		return false, nil
	}
	r.Status = status
	r.ResolvedAt = &at
	t.d.rewards[id] = r
	return true, nil
}

func (t *memTx) InsertRequest(_ context.Context, r VerificationRequest) error {
	if r.Status.Open() {
		for _, cur := range t.d.requests {
			if cur.ID != r.ID && cur.UserID == r.UserID && cur.Scope == r.Scope && cur.Status.Open() {
				return ErrDuplicateOpenRequest
			}
		}
	}
	t.d.requests[r.ID] = r
	return nil
}

func (t *memTx) GetRequest(_ context.Context, id uuid.UUID) (VerificationRequest, error) {
	r, ok := t.d.requests[id]
	if !ok {
		return VerificationRequest{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) LockRequest(ctx context.Context, id uuid.UUID) (VerificationRequest, error) {
	return t.GetRequest(ctx, id)
}

func (t *memTx) FindOpenRequest(_ context.Context, userID string, scope Source) (VerificationRequest, error) {
	return t.latest(func(r VerificationRequest) bool {
		return r.UserID == userID && r.Scope == scope && r.Status.Open()
	})
}

func (t *memTx) LatestOpenRequest(_ context.Context, userID string, method Method) (VerificationRequest, error) {
	return t.latest(func(r VerificationRequest) bool {
		return r.UserID == userID && r.Method == method && r.Status.Open()
	})
}

func (t *memTx) latest(match func(VerificationRequest) bool) (VerificationRequest, error) {
	var best VerificationRequest
	found := false
	for _, r := range t.d.requests {
		if !match(r) {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) {
			best = r
			found = true
		}
	}
	if !found {
		return VerificationRequest{}, ErrNotFound
	}
	return best, nil
}

func (t *memTx) TransitionRequest(_ context.Context, id uuid.UUID, from []RequestStatus, to RequestStatus, at time.Time) (bool, error) {
	if err := CheckTransitions(from, to); err != nil {
		return false, err
	}
	r, ok := t.d.requests[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if r.Status == s {
			r.Status = to
			r.UpdatedAt = at
			if to.Terminal() {
				r.ResolvedAt = &at
			}
			t.d.requests[id] = r
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SaveRequest(_ context.Context, r VerificationRequest) error {
	cur, ok := t.d.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	r.Status = cur.Status
	r.ResolvedAt = cur.ResolvedAt
	t.d.requests[r.ID] = r
	return nil
}

func (t *memTx) ListOverdueRequests(_ context.Context, now time.Time, limit int) ([]VerificationRequest, error) {
	var out []VerificationRequest
	for _, r := range t.d.requests {
		if r.Status.Open() && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListRequests(_ context.Context, f RequestFilter) ([]VerificationRequest, error) {
	var out []VerificationRequest
	for _, r := range t.d.requests {
		if !matchFilter(r, f) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchFilter(r VerificationRequest, f RequestFilter) bool {
	if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Method != "" && r.Method != f.Method {
		return false
	}
	if f.RiskLevel != "" && r.RiskLevel != f.RiskLevel {
		return false
	}
	if f.Scope != "" && r.Scope != f.Scope {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

func (t *memTx) LastAuditEntry(_ context.Context, requestID uuid.UUID) (AuditEntry, bool, error) {
	for i := len(t.d.audit) - 1; i >= 0; i-- {
		if t.d.audit[i].RequestID == requestID {
			return t.d.audit[i], true, nil
		}
	}
	return AuditEntry{}, false, nil
}

func (t *memTx) InsertAuditEntry(_ context.Context, e AuditEntry) error {
	t.d.audit = append(t.d.audit, e)
	return nil
}

func (t *memTx) ListAuditEntries(_ context.Context, requestID uuid.UUID) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, e := range t.d.audit {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) ListAuditEntriesByUser(_ context.Context, userID string) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, e := range t.d.audit {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertExecution(_ context.Context, e Execution) error {
	if e.Status == ExecutionCompleted {
		for _, x := range t.d.executions {
			if x.RequestID == e.RequestID && x.Status == ExecutionCompleted {
				return ErrDuplicateCompleted
			}
		}
	}
	t.d.executions = append(t.d.executions, e)
	return nil
}

func (t *memTx) HasCompletedExecution(_ context.Context, requestID uuid.UUID) (bool, error) {
	for _, x := range t.d.executions {
		if x.RequestID == requestID && x.Status == ExecutionCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListExecutions(_ context.Context, requestID uuid.UUID) ([]Execution, error) {
	var out []Execution
	for _, x := range t.d.executions {
		if x.RequestID == requestID {
			out = append(out, x)
		}
	}
	return out, nil
}

func (t *memTx) UpsertRetry(_ context.Context, r Retry) error {
	if cur, ok := t.d.retries[r.RequestID]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = cur.CreatedAt
	}
	t.d.retries[r.RequestID] = r
	return nil
}

func (t *memTx) GetRetry(_ context.Context, requestID uuid.UUID) (Retry, error) {
	r, ok := t.d.retries[requestID]
	if !ok {
		return Retry{}, ErrNotFound
	}
	return r, nil
}

func (t *memTx) DeleteRetry(_ context.Context, requestID uuid.UUID) error {
	delete(t.d.retries, requestID)
	return nil
}

func (t *memTx) DueRetries(_ context.Context, now time.Time, limit int) ([]Retry, error) {
	var out []Retry
	for _, r := range t.d.retries {
		if r.Status == RetryPending && !r.NextAttemptAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListRetries(_ context.Context, status RetryStatus) ([]Retry, error) {
	var out []Retry
	for _, r := range t.d.retries {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertAdminPayment(_ context.Context, p AdminPayment) error {
	if _, ok := t.d.payments[p.Reference]; ok {
		return nil
	}
	t.d.payments[p.Reference] = p
	return nil
}

func (t *memTx) ListAdminPayments(_ context.Context, requestID uuid.UUID) ([]AdminPayment, error) {
	var out []AdminPayment
	for _, p := range t.d.payments {
		if p.RequestID == requestID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func sortRewards(rs []PendingReward) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID.String() < rs[j].ID.String()
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
