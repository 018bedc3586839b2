package credit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Storage with the same version-guard semantics as
// the Postgres store.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]*TeamCredit
	txns  []*Transaction
	fail  error // when set, Commit fails once with this error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*TeamCredit)}
}

func (m *memStore) Get(_ context.Context, teamID string) (*TeamCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.rows[teamID]
	if !ok {
		return nil, ErrNoBalance
	}
	cp := *tc
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, tc *TeamCredit, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[tc.TeamID]; ok {
		return errors.New("duplicate team")
	}
	cp := *tc
	cp.Version = 1
	m.rows[tc.TeamID] = &cp
	m.txns = append(m.txns, txn)
	tc.Version = 1
	return nil
}

func (m *memStore) Commit(_ context.Context, tc *TeamCredit, expectVersion int64, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		err := m.fail
		m.fail = nil
		return err
	}
	cur, ok := m.rows[tc.TeamID]
	if !ok {
		return ErrNoBalance
	}
	if cur.Version != expectVersion {
		return ErrVersionConflict
	}
	cp := *tc
	cp.Version = expectVersion + 1
	m.rows[tc.TeamID] = &cp
	if txn != nil {
		m.txns = append(m.txns, txn)
	}
	tc.Version = cp.Version
	return nil
}

func (m *memStore) ListTransactions(_ context.Context, teamID string, _ TransactionListParams) ([]*Transaction, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.txns {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	return out, "", nil
}

func (m *memStore) ListAutoRefill(_ context.Context) ([]*TeamCredit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TeamCredit
	for _, tc := range m.rows {
		if tc.AutoRefillAmount > 0 && tc.AutoRefillPeriod > 0 {
			cp := *tc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) countKind(teamID, kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txns {
		if t.TeamID == teamID && t.Kind == kind {
			n++
		}
	}
	return n
}

func TestAllocateAndBalance(t *testing.T) {
	ms := newMemStore()
	l := NewLedger(ms)
	ctx := context.Background()

	remaining, err := l.Allocate(ctx, "team-a", 100, "initial grant")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if remaining != 100 {
		t.Fatalf("expected remaining 100, got %d", remaining)
	}

	remaining, err = l.Allocate(ctx, "team-a", 50, "top-up")
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if remaining != 150 {
		t.Fatalf("expected remaining 150, got %d", remaining)
	}

	b, err := l.Balance(ctx, "team-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Allocated != 150 || b.Used != 0 || b.Remaining != 150 {
		t.Fatalf("unexpected balance: %+v", b)
	}

	if got := ms.countKind("team-a", KindAllocation); got != 2 {
		t.Fatalf("expected 2 allocation transactions, got %d", got)
	}
}

func TestDeduct(t *testing.T) {
	tests := []struct {
		name          string
		allocated     int64
		used          int64
		overdraft     bool
		amount        int64
		wantRemaining int64
		wantErr       error
	}{
		{name: "normal deduction", allocated: 100, amount: 1, wantRemaining: 99},
		{name: "exact balance", allocated: 5, used: 4, amount: 1, wantRemaining: 0},
		{name: "insufficient", allocated: 5, used: 5, amount: 1, wantErr: ErrInsufficientCredit},
		{name: "overdraft override", allocated: 5, used: 5, overdraft: true, amount: 1, wantRemaining: -1},
		{name: "zero amount", allocated: 100, amount: 0, wantErr: ErrInvalidAmount},
		{name: "negative amount", allocated: 100, amount: -3, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMemStore()
			ms.rows["team-a"] = &TeamCredit{
				TeamID:         "team-a",
				Allocated:      tt.allocated,
				Used:           tt.used,
				AllowOverdraft: tt.overdraft,
				Version:        1,
			}
			l := NewLedger(ms)

			remaining, err := l.Deduct(context.Background(), "team-a", tt.amount, "job-1", "job completion")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected error %v, got %v", tt.wantErr, err)
				}
				if got := ms.countKind("team-a", KindDeduction); got != 0 {
					t.Fatalf("failed deduct must not write a transaction, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("deduct: %v", err)
			}
			if remaining != tt.wantRemaining {
				t.Fatalf("expected remaining %d, got %d", tt.wantRemaining, remaining)
			}
			if got := ms.countKind("team-a", KindDeduction); got != 1 {
				t.Fatalf("expected exactly one deduction transaction, got %d", got)
			}
		})
	}
}

func TestDeductUnknownTeam(t *testing.T) {
	l := NewLedger(newMemStore())
	_, err := l.Deduct(context.Background(), "ghost", 1, "job-1", "test")
	if !errors.Is(err, ErrNoBalance) {
		t.Fatalf("expected ErrNoBalance, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	ms := newMemStore()
	ms.rows["team-a"] = &TeamCredit{TeamID: "team-a", Allocated: 100, Used: 10, Version: 1}
	l := NewLedger(ms)
	ctx := context.Background()

	remaining, err := l.Refund(ctx, "team-a", 3, "job-9", "job retried")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if remaining != 93 {
		t.Fatalf("expected remaining 93, got %d", remaining)
	}

	// Refund past zero used is rejected.
	if _, err := l.Refund(ctx, "team-a", 8, "job-9", "too much"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAdjustCanExceedAllocated(t *testing.T) {
	ms := newMemStore()
	ms.rows["team-a"] = &TeamCredit{TeamID: "team-a", Allocated: 10, Used: 10, Version: 1}
	l := NewLedger(ms)

	// Administrative override: push used past allocated.
	remaining, err := l.Adjust(context.Background(), "team-a", 0, 5, "billing correction")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if remaining != -5 {
		t.Fatalf("expected remaining -5, got %d", remaining)
	}
	if got := ms.countKind("team-a", KindAdjustment); got != 1 {
		t.Fatalf("expected 1 adjustment transaction, got %d", got)
	}
}

// TestRemainingNeverDrifts exercises random op sequences and checks the
// derived balance against the transaction log after every step.
func TestRemainingNeverDrifts(t *testing.T) {
	ms := newMemStore()
	l := NewLedger(ms)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	if _, err := l.Allocate(ctx, "team-a", 1000, "seed"); err != nil {
		t.Fatalf("seed allocate: %v", err)
	}

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			_, _ = l.Allocate(ctx, "team-a", int64(rng.Intn(10)+1), "alloc")
		case 1:
			_, _ = l.Deduct(ctx, "team-a", int64(rng.Intn(10)+1), "", "deduct")
		case 2:
			_, _ = l.Refund(ctx, "team-a", int64(rng.Intn(10)+1), "", "refund")
		}

		b, err := l.Balance(ctx, "team-a")
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if b.Remaining != b.Allocated-b.Used {
			t.Fatalf("drift at step %d: remaining %d != allocated %d - used %d",
				i, b.Remaining, b.Allocated, b.Used)
		}
		if b.Used > b.Allocated {
			t.Fatalf("used %d exceeds allocated %d without override", b.Used, b.Allocated)
		}
	}
}

// TestTransactionChain verifies before/after snapshots form an unbroken chain.
func TestTransactionChain(t *testing.T) {
	ms := newMemStore()
	l := NewLedger(ms)
	ctx := context.Background()

	_, _ = l.Allocate(ctx, "team-a", 10, "seed")
	_, _ = l.Deduct(ctx, "team-a", 1, "job-1", "d1")
	_, _ = l.Deduct(ctx, "team-a", 1, "job-2", "d2")
	_, _ = l.Refund(ctx, "team-a", 1, "job-2", "r1")

	txns, _, err := l.ListTransactions(ctx, "team-a", TransactionListParams{})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(txns))
	}
	for i := 1; i < len(txns); i++ {
		if txns[i].BalanceBefore != txns[i-1].BalanceAfter {
			t.Fatalf("broken chain at %d: before %d != previous after %d",
				i, txns[i].BalanceBefore, txns[i-1].BalanceAfter)
		}
		if txns[i].BalanceAfter != txns[i].BalanceBefore+txns[i].Amount {
			t.Fatalf("transaction %d amount inconsistent: %+v", i, txns[i])
		}
	}
}

func TestConcurrentDeductions(t *testing.T) {
	ms := newMemStore()
	ms.rows["team-a"] = &TeamCredit{TeamID: "team-a", Allocated: 100, Version: 1}
	l := NewLedger(ms)
	ctx := context.Background()

	var wg sync.WaitGroup
	var insufficient int64
	var mu sync.Mutex
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, "team-a", 1, "", "concurrent")
			if errors.Is(err, ErrInsufficientCredit) {
				mu.Lock()
				insufficient++
				mu.Unlock()
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	b, err := l.Balance(ctx, "team-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Remaining != 0 || b.Used != 100 {
		t.Fatalf("expected fully drained balance, got %+v", b)
	}
	if insufficient != 50 {
		t.Fatalf("expected 50 rejected deductions, got %d", insufficient)
	}
	if got := ms.countKind("team-a", KindDeduction); got != 100 {
		t.Fatalf("expected 100 deduction transactions, got %d", got)
	}
}

func TestCommitRetriesOnVersionConflict(t *testing.T) {
	ms := newMemStore()
	ms.rows["team-a"] = &TeamCredit{TeamID: "team-a", Allocated: 10, Version: 1}
	ms.fail = ErrVersionConflict
	l := NewLedger(ms)

	remaining, err := l.Deduct(context.Background(), "team-a", 1, "", "retry me")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if remaining != 9 {
		t.Fatalf("expected remaining 9, got %d", remaining)
	}
}

func TestRunAutoRefill(t *testing.T) {
	ms := newMemStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := base.Add(-48 * time.Hour)
	fresh := base.Add(-time.Hour)
	ms.rows["due"] = &TeamCredit{
		TeamID: "due", Allocated: 10, Used: 10, Version: 1,
		AutoRefillAmount: 25, AutoRefillPeriod: 24 * time.Hour, LastRefillAt: &due,
	}
	ms.rows["fresh"] = &TeamCredit{
		TeamID: "fresh", Allocated: 10, Version: 1,
		AutoRefillAmount: 25, AutoRefillPeriod: 24 * time.Hour, LastRefillAt: &fresh,
	}
	ms.rows["no-policy"] = &TeamCredit{TeamID: "no-policy", Allocated: 10, Version: 1}

	l := NewLedger(ms)
	l.now = func() time.Time { return base }

	n, err := l.RunAutoRefill(context.Background())
	if err != nil {
		t.Fatalf("auto refill: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 team refilled, got %d", n)
	}

	b, _ := l.Balance(context.Background(), "due")
	if b.Allocated != 35 || b.Remaining != 25 {
		t.Fatalf("unexpected balance after refill: %+v", b)
	}
	if got := ms.countKind("fresh", KindAllocation); got != 0 {
		t.Fatalf("fresh team should not be refilled, got %d allocations", got)
	}
}

func TestSetRefillPolicyWritesNoTransaction(t *testing.T) {
	ms := newMemStore()
	ms.rows["team-a"] = &TeamCredit{TeamID: "team-a", Allocated: 10, Version: 1}
	l := NewLedger(ms)

	if err := l.SetRefillPolicy(context.Background(), "team-a", 5, time.Hour); err != nil {
		t.Fatalf("set refill policy: %v", err)
	}
	if len(ms.txns) != 0 {
		t.Fatalf("policy change must not append transactions, got %d", len(ms.txns))
	}

	tc, _ := ms.Get(context.Background(), "team-a")
	if tc.AutoRefillAmount != 5 || tc.AutoRefillPeriod != time.Hour {
		t.Fatalf("policy not saved: %+v", tc)
	}
}
