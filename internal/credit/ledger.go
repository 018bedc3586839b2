package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/centime/internal/keyedmutex"
	"github.com/google/uuid"
)

// Ledger errors.
var (
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrNoBalance          = errors.New("team has no credit balance")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrVersionConflict    = errors.New("concurrent ledger modification")
)

// maxCommitRetries bounds the CAS retry loop. Conflicts only occur when
// another instance mutates the same team between our read and commit.
const maxCommitRetries = 5

// Storage persists team credit rows and their audit log. Create and Commit
// must write the row and its paired transaction in a single atomic unit.
// Commit must fail with ErrVersionConflict when the stored version no longer
// matches expectVersion.
type Storage interface {
	Get(ctx context.Context, teamID string) (*TeamCredit, error)
	Create(ctx context.Context, tc *TeamCredit, txn *Transaction) error
	Commit(ctx context.Context, tc *TeamCredit, expectVersion int64, txn *Transaction) error
	ListTransactions(ctx context.Context, teamID string, params TransactionListParams) ([]*Transaction, string, error)
	ListAutoRefill(ctx context.Context) ([]*TeamCredit, error)
}

// Ledger applies credit mutations with per-team serialization and an
// append-only audit trail. Every balance change commits together with its
// transaction row; one without the other is a correctness bug.
type Ledger struct {
	store Storage
	locks *keyedmutex.KeyedMutex
	now   func() time.Time // injectable clock for testing
}

// NewLedger creates a Ledger over the given storage.
func NewLedger(store Storage) *Ledger {
	return &Ledger{
		store: store,
		locks: keyedmutex.New(),
		now:   time.Now,
	}
}

// Deduct subtracts amount credits from the team's balance and returns the new
// remaining balance. It fails with ErrInsufficientCredit when the remaining
// balance is lower than amount, unless the team has the overdraft override.
func (l *Ledger) Deduct(ctx context.Context, teamID string, amount int64, jobID, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var remaining int64
	err := l.mutate(ctx, teamID, func(tc *TeamCredit) (*Transaction, error) {
		if tc.Remaining() < amount && !tc.AllowOverdraft {
			return nil, ErrInsufficientCredit
		}
		before := tc.Remaining()
		tc.Used += amount
		remaining = tc.Remaining()
		return l.newTransaction(teamID, KindDeduction, -amount, before, remaining, jobID, reason), nil
	})
	return remaining, err
}

// Allocate adds amount credits to the team's balance, creating the ledger row
// if the team has none yet. It returns the new remaining balance.
func (l *Ledger) Allocate(ctx context.Context, teamID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	l.locks.Lock(teamID)
	defer l.locks.Unlock(teamID)

	tc, err := l.store.Get(ctx, teamID)
	if errors.Is(err, ErrNoBalance) {
		now := l.now().UTC()
		tc = &TeamCredit{
			TeamID:    teamID,
			Allocated: amount,
			CreatedAt: now,
			UpdatedAt: now,
		}
		txn := l.newTransaction(teamID, KindAllocation, amount, 0, amount, "", reason)
		if err := l.store.Create(ctx, tc, txn); err != nil {
			return 0, fmt.Errorf("creating credit balance: %w", err)
		}
		return tc.Remaining(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading credit balance: %w", err)
	}

	var remaining int64
	err = l.mutateLocked(ctx, teamID, func(tc *TeamCredit) (*Transaction, error) {
		before := tc.Remaining()
		tc.Allocated += amount
		remaining = tc.Remaining()
		return l.newTransaction(teamID, KindAllocation, amount, before, remaining, "", reason), nil
	})
	return remaining, err
}

// Refund returns amount previously-deducted credits to the team. It fails
// with ErrInvalidAmount when the refund would make used credits negative.
func (l *Ledger) Refund(ctx context.Context, teamID string, amount int64, jobID, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var remaining int64
	err := l.mutate(ctx, teamID, func(tc *TeamCredit) (*Transaction, error) {
		if tc.Used-amount < 0 {
			return nil, fmt.Errorf("refund of %d exceeds used credits %d: %w", amount, tc.Used, ErrInvalidAmount)
		}
		before := tc.Remaining()
		tc.Used -= amount
		remaining = tc.Remaining()
		return l.newTransaction(teamID, KindRefund, amount, before, remaining, jobID, reason), nil
	})
	return remaining, err
}

// Adjust applies an administrative correction. Unlike Deduct and Refund it
// may push used past allocated; allocated itself must stay non-negative.
func (l *Ledger) Adjust(ctx context.Context, teamID string, allocatedDelta, usedDelta int64, reason string) (int64, error) {
	if allocatedDelta == 0 && usedDelta == 0 {
		return 0, ErrInvalidAmount
	}

	var remaining int64
	err := l.mutate(ctx, teamID, func(tc *TeamCredit) (*Transaction, error) {
		if tc.Allocated+allocatedDelta < 0 {
			return nil, fmt.Errorf("adjustment would make allocated negative: %w", ErrInvalidAmount)
		}
		if tc.Used+usedDelta < 0 {
			return nil, fmt.Errorf("adjustment would make used negative: %w", ErrInvalidAmount)
		}
		before := tc.Remaining()
		tc.Allocated += allocatedDelta
		tc.Used += usedDelta
		remaining = tc.Remaining()
		return l.newTransaction(teamID, KindAdjustment, remaining-before, before, remaining, "", reason), nil
	})
	return remaining, err
}

// Balance is a pure read of the team's current balance.
func (l *Ledger) Balance(ctx context.Context, teamID string) (*Balance, error) {
	tc, err := l.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		TeamID:    tc.TeamID,
		Allocated: tc.Allocated,
		Used:      tc.Used,
		Remaining: tc.Remaining(),
	}, nil
}

// SetRefillPolicy configures (or clears, with amount 0) the team's auto-refill
// policy. Policy changes do not touch the balance and carry no audit row.
func (l *Ledger) SetRefillPolicy(ctx context.Context, teamID string, amount int64, period time.Duration) error {
	if amount < 0 || period < 0 {
		return ErrInvalidAmount
	}

	l.locks.Lock(teamID)
	defer l.locks.Unlock(teamID)

	tc, err := l.store.Get(ctx, teamID)
	if err != nil {
		return err
	}
	tc.AutoRefillAmount = amount
	tc.AutoRefillPeriod = period
	tc.UpdatedAt = l.now().UTC()
	if err := l.store.Commit(ctx, tc, tc.Version, nil); err != nil {
		return fmt.Errorf("saving refill policy: %w", err)
	}
	return nil
}

// SetOverdraft sets the hard-limit override on the team.
func (l *Ledger) SetOverdraft(ctx context.Context, teamID string, allow bool) error {
	l.locks.Lock(teamID)
	defer l.locks.Unlock(teamID)

	tc, err := l.store.Get(ctx, teamID)
	if err != nil {
		return err
	}
	tc.AllowOverdraft = allow
	tc.UpdatedAt = l.now().UTC()
	if err := l.store.Commit(ctx, tc, tc.Version, nil); err != nil {
		return fmt.Errorf("saving overdraft flag: %w", err)
	}
	return nil
}

// ListTransactions returns a page of the team's audit log, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, teamID string, params TransactionListParams) ([]*Transaction, string, error) {
	return l.store.ListTransactions(ctx, teamID, params)
}

// RunAutoRefill applies every due auto-refill policy and returns the number
// of teams refilled. It is triggered administratively, not by a daemon.
func (l *Ledger) RunAutoRefill(ctx context.Context) (int, error) {
	rows, err := l.store.ListAutoRefill(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing refill policies: %w", err)
	}

	refilled := 0
	for _, row := range rows {
		teamID := row.TeamID
		applied := false
		err := l.mutate(ctx, teamID, func(tc *TeamCredit) (*Transaction, error) {
			applied = false
			if tc.AutoRefillAmount <= 0 || tc.AutoRefillPeriod <= 0 {
				return nil, nil
			}
			now := l.now().UTC()
			if tc.LastRefillAt != nil && now.Sub(*tc.LastRefillAt) < tc.AutoRefillPeriod {
				return nil, nil
			}
			before := tc.Remaining()
			tc.Allocated += tc.AutoRefillAmount
			tc.LastRefillAt = &now
			applied = true
			return l.newTransaction(teamID, KindAllocation, tc.AutoRefillAmount, before, tc.Remaining(), "", "auto-refill"), nil
		})
		if err != nil {
			return refilled, fmt.Errorf("refilling team %s: %w", teamID, err)
		}
		if applied {
			refilled++
		}
	}
	return refilled, nil
}

// mutate runs fn against the team's current row under the per-team lock and
// commits the result together with the transaction fn returns. A nil
// transaction from fn means no change. It retries on cross-instance version
// conflicts.
func (l *Ledger) mutate(ctx context.Context, teamID string, fn func(*TeamCredit) (*Transaction, error)) error {
	l.locks.Lock(teamID)
	defer l.locks.Unlock(teamID)
	return l.mutateLocked(ctx, teamID, fn)
}

func (l *Ledger) mutateLocked(ctx context.Context, teamID string, fn func(*TeamCredit) (*Transaction, error)) error {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		tc, err := l.store.Get(ctx, teamID)
		if err != nil {
			return err
		}

		txn, err := fn(tc)
		if err != nil {
			return err
		}
		if txn == nil {
			return nil
		}

		tc.UpdatedAt = l.now().UTC()
		err = l.store.Commit(ctx, tc, tc.Version, txn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return fmt.Errorf("committing ledger mutation: %w", err)
		}
	}
	return ErrVersionConflict
}

func (l *Ledger) newTransaction(teamID, kind string, amount, before, after int64, jobID, reason string) *Transaction {
	return &Transaction{
		ID:            uuid.NewString(),
		TeamID:        teamID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		JobID:         jobID,
		Reason:        reason,
		CreatedAt:     l.now().UTC(),
	}
}
