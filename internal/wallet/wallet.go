// Package wallet implements the per-user balance ledger.
//
// Balances are integer minor units. Funds staked on a match move from the
// available balance into a per-match lock and stay escrowed there until
// settlement releases or debits them. Every successful operation appends
// an immutable ledger entry for audit and reconciliation.
package wallet

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op identifies the kind of balance change recorded in a ledger entry.
type Op string

const (
	OpLock    Op = "lock"
	OpRelease Op = "release"
	OpCredit  Op = "credit"
	OpDebit   Op = "debit"
)

// Entry is an immutable record of a single balance change.
type Entry struct {
	ID              string
	UserID          string
	Op              Op
	Amount          int64
	AvailableBefore int64
	AvailableAfter  int64
	LockedBefore    int64
	LockedAfter     int64
	MatchID         string
	Reason          string
	Ref             string
	CreatedAt       time.Time
}

// Wallet holds one user's balances. All mutation goes through the Ledger.
type Wallet struct {
	UserID    string
	Available int64
	Locked    int64

	mu      sync.Mutex
	locks   map[string]int64 // matchID -> escrowed amount
	refs    map[string]bool  // idempotency refs already applied
	entries []Entry
}

// Balance is a read-only view of a wallet.
type Balance struct {
	UserID    string
	Available int64
	Locked    int64
}

// Ledger manages wallets keyed by user ID. Operations on one wallet
// serialize; operations on different wallets run concurrently.
type Ledger struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{wallets: make(map[string]*Wallet)}
}

// Open creates a wallet for userID with the given opening balance.
// Opening an existing wallet is a no-op.
func (l *Ledger) Open(userID string, openingBalance int64) error {
	if openingBalance < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.wallets[userID]; ok {
		return nil
	}
	w := &Wallet{
		UserID:    userID,
		Available: openingBalance,
		locks:     make(map[string]int64),
		refs:      make(map[string]bool),
	}
	if openingBalance > 0 {
		w.entries = append(w.entries, Entry{
			ID:             uuid.NewString(),
			UserID:         userID,
			Op:             OpCredit,
			Amount:         openingBalance,
			AvailableAfter: openingBalance,
			Reason:         "opening_balance",
			CreatedAt:      time.Now(),
		})
	}
	l.wallets[userID] = w
	return nil
}

func (l *Ledger) wallet(userID string) (*Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.wallets[userID]
	if !ok {
		return nil, ErrUnknownWallet
	}
	return w, nil
}

// Lock escrows amount from userID's available balance against matchID.
//
// Idempotent per (userID, matchID): repeating the call with the same
// amount is a no-op success, a different amount fails with
// ErrDuplicateLockConflict.
func (l *Ledger) Lock(userID, matchID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	w, err := l.wallet(userID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.locks[matchID]; ok {
		if existing == amount {
			return nil
		}
		return ErrDuplicateLockConflict
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}

	entry := Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Op:              OpLock,
		Amount:          amount,
		AvailableBefore: w.Available,
		LockedBefore:    w.Locked,
		MatchID:         matchID,
		Reason:          "stake_lock",
		CreatedAt:       time.Now(),
	}
	w.Available -= amount
	w.Locked += amount
	w.locks[matchID] = amount
	entry.AvailableAfter = w.Available
	entry.LockedAfter = w.Locked
	w.entries = append(w.entries, entry)
	return nil
}

// Release returns the escrowed amount for matchID to the available
// balance. Releasing a lock that was already released is a no-op.
func (l *Ledger) Release(userID, matchID string) error {
	w, err := l.wallet(userID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	amount, ok := w.locks[matchID]
	if !ok {
		if w.refs["released:"+matchID] {
			return nil
		}
		return ErrNoSuchLock
	}

	entry := Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Op:              OpRelease,
		Amount:          amount,
		AvailableBefore: w.Available,
		LockedBefore:    w.Locked,
		MatchID:         matchID,
		Reason:          "stake_release",
		CreatedAt:       time.Now(),
	}
	w.Available += amount
	w.Locked -= amount
	delete(w.locks, matchID)
	w.refs["released:"+matchID] = true
	entry.AvailableAfter = w.Available
	entry.LockedAfter = w.Locked
	w.entries = append(w.entries, entry)
	return nil
}

// Credit adds amount to the available balance. A non-empty ref makes the
// credit idempotent: a second credit with the same ref is a no-op, which
// lets settlement retries re-run safely.
func (l *Ledger) Credit(userID string, amount int64, reason, ref string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	w, err := l.wallet(userID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if ref != "" {
		if w.refs[ref] {
			return nil
		}
		w.refs[ref] = true
	}

	entry := Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Op:              OpCredit,
		Amount:          amount,
		AvailableBefore: w.Available,
		LockedBefore:    w.Locked,
		Reason:          reason,
		Ref:             ref,
		CreatedAt:       time.Now(),
	}
	w.Available += amount
	entry.AvailableAfter = w.Available
	entry.LockedAfter = w.Locked
	w.entries = append(w.entries, entry)
	return nil
}

// Debit subtracts amount from the available balance.
func (l *Ledger) Debit(userID string, amount int64, reason, ref string) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	w, err := l.wallet(userID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if ref != "" {
		if w.refs[ref] {
			return nil
		}
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}
	if ref != "" {
		w.refs[ref] = true
	}

	entry := Entry{
		ID:              uuid.NewString(),
		UserID:          userID,
		Op:              OpDebit,
		Amount:          amount,
		AvailableBefore: w.Available,
		LockedBefore:    w.Locked,
		Reason:          reason,
		Ref:             ref,
		CreatedAt:       time.Now(),
	}
	w.Available -= amount
	entry.AvailableAfter = w.Available
	entry.LockedAfter = w.Locked
	w.entries = append(w.entries, entry)
	return nil
}

// BalanceOf returns a read-only view of userID's balances.
func (l *Ledger) BalanceOf(userID string) (Balance, error) {
	w, err := l.wallet(userID)
	if err != nil {
		return Balance{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Balance{UserID: userID, Available: w.Available, Locked: w.Locked}, nil
}

// LockedFor returns the amount currently escrowed against matchID, or
// zero if no lock exists.
func (l *Ledger) LockedFor(userID, matchID string) (int64, error) {
	w, err := l.wallet(userID)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.locks[matchID], nil
}

// Entries returns a copy of userID's ledger entries in append order.
func (l *Ledger) Entries(userID string) ([]Entry, error) {
	w, err := l.wallet(userID)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out, nil
}
