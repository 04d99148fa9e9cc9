// Package service provides business logic implementations over the state
// store.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"slack-game-bot/internal/model"
	"slack-game-bot/internal/pkg/lock"
	"slack-game-bot/internal/store"
)

// Ledger errors.
var (
	ErrMissingIdemKey    = errors.New("idempotency key is required")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrIdemKeyOrphaned   = errors.New("idempotency key references a missing transaction")
)

// TxOptions carries the correlation and dedup tokens for a transaction. The
// caller supplies IdemKey; the ledger never invents its own dedup tokens, so
// at-most-once semantics depend on the caller choosing stable keys per
// logical attempt.
type TxOptions struct {
	RefID   string
	IdemKey string

	// Apply, when set, runs inside the same atomic mutation as the balance
	// change, after the transaction is recorded. It does not run on replay,
	// so side effects carry the transaction's at-most-once guarantee.
	Apply func(doc *model.StateDocument)
}

// LedgerService is the sole balance-mutating entry point. Every mutation runs
// under the user's key lock and is deduplicated by idempotency key.
type LedgerService struct {
	store        *store.Store
	locks        *lock.KeyLock
	defaultStake int64
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(st *store.Store, locks *lock.KeyLock, defaultStake int64) *LedgerService {
	return &LedgerService{
		store:        st,
		locks:        locks,
		defaultStake: defaultStake,
	}
}

// EnsureUser creates the user's profile and zero balance if they do not
// exist yet. Profiles are never deleted.
func (s *LedgerService) EnsureUser(userID string) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		ensureUser(doc, userID)
		return nil
	})
}

// GetBalance returns the user's current balance, zero if the user is
// unknown. Reads are lock-free and may trail an in-flight mutation by one
// pending update.
func (s *LedgerService) GetBalance(userID string) int64 {
	var amount int64
	s.store.View(func(doc *model.StateDocument) {
		if b, ok := doc.Balances[userID]; ok {
			amount = b.Amount
		}
	})
	return amount
}

// CanStartBet reports whether the user may start a new bet, with a
// renderable reason when they may not. It never fails.
func (s *LedgerService) CanStartBet(userID string) (bool, string) {
	var (
		play    bool
		balance int64
		open    bool
	)
	s.store.View(func(doc *model.StateDocument) {
		if u, ok := doc.Users[userID]; ok {
			play = u.Play
		}
		if b, ok := doc.Balances[userID]; ok {
			balance = b.Amount
		}
		for _, rec := range doc.Games {
			if !rec.State.Terminal() && rec.Participant(userID) {
				open = true
				return
			}
		}
	})

	if !play {
		return false, "You must opt in before betting."
	}
	if open {
		return false, "You already have an open challenge. Finish it first."
	}
	if balance < s.defaultStake {
		return false, fmt.Sprintf("You need at least %d coins to start a bet.", s.defaultStake)
	}
	return true, ""
}

// AddTransaction applies a signed balance delta for the user. A previously
// seen idempotency key returns the recorded transaction with replayed=true
// and no balance effect. A debit that would drive the balance negative fails
// with ErrInsufficientFunds and applies nothing.
func (s *LedgerService) AddTransaction(userID string, kind model.TxKind, amount int64, opts TxOptions) (*model.Transaction, bool, error) {
	if opts.IdemKey == "" {
		return nil, false, ErrMissingIdemKey
	}

	var (
		tx       *model.Transaction
		replayed bool
	)
	err := s.locks.WithLock(userID, func() error {
		// All writers for this user hold the user key, so the dedup check
		// and the mutation below form one atomic sequence.
		s.store.View(func(doc *model.StateDocument) {
			if txID, ok := doc.Idempotency[opts.IdemKey]; ok {
				tx = findTransaction(doc, txID)
				replayed = true
			}
		})
		if replayed {
			// A key pointing at a transaction the document no longer holds
			// means the history was pruned or hand-edited; surface it rather
			// than hand back a nil transaction.
			if tx == nil {
				return fmt.Errorf("%w: %s", ErrIdemKeyOrphaned, opts.IdemKey)
			}
			return nil
		}

		return s.store.Update(func(doc *model.StateDocument) error {
			ensureUser(doc, userID)
			bal := doc.Balances[userID]
			newAmount := bal.Amount + amount
			if amount < 0 && newAmount < 0 {
				return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, bal.Amount, amount)
			}

			now := time.Now().UTC()
			tx = &model.Transaction{
				ID:        ulid.Make().String(),
				UserID:    userID,
				Kind:      kind,
				Amount:    amount,
				RefID:     opts.RefID,
				IdemKey:   opts.IdemKey,
				CreatedAt: now,
			}
			doc.Transactions = append(doc.Transactions, tx)
			bal.Amount = newAmount
			bal.UpdatedAt = now
			doc.Idempotency[opts.IdemKey] = tx.ID
			if opts.Apply != nil {
				opts.Apply(doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return tx, replayed, nil
}

// releaseIdemKeys removes consumed idempotency entries so the same logical
// attempt may run again after its effects were fully compensated. The
// recorded transactions stay in the history; only the dedup tokens go. The
// caller must hold whatever key serializes use of those entries.
func (s *LedgerService) releaseIdemKeys(keys ...string) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		for _, k := range keys {
			delete(doc.Idempotency, k)
		}
		return nil
	})
}

// Transactions returns the most recent transactions for a user, newest
// first, up to limit.
func (s *LedgerService) Transactions(userID string, limit int) []*model.Transaction {
	var out []*model.Transaction
	s.store.View(func(doc *model.StateDocument) {
		for i := len(doc.Transactions) - 1; i >= 0 && len(out) < limit; i-- {
			if doc.Transactions[i].UserID == userID {
				cp := *doc.Transactions[i]
				out = append(out, &cp)
			}
		}
	})
	return out
}

// ensureUser lazily creates profile and balance entries for userID.
func ensureUser(doc *model.StateDocument, userID string) {
	now := time.Now().UTC()
	if _, ok := doc.Users[userID]; !ok {
		doc.Users[userID] = &model.UserProfile{
			ID:        userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if _, ok := doc.Balances[userID]; !ok {
		doc.Balances[userID] = &model.Balance{
			UserID:    userID,
			UpdatedAt: now,
		}
	}
}

// findTransaction locates a transaction by id, scanning from the tail since
// replays usually target recent entries.
func findTransaction(doc *model.StateDocument, txID string) *model.Transaction {
	for i := len(doc.Transactions) - 1; i >= 0; i-- {
		if doc.Transactions[i].ID == txID {
			cp := *doc.Transactions[i]
			return &cp
		}
	}
	return nil
}
