package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"slack-game-bot/internal/model"
	"slack-game-bot/internal/pkg/lock"
	"slack-game-bot/internal/store"
)

// Challenge errors.
var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrNotOpponent       = errors.New("only the challenged user can act on this challenge")
	ErrNotParticipant    = errors.New("winner is not part of this challenge")
	ErrInvalidStake      = errors.New("stake must be a positive number")
	ErrUnknownGame       = errors.New("unknown game")
	ErrMissingOpponent   = errors.New("a user opponent requires a user id")
)

// StateConflictError reports an operation attempted against a challenge not
// in the expected state. It carries the current state so the caller can
// render an accurate message.
type StateConflictError struct {
	ID    string
	State model.ChallengeState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("challenge %s is already %s", e.ID, e.State)
}

// CreateParams holds the inputs for a new challenge.
type CreateParams struct {
	Channel      string
	ChallengerID string
	Opponent     model.Opponent
	Game         model.ChallengeGame
	Stake        int64
}

// ChallengeService drives the stake-escrow state machine:
// pending → accepted → resolved, pending → declined, accepted → refunded.
// Funds move only when a record leaves pending via accepted.
type ChallengeService struct {
	store  *store.Store
	ledger *LedgerService
	locks  *lock.KeyLock
}

// NewChallengeService creates a new ChallengeService instance.
func NewChallengeService(st *store.Store, ledger *LedgerService, locks *lock.KeyLock) *ChallengeService {
	return &ChallengeService{
		store:  st,
		ledger: ledger,
		locks:  locks,
	}
}

// Create validates the stake and game, stores a pending record, and persists.
// No funds move yet.
func (s *ChallengeService) Create(params CreateParams) (*model.ChallengeRecord, error) {
	if params.Stake <= 0 {
		return nil, ErrInvalidStake
	}
	if !model.KnownGame(params.Game) {
		return nil, ErrUnknownGame
	}
	if params.Opponent.Kind == model.OpponentUser && params.Opponent.ID == "" {
		return nil, ErrMissingOpponent
	}

	rec := &model.ChallengeRecord{
		ID:           ulid.Make().String(),
		Channel:      params.Channel,
		ChallengerID: params.ChallengerID,
		Opponent:     params.Opponent,
		Game:         params.Game,
		Stake:        params.Stake,
		State:        model.ChallengePending,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.store.Update(func(doc *model.StateDocument) error {
		ensureUser(doc, params.ChallengerID)
		if params.Opponent.Kind == model.OpponentUser {
			ensureUser(doc, params.Opponent.ID)
		}
		doc.Games[rec.ID] = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := *rec
	return &out, nil
}

// SetRootMessage attaches the anchor message reference once the announcement
// is posted. Pure metadata, no financial effect.
func (s *ChallengeService) SetRootMessage(id, channel, ts string) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		rec, ok := doc.Games[id]
		if !ok {
			return ErrChallengeNotFound
		}
		rec.Channel = channel
		rec.RootTS = ts
		return nil
	})
}

// Get returns a copy of the challenge record.
func (s *ChallengeService) Get(id string) (model.ChallengeRecord, bool) {
	var (
		out model.ChallengeRecord
		ok  bool
	)
	s.store.View(func(doc *model.StateDocument) {
		rec, found := doc.Games[id]
		if !found {
			return
		}
		out = *rec
		if rec.Outcome != nil {
			o := *rec.Outcome
			out.Outcome = &o
		}
		ok = true
	})
	return out, ok
}

// Accept locks the stake from both parties and transitions the record to
// accepted. The debits use idempotency keys derived from the challenge and
// party ids, so a retried accept is a no-op. If the opponent's debit fails,
// the challenger's already-applied debit is rolled back with a compensating
// credit.
func (s *ChallengeService) Accept(id, userID string) error {
	return s.locks.WithLock(id, func() error {
		rec, ok := s.Get(id)
		if !ok {
			return ErrChallengeNotFound
		}
		if rec.State != model.ChallengePending {
			return &StateConflictError{ID: id, State: rec.State}
		}
		if rec.Opponent.Kind != model.OpponentUser || rec.Opponent.ID != userID {
			return ErrNotOpponent
		}

		ref := challengeRef(id)
		challengerKey := fmt.Sprintf("challenge:%s:lock:%s", id, rec.ChallengerID)
		rollbackKey := challengerKey + ":rollback"

		if _, _, err := s.ledger.AddTransaction(rec.ChallengerID, model.TxKindLock, -rec.Stake, TxOptions{
			RefID:   ref,
			IdemKey: challengerKey,
		}); err != nil {
			return fmt.Errorf("challenger stake: %w", err)
		}

		if _, _, err := s.ledger.AddTransaction(userID, model.TxKindLock, -rec.Stake, TxOptions{
			RefID:   ref,
			IdemKey: fmt.Sprintf("challenge:%s:lock:%s", id, userID),
		}); err != nil {
			if _, _, rbErr := s.ledger.AddTransaction(rec.ChallengerID, model.TxKindRefund, rec.Stake, TxOptions{
				RefID:   ref,
				IdemKey: rollbackKey,
			}); rbErr != nil {
				log.Error().Err(rbErr).Str("challenge", id).Msg("Failed to roll back challenger stake")
			} else if relErr := s.ledger.releaseIdemKeys(challengerKey, rollbackKey); relErr != nil {
				// The attempt is fully unwound; without releasing the
				// consumed keys a retried accept would replay the
				// challenger's debit as a no-op and escrow only one stake.
				log.Error().Err(relErr).Str("challenge", id).Msg("Failed to release stake lock keys")
			}
			return fmt.Errorf("opponent stake: %w", err)
		}

		return s.transition(id, model.ChallengeAccepted, nil)
	})
}

// Decline transitions a pending record to declined. No funds were ever
// moved, so there is nothing to refund; calling it again once the record is
// no longer pending is a safe no-op.
func (s *ChallengeService) Decline(id, userID string) error {
	return s.locks.WithLock(id, func() error {
		rec, ok := s.Get(id)
		if !ok {
			return ErrChallengeNotFound
		}
		if rec.State != model.ChallengePending {
			return nil
		}
		if rec.Opponent.Kind != model.OpponentUser || rec.Opponent.ID != userID {
			return ErrNotOpponent
		}
		return s.transition(id, model.ChallengeDeclined, nil)
	})
}

// RefundStakes is the idempotent compensator. If stakes are locked it
// credits them back to both parties and transitions to refunded; in any
// other state it does nothing. The refund idempotency keys make repeated
// calls safe.
func (s *ChallengeService) RefundStakes(id string) error {
	return s.locks.WithLock(id, func() error {
		rec, ok := s.Get(id)
		if !ok {
			return ErrChallengeNotFound
		}
		if rec.State != model.ChallengeAccepted {
			return nil
		}

		ref := challengeRef(id)
		parties := []string{rec.ChallengerID}
		if rec.Opponent.Kind == model.OpponentUser {
			parties = append(parties, rec.Opponent.ID)
		}
		for _, party := range parties {
			if _, _, err := s.ledger.AddTransaction(party, model.TxKindRefund, rec.Stake, TxOptions{
				RefID:   ref,
				IdemKey: fmt.Sprintf("challenge:%s:refund:%s", id, party),
			}); err != nil {
				return fmt.Errorf("refund to %s: %w", party, err)
			}
		}

		return s.transition(id, model.ChallengeRefunded, nil)
	})
}

// Resolve credits the winner the full pot (2 × stake) and marks the record
// resolved. The payout idempotency key is scoped to the challenge and
// winner, so a retried resolution pays at most once. On failure the caller
// must invoke RefundStakes so both parties net zero.
func (s *ChallengeService) Resolve(id, winnerID, detail string) error {
	return s.locks.WithLock(id, func() error {
		rec, ok := s.Get(id)
		if !ok {
			return ErrChallengeNotFound
		}
		if rec.State != model.ChallengeAccepted {
			return &StateConflictError{ID: id, State: rec.State}
		}
		if !rec.Participant(winnerID) {
			return ErrNotParticipant
		}

		if _, _, err := s.ledger.AddTransaction(winnerID, model.TxKindWin, 2*rec.Stake, TxOptions{
			RefID:   challengeRef(id),
			IdemKey: fmt.Sprintf("challenge:%s:payout:%s", id, winnerID),
		}); err != nil {
			return fmt.Errorf("payout: %w", err)
		}

		outcome := &model.ChallengeOutcome{Game: rec.Game, Detail: detail}
		return s.transition(id, model.ChallengeResolved, func(r *model.ChallengeRecord) {
			now := time.Now().UTC()
			r.WinnerID = winnerID
			r.Outcome = outcome
			r.ResolvedAt = &now
		})
	})
}

// transition moves the record to state and applies extra mutations, under
// the store's update lock. Callers hold the challenge key.
func (s *ChallengeService) transition(id string, state model.ChallengeState, extra func(*model.ChallengeRecord)) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		rec, ok := doc.Games[id]
		if !ok {
			return ErrChallengeNotFound
		}
		rec.State = state
		if extra != nil {
			extra(rec)
		}
		return nil
	})
}

func challengeRef(id string) string {
	return "challenge:" + id
}
