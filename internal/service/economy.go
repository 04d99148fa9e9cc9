package service

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"slack-game-bot/internal/model"
	"slack-game-bot/internal/shop"
	"slack-game-bot/internal/store"
)

// Economy errors.
var (
	ErrItemNotFound = errors.New("item not found")
)

// EconomyService covers the operations the scheduling and presentation
// collaborators trigger outside of challenges: opt-in flags, streaks, daily
// grants, the weekly reset, secret coins, shop purchases, and leaderboard
// data.
type EconomyService struct {
	store      *store.Store
	ledger     *LedgerService
	dailyGrant int64
	secretOdds float64
}

// NewEconomyService creates a new EconomyService instance.
func NewEconomyService(st *store.Store, ledger *LedgerService, dailyGrant int64, secretOdds float64) *EconomyService {
	return &EconomyService{
		store:      st,
		ledger:     ledger,
		dailyGrant: dailyGrant,
		secretOdds: secretOdds,
	}
}

// SetPlay sets the user's PLAY opt-in flag, creating the user lazily.
func (s *EconomyService) SetPlay(userID string, on bool) error {
	return s.setFlags(userID, func(u *model.UserProfile) { u.Play = on })
}

// SetSee sets the user's SEE activity-feed flag, creating the user lazily.
func (s *EconomyService) SetSee(userID string, on bool) error {
	return s.setFlags(userID, func(u *model.UserProfile) { u.See = on })
}

// OptOut clears both flags. The profile and balance stay; opting back in
// restores the same account.
func (s *EconomyService) OptOut(userID string) error {
	return s.setFlags(userID, func(u *model.UserProfile) {
		u.Play = false
		u.See = false
	})
}

func (s *EconomyService) setFlags(userID string, apply func(*model.UserProfile)) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		ensureUser(doc, userID)
		u := doc.Users[userID]
		apply(u)
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ApplyWinStreak increments the user's current streak and raises the longest
// streak if passed. Unknown users are a no-op.
func (s *EconomyService) ApplyWinStreak(userID string) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		u, ok := doc.Users[userID]
		if !ok {
			return nil
		}
		u.Stats.CurrentStreak++
		if u.Stats.CurrentStreak > u.Stats.LongestStreak {
			u.Stats.LongestStreak = u.Stats.CurrentStreak
		}
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// ApplyLossStreak resets the user's current streak. Unknown users are a
// no-op.
func (s *EconomyService) ApplyLossStreak(userID string) error {
	return s.store.Update(func(doc *model.StateDocument) error {
		u, ok := doc.Users[userID]
		if !ok {
			return nil
		}
		u.Stats.CurrentStreak = 0
		u.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// DailyGrantAll grants the configured amount to every known user. The
// idempotency key is scoped to the day, so re-running the same day (a
// restarted scheduler, a duplicate trigger) grants nothing twice. Returns
// the number of users actually granted this call.
func (s *EconomyService) DailyGrantAll(day string) int {
	var userIDs []string
	s.store.View(func(doc *model.StateDocument) {
		for id := range doc.Users {
			userIDs = append(userIDs, id)
		}
	})
	sort.Strings(userIDs)

	granted := 0
	for _, uid := range userIDs {
		_, replayed, err := s.ledger.AddTransaction(uid, model.TxKindGrant, s.dailyGrant, TxOptions{
			RefID:   "daily:" + day,
			IdemKey: fmt.Sprintf("daily:%s:%s", day, uid),
		})
		if err != nil {
			log.Warn().Err(err).Str("user", uid).Str("day", day).Msg("Daily grant failed")
			continue
		}
		if !replayed {
			granted++
		}
	}
	return granted
}

// WeeklyReset zeroes every balance except for users holding a sigma item and
// increments the completed-week counter. Balances are reset in place rather
// than through per-user ledger entries, so the transaction history records
// gameplay, not housekeeping. Returns the number of balances zeroed.
func (s *EconomyService) WeeklyReset() (int, error) {
	reset := 0
	err := s.store.Update(func(doc *model.StateDocument) error {
		now := time.Now().UTC()
		for uid, bal := range doc.Balances {
			if doc.Inventory[uid][shop.ItemSigma] > 0 {
				continue
			}
			if bal.Amount != 0 {
				reset++
			}
			bal.Amount = 0
			bal.UpdatedAt = now
		}
		doc.WeeksCompleted++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// MaybeAwardSecretCoin rolls the configured odds for a secret coin. Awards
// stop once the global cap is reached and persist across weekly resets.
func (s *EconomyService) MaybeAwardSecretCoin(userID, reason string) (bool, error) {
	capped := false
	s.store.View(func(doc *model.StateDocument) {
		capped = len(doc.SecretCoins.Awards) >= doc.SecretCoins.GlobalCap
	})
	if capped {
		return false, nil
	}

	if rand.Float64() >= s.secretOdds {
		return false, nil
	}

	awarded := false
	err := s.store.Update(func(doc *model.StateDocument) error {
		// Re-check under the update lock; a concurrent award may have
		// consumed the last slot.
		if len(doc.SecretCoins.Awards) >= doc.SecretCoins.GlobalCap {
			return nil
		}
		doc.SecretCoins.Awards = append(doc.SecretCoins.Awards, model.SecretCoinAward{
			UserID: userID,
			At:     time.Now().UTC(),
			Reason: reason,
		})
		awarded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if awarded {
		log.Info().Str("user", userID).Str("reason", reason).Msg("Secret coin awarded")
	}
	return awarded, nil
}

// Purchase debits the item price through the ledger and adds the item to the
// user's inventory in the same atomic mutation, so no reader or reset can
// ever see the payment without the item. A replayed idempotency key means the
// purchase already went through, inventory included, so the item is not added
// twice.
func (s *EconomyService) Purchase(userID, itemID, idemKey string) error {
	item, ok := shop.GetItem(itemID)
	if !ok {
		return ErrItemNotFound
	}

	_, _, err := s.ledger.AddTransaction(userID, model.TxKindPurchase, -item.Price, TxOptions{
		RefID:   "shop:" + itemID,
		IdemKey: idemKey,
		Apply: func(doc *model.StateDocument) {
			if doc.Inventory[userID] == nil {
				doc.Inventory[userID] = make(map[string]int64)
			}
			doc.Inventory[userID][itemID]++
		},
	})
	return err
}

// ItemCount returns how many of an item the user holds.
func (s *EconomyService) ItemCount(userID, itemID string) int64 {
	var n int64
	s.store.View(func(doc *model.StateDocument) {
		n = doc.Inventory[userID][itemID]
	})
	return n
}

// TopBalances returns up to n balances sorted by amount descending, ties
// broken by user id, for leaderboard rendering.
func (s *EconomyService) TopBalances(n int) []model.Balance {
	var out []model.Balance
	s.store.View(func(doc *model.StateDocument) {
		for _, b := range doc.Balances {
			out = append(out, *b)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
