package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"slack-game-bot/internal/config"
	"slack-game-bot/internal/model"
	"slack-game-bot/internal/pkg/lock"
	"slack-game-bot/internal/store"
)

// testEnv wires a real store over a temp directory with the full service
// stack, the way main does.
type testEnv struct {
	store      *store.Store
	locks      *lock.KeyLock
	ledger     *LedgerService
	challenges *ChallengeService
}

func newTestEnv(t testing.TB) *testEnv {
	t.Helper()

	st, err := store.Open(&config.StorageConfig{Dir: t.TempDir(), File: "state.json"}, nil, 0)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	st.Load()

	locks := lock.NewKeyLock()
	ledger := NewLedgerService(st, locks, 5)
	return &testEnv{
		store:      st,
		locks:      locks,
		ledger:     ledger,
		challenges: NewChallengeService(st, ledger, locks),
	}
}

// seed grants the user an opted-in profile and a starting balance.
func (e *testEnv) seed(t testing.TB, userID string, balance int64) {
	t.Helper()

	err := e.store.Update(func(doc *model.StateDocument) error {
		ensureUser(doc, userID)
		doc.Users[userID].Play = true
		doc.Balances[userID].Amount = balance
		return nil
	})
	require.NoError(t, err)
}

func (e *testEnv) txCount(t testing.TB) int {
	t.Helper()

	n := 0
	e.store.View(func(doc *model.StateDocument) {
		n = len(doc.Transactions)
	})
	return n
}
