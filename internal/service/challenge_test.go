package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-game-bot/internal/model"
)

func createChallenge(t *testing.T, env *testEnv, challenger, opponent string, stake int64) *model.ChallengeRecord {
	t.Helper()

	rec, err := env.challenges.Create(CreateParams{
		Channel:      "C1",
		ChallengerID: challenger,
		Opponent:     model.Opponent{Kind: model.OpponentUser, ID: opponent},
		Game:         model.GameCoinFlip,
		Stake:        stake,
	})
	require.NoError(t, err)
	require.Equal(t, model.ChallengePending, rec.State)
	return rec
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.challenges.Create(CreateParams{
		ChallengerID: "A",
		Opponent:     model.Opponent{Kind: model.OpponentUser, ID: "B"},
		Game:         model.GameCoinFlip,
		Stake:        0,
	})
	assert.ErrorIs(t, err, ErrInvalidStake)

	_, err = env.challenges.Create(CreateParams{
		ChallengerID: "A",
		Opponent:     model.Opponent{Kind: model.OpponentUser, ID: "B"},
		Game:         model.ChallengeGame("chess"),
		Stake:        10,
	})
	assert.ErrorIs(t, err, ErrUnknownGame)

	_, err = env.challenges.Create(CreateParams{
		ChallengerID: "A",
		Opponent:     model.Opponent{Kind: model.OpponentUser},
		Game:         model.GameCoinFlip,
		Stake:        10,
	})
	assert.ErrorIs(t, err, ErrMissingOpponent)
}

func TestCreateEnsuresBothProfiles(t *testing.T) {
	env := newTestEnv(t)

	rec := createChallenge(t, env, "A", "B", 10)

	env.store.View(func(doc *model.StateDocument) {
		assert.Contains(t, doc.Users, "A")
		assert.Contains(t, doc.Users, "B")
		assert.Contains(t, doc.Games, rec.ID)
	})
}

// Accepting locks one stake from each party and moves the record to
// accepted.
func TestAcceptLocksBothStakes(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	require.NoError(t, env.challenges.Accept(rec.ID, "B"))

	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))

	got, ok := env.challenges.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, model.ChallengeAccepted, got.State)
	assert.Equal(t, 2, env.txCount(t))
}

func TestAcceptOnlyByOpponent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	assert.ErrorIs(t, env.challenges.Accept(rec.ID, "A"), ErrNotOpponent)
	assert.ErrorIs(t, env.challenges.Accept(rec.ID, "C"), ErrNotOpponent)

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengePending, got.State)
	assert.Equal(t, 0, env.txCount(t))
}

func TestAcceptUnknownChallenge(t *testing.T) {
	env := newTestEnv(t)

	assert.ErrorIs(t, env.challenges.Accept("nope", "B"), ErrChallengeNotFound)
}

// A second accept on a non-pending record must fail with a state conflict
// and must not move any further funds.
func TestAcceptTwiceIsStateConflict(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))

	err := env.challenges.Accept(rec.ID, "B")
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, rec.ID, conflict.ID)
	assert.Equal(t, model.ChallengeAccepted, conflict.State)

	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))
	assert.Equal(t, 2, env.txCount(t))
}

// Two simultaneous accepts of the same challenge race on the challenge key.
// Exactly one wins; the other observes the accepted state. Each party loses
// exactly one stake.
func TestConcurrentAcceptsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			defer wg.Done()
			errs[n] = env.challenges.Accept(rec.ID, "B")
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		var conflict *StateConflictError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))
	assert.Equal(t, 2, env.txCount(t))
}

// When the opponent cannot cover the stake, the challenger's already-locked
// stake is credited back and the record stays pending.
func TestAcceptRollsBackOnOpponentShortfall(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 3)

	rec := createChallenge(t, env, "A", "B", 10)

	err := env.challenges.Accept(rec.ID, "B")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(100), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(3), env.ledger.GetBalance("B"))

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengePending, got.State)
}

// A failed accept fully unwinds, so a retry once the opponent can cover the
// stake must escrow one stake from each party, not just the opponent's.
func TestAcceptRetryAfterShortfallLocksBothStakes(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 3)

	rec := createChallenge(t, env, "A", "B", 10)

	err := env.challenges.Accept(rec.ID, "B")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, int64(100), env.ledger.GetBalance("A"))

	env.seed(t, "B", 100)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))

	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengeAccepted, got.State)

	// Resolving afterwards pays out exactly the pot: no coins are minted by
	// the earlier failed attempt.
	require.NoError(t, env.challenges.Resolve(rec.ID, "B", ""))
	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(110), env.ledger.GetBalance("B"))
}

func TestDeclineLeavesBalancesUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	require.NoError(t, env.challenges.Decline(rec.ID, "B"))

	assert.Equal(t, int64(100), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(100), env.ledger.GetBalance("B"))
	assert.Equal(t, 0, env.txCount(t))

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengeDeclined, got.State)

	// Declining again is a no-op.
	require.NoError(t, env.challenges.Decline(rec.ID, "B"))
	got, _ = env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengeDeclined, got.State)
}

func TestDeclineOnlyByOpponent(t *testing.T) {
	env := newTestEnv(t)
	rec := createChallenge(t, env, "A", "B", 10)

	assert.ErrorIs(t, env.challenges.Decline(rec.ID, "A"), ErrNotOpponent)
}

func TestResolvePaysWinnerThePot(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))
	require.NoError(t, env.challenges.Resolve(rec.ID, "A", "heads"))

	assert.Equal(t, int64(110), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))

	got, ok := env.challenges.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, model.ChallengeResolved, got.State)
	assert.Equal(t, "A", got.WinnerID)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, model.GameCoinFlip, got.Outcome.Game)
	assert.Equal(t, "heads", got.Outcome.Detail)
	require.NotNil(t, got.ResolvedAt)
}

func TestResolveRequiresAcceptedState(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	err := env.challenges.Resolve(rec.ID, "A", "heads")
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.ChallengePending, conflict.State)
}

func TestResolveRejectsOutsider(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))

	assert.ErrorIs(t, env.challenges.Resolve(rec.ID, "C", "heads"), ErrNotParticipant)
	assert.Equal(t, int64(90), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(90), env.ledger.GetBalance("B"))
}

// Refund restores both stakes; repeating it does not double-pay.
func TestRefundStakesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))

	require.NoError(t, env.challenges.RefundStakes(rec.ID))
	assert.Equal(t, int64(100), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(100), env.ledger.GetBalance("B"))

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengeRefunded, got.State)

	require.NoError(t, env.challenges.RefundStakes(rec.ID))
	assert.Equal(t, int64(100), env.ledger.GetBalance("A"))
	assert.Equal(t, int64(100), env.ledger.GetBalance("B"))
	assert.Equal(t, 4, env.txCount(t))
}

func TestRefundStakesIgnoresPending(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	rec := createChallenge(t, env, "A", "B", 10)

	require.NoError(t, env.challenges.RefundStakes(rec.ID))
	assert.Equal(t, 0, env.txCount(t))

	got, _ := env.challenges.Get(rec.ID)
	assert.Equal(t, model.ChallengePending, got.State)
}

func TestSetRootMessage(t *testing.T) {
	env := newTestEnv(t)
	rec := createChallenge(t, env, "A", "B", 10)

	require.NoError(t, env.challenges.SetRootMessage(rec.ID, "C2", "1234.5678"))

	got, ok := env.challenges.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "C2", got.Channel)
	assert.Equal(t, "1234.5678", got.RootTS)

	assert.ErrorIs(t, env.challenges.SetRootMessage("nope", "C2", "1"), ErrChallengeNotFound)
}

// The full lifecycle conserves coins: the pot always comes back out, either
// to the winner or as refunds.
func TestLifecycleConservesTotalCoins(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "A", 100)
	env.seed(t, "B", 100)

	total := func() int64 {
		return env.ledger.GetBalance("A") + env.ledger.GetBalance("B")
	}

	rec := createChallenge(t, env, "A", "B", 25)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))
	assert.Equal(t, int64(150), total())

	require.NoError(t, env.challenges.Resolve(rec.ID, "B", ""))
	assert.Equal(t, int64(200), total())

	rec = createChallenge(t, env, "A", "B", 25)
	require.NoError(t, env.challenges.Accept(rec.ID, "B"))
	require.NoError(t, env.challenges.RefundStakes(rec.ID))
	assert.Equal(t, int64(200), total())
}
