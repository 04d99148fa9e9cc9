// Package model defines the persisted data model for the Slack game bot.
package model

import "time"

// SchemaVersion is the current StateDocument schema tag.
const SchemaVersion = 1

// DefaultSecretCoinCap bounds the number of secret coins that can ever be
// awarded in one workspace.
const DefaultSecretCoinCap = 3

// StateDocument is the root aggregate: one instance, whole-process lifetime,
// serialized in full to disk after every mutation.
type StateDocument struct {
	Version        int                         `json:"version"`
	Users          map[string]*UserProfile     `json:"users"`
	Balances       map[string]*Balance         `json:"balances"`
	Inventory      map[string]map[string]int64 `json:"inventory"`
	Transactions   []*Transaction              `json:"transactions"`
	Games          map[string]*ChallengeRecord `json:"games"`
	SecretCoins    SecretCoins                 `json:"secretCoins"`
	Idempotency    map[string]string           `json:"idempotency"`
	FeatureFlags   map[string]bool             `json:"featureFlags"`
	WeeksCompleted int                         `json:"weeksCompleted"`
	CreatedAt      time.Time                   `json:"createdAt"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
}

// NewStateDocument builds a fresh default document. A non-positive
// secretCoinCap falls back to DefaultSecretCoinCap.
func NewStateDocument(flags map[string]bool, secretCoinCap int) *StateDocument {
	now := time.Now().UTC()
	f := make(map[string]bool, len(flags))
	for k, v := range flags {
		f[k] = v
	}
	if secretCoinCap <= 0 {
		secretCoinCap = DefaultSecretCoinCap
	}
	return &StateDocument{
		Version:      SchemaVersion,
		Users:        make(map[string]*UserProfile),
		Balances:     make(map[string]*Balance),
		Inventory:    make(map[string]map[string]int64),
		Transactions: []*Transaction{},
		Games:        make(map[string]*ChallengeRecord),
		SecretCoins:  SecretCoins{GlobalCap: secretCoinCap, Awards: []SecretCoinAward{}},
		Idempotency:  make(map[string]string),
		FeatureFlags: f,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// UserProfile holds per-user opt-in flags and streak stats. Profiles are
// created lazily on first interaction and never deleted.
type UserProfile struct {
	ID        string      `json:"id"`
	Play      bool        `json:"play"`
	See       bool        `json:"see"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Stats     StreakStats `json:"stats"`
}

// StreakStats tracks consecutive wins.
type StreakStats struct {
	CurrentStreak int `json:"currentStreak"`
	LongestStreak int `json:"longestStreak"`
}

// Balance is a user's spendable coin balance. Amount is never persisted
// negative; the ledger rejects any debit that would drive it below zero.
type Balance struct {
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is one entry in the append-only ledger.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      TxKind    `json:"kind"`
	Amount    int64     `json:"amount"`
	RefID     string    `json:"refId,omitempty"`
	IdemKey   string    `json:"idemKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// TxKind categorizes a balance change.
type TxKind string

// Transaction kinds.
const (
	TxKindGrant    TxKind = "grant"    // Daily grant
	TxKindBet      TxKind = "bet"      // Solo wager debit
	TxKindWin      TxKind = "win"      // Winnings (solo flip or challenge pot)
	TxKindPurchase TxKind = "purchase" // Shop purchase
	TxKindRefund   TxKind = "refund"   // Compensating credit
	TxKindLock     TxKind = "lock"     // Challenge stake escrow debit
)

// SecretCoins is the capped rare-award counter. Awards persist across weekly
// resets.
type SecretCoins struct {
	GlobalCap int               `json:"globalCap"`
	Awards    []SecretCoinAward `json:"awards"`
}

// SecretCoinAward records a single secret-coin find.
type SecretCoinAward struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// ChallengeState is a node in the challenge state machine.
type ChallengeState string

// Challenge states. Valid transitions: pending → accepted | declined,
// accepted → resolved | refunded. Terminal states are never revisited.
const (
	ChallengePending  ChallengeState = "pending"
	ChallengeAccepted ChallengeState = "accepted"
	ChallengeDeclined ChallengeState = "declined"
	ChallengeResolved ChallengeState = "resolved"
	ChallengeRefunded ChallengeState = "refunded"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ChallengeState) Terminal() bool {
	return s == ChallengeDeclined || s == ChallengeResolved || s == ChallengeRefunded
}

// ChallengeGame identifies the game a challenge is played as.
type ChallengeGame string

// Supported challenge games.
const (
	GameCoinFlip     ChallengeGame = "coin_flip"
	GameOldMaid      ChallengeGame = "old_maid"
	GamePoker        ChallengeGame = "poker"
	GameTypingBattle ChallengeGame = "typing_battle"
)

// KnownGame reports whether g is a supported challenge game.
func KnownGame(g ChallengeGame) bool {
	switch g {
	case GameCoinFlip, GameOldMaid, GamePoker, GameTypingBattle:
		return true
	}
	return false
}

// OpponentKind distinguishes a house-dealer opponent from a real user.
type OpponentKind string

// Opponent kinds.
const (
	OpponentDealer OpponentKind = "dealer"
	OpponentUser   OpponentKind = "user"
)

// Opponent designates the challenged party.
type Opponent struct {
	Kind OpponentKind `json:"kind"`
	ID   string       `json:"id,omitempty"`
}

// ChallengeRecord models one head-to-head wagered game. Records are immutable
// once they reach a terminal state.
type ChallengeRecord struct {
	ID           string            `json:"id"`
	Channel      string            `json:"channel"`
	RootTS       string            `json:"rootTs,omitempty"`
	ChallengerID string            `json:"challengerId"`
	Opponent     Opponent          `json:"opponent"`
	Game         ChallengeGame     `json:"game"`
	Stake        int64             `json:"stake"`
	State        ChallengeState    `json:"state"`
	WinnerID     string            `json:"winnerId,omitempty"`
	Outcome      *ChallengeOutcome `json:"outcome,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	ResolvedAt   *time.Time        `json:"resolvedAt,omitempty"`
}

// ChallengeOutcome describes how a resolved challenge ended.
type ChallengeOutcome struct {
	Game   ChallengeGame `json:"game"`
	Detail string        `json:"detail,omitempty"`
}

// Participant reports whether userID is one of the two parties.
func (r *ChallengeRecord) Participant(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.ChallengerID || (r.Opponent.Kind == OpponentUser && r.Opponent.ID == userID)
}
