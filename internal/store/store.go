// Package store owns the authoritative in-memory state document and its
// on-disk JSON mirror. Reads go through View, all writes through Update, and
// every persist attempt is funneled through a single writer goroutine so disk
// writes never interleave.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"slack-game-bot/internal/config"
	"slack-game-bot/internal/model"
)

// Store is the durable state store. A persist failure leaves the in-memory
// document (already mutated) as the sole source of truth until the next
// successful persist or process restart; callers must not assume every
// Update is durably committed when it returns.
type Store struct {
	path         string
	defaultFlags map[string]bool
	defaultCap   int

	mu  sync.RWMutex
	doc *model.StateDocument
	seq uint64

	writes     chan persistRequest
	writerDone chan struct{}
	closeOnce  sync.Once
}

type persistRequest struct {
	// seq is assigned under mu in mutation order. Snapshots can reach the
	// writer out of that order once mu is released, so the writer uses seq
	// to drop any snapshot older than the last one written.
	seq  uint64
	data []byte
	done chan error
}

// Open creates the data directory if needed and starts the writer goroutine.
// It does not touch the state file; call Load before serving traffic.
// secretCoinCap overrides the model default when positive.
func Open(cfg *config.StorageConfig, defaultFlags map[string]bool, secretCoinCap int) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{
		path:         cfg.StatePath(),
		defaultFlags: defaultFlags,
		defaultCap:   secretCoinCap,
		doc:          model.NewStateDocument(defaultFlags, secretCoinCap),
		writes:       make(chan persistRequest),
		writerDone:   make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

// Load reads the on-disk document into memory. A missing or corrupt file is
// not an error: a fresh default document is installed and persisted instead,
// so load never fails the process over state-file content.
func (s *Store) Load() {
	raw, err := os.ReadFile(s.path)
	if err == nil {
		doc := &model.StateDocument{}
		if jsonErr := json.Unmarshal(raw, doc); jsonErr == nil {
			normalize(doc, s.defaultFlags, s.defaultCap)
			s.mu.Lock()
			s.doc = doc
			s.mu.Unlock()
			log.Info().Str("file", s.path).Msg("State loaded")
			return
		}
		log.Warn().Str("file", s.path).Msg("State file corrupt; creating new")
	} else {
		log.Warn().Str("file", s.path).Msg("No existing state; creating new")
	}

	s.mu.Lock()
	s.doc = model.NewStateDocument(s.defaultFlags, s.defaultCap)
	data, marshalErr := json.MarshalIndent(s.doc, "", "  ")
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if marshalErr != nil {
		log.Error().Err(marshalErr).Msg("Failed to serialize fresh state")
		return
	}
	s.persist(data, seq)
}

// View runs fn with read access to the live document. A View between an
// Update and its persist completing may observe state that is not yet
// durable; that staleness window is accepted.
func (s *Store) View(fn func(*model.StateDocument)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// Update applies fn to the in-memory document, then persists the resulting
// snapshot through the write queue, returning once that persist attempt
// completes or fails. Persist failures are logged, not returned; only an
// error from fn itself propagates, in which case nothing is persisted.
func (s *Store) Update(fn func(*model.StateDocument) error) error {
	s.mu.Lock()
	if err := fn(s.doc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.doc.UpdatedAt = time.Now().UTC()

	// Serialize while still holding the lock so the snapshot is consistent,
	// and take a sequence number so the writer can tell snapshots apart by
	// mutation order even when they are enqueued out of it.
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialize state")
		return nil
	}

	s.persist(data, seq)
	return nil
}

// Close drains pending persists and stops the writer. All Update callers
// must have returned before Close.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.writes)
		<-s.writerDone
	})
}

// persist enqueues one full-document snapshot and waits for its attempt.
func (s *Store) persist(data []byte, seq uint64) {
	req := persistRequest{seq: seq, data: data, done: make(chan error, 1)}
	s.writes <- req
	if err := <-req.done; err != nil {
		log.Error().Err(err).Str("file", s.path).Msg("State save failed")
	} else {
		log.Debug().Str("file", s.path).Msg("State saved")
	}
}

// writer serializes all disk writes. Each queued snapshot is the complete
// document as of its sequence number, and a higher-sequence snapshot
// contains every lower-sequence mutation, so any snapshot older than the
// last one written is dropped. The disk therefore always converges on the
// newest acknowledged state.
func (s *Store) writer() {
	defer close(s.writerDone)
	var written uint64
	for req := range s.writes {
		if req.seq <= written {
			req.done <- nil
			continue
		}
		err := atomicWriteFile(s.path, req.data)
		if err == nil {
			written = req.seq
		}
		req.done <- err
	}
}

// atomicWriteFile writes data to a uniquely named temp file in the target
// directory and renames it over path. If the rename fails with a
// cross-device, permission, or missing-path condition it falls back to a
// direct in-place write.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%d.%s.tmp", filepath.Base(path), os.Getpid(), ulid.Make().String()))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		if errors.Is(err, syscall.EXDEV) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			werr := os.WriteFile(path, data, 0o644)
			_ = os.Remove(tmp)
			if werr != nil {
				return fmt.Errorf("failed to write state file in place: %w", werr)
			}
			return nil
		}
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// normalize backfills containers a document written by an older schema may
// lack, so field defaults are established at load rather than patched lazily.
func normalize(doc *model.StateDocument, defaultFlags map[string]bool, secretCoinCap int) {
	if doc.Users == nil {
		doc.Users = make(map[string]*model.UserProfile)
	}
	if doc.Balances == nil {
		doc.Balances = make(map[string]*model.Balance)
	}
	if doc.Inventory == nil {
		doc.Inventory = make(map[string]map[string]int64)
	}
	if doc.Transactions == nil {
		doc.Transactions = []*model.Transaction{}
	}
	if doc.Games == nil {
		doc.Games = make(map[string]*model.ChallengeRecord)
	}
	if doc.Idempotency == nil {
		doc.Idempotency = make(map[string]string)
	}
	if doc.SecretCoins.GlobalCap == 0 {
		if secretCoinCap > 0 {
			doc.SecretCoins.GlobalCap = secretCoinCap
		} else {
			doc.SecretCoins.GlobalCap = model.DefaultSecretCoinCap
		}
	}
	if doc.SecretCoins.Awards == nil {
		doc.SecretCoins.Awards = []model.SecretCoinAward{}
	}
	if doc.FeatureFlags == nil {
		doc.FeatureFlags = make(map[string]bool, len(defaultFlags))
		for k, v := range defaultFlags {
			doc.FeatureFlags[k] = v
		}
	}
}
