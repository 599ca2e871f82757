// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Store holds the published ConfigurationTable. Readers take a snapshot with
// a single atomic load; writers stage a private copy inside a Transaction
// and publish it with a single atomic store.
type Store struct {
	current atomic.Pointer[ConfigurationTable]
	// updating is the open transaction flag, set by compare-and-swap
	updating atomic.Bool
	// epoch invalidates transactions abandoned by ForceClearUpdate
	epoch      atomic.Uint64
	generation atomic.Uint64
	// commitMu orders publication against ForceClearUpdate, readers never
	// take it
	commitMu sync.Mutex
	now      func() time.Time
}

func NewStore(initial *ConfigurationTable) (*Store, error) {
	s := &Store{now: time.Now}
	if initial == nil {
		initial = DefaultTable()
	}
	if err := Validate(initial); err != nil {
		return nil, err
	}
	tbl := initial.clone()
	tbl.Generation = s.generation.Add(1)
	if tbl.LoadedAt.IsZero() {
		tbl.LoadedAt = s.now()
	}
	s.current.Store(tbl)
	publishTableGeneration(tbl)
	return s, nil
}

// Snapshot returns the published table. The result must not be modified.
func (s *Store) Snapshot() *ConfigurationTable {
	return s.current.Load()
}

// Lookup returns the record matching the identity and the generation it was
// taken from.
func (s *Store) Lookup(id DriveIdentity) (*DriveConfigurationRecord, uint64, bool) {
	tbl := s.Snapshot()
	rec, ok := tbl.Match(id)
	return rec, tbl.Generation, ok
}

func (s *Store) Generation() uint64 {
	return s.Snapshot().Generation
}

func (s *Store) UpdateInProgress() bool {
	return s.updating.Load()
}

// BeginUpdate opens the single update transaction, staged from a copy of
// the published table.
func (s *Store) BeginUpdate() (*Transaction, error) {
	if !s.updating.CompareAndSwap(false, true) {
		return nil, ErrUpdateInProgress
	}
	staged := s.Snapshot().clone()
	return &Transaction{
		store:  s,
		epoch:  s.epoch.Load(),
		staged: staged,
	}, nil
}

// ForceClearUpdate abandons an open transaction. A later Commit or Abort on
// it returns ErrTransactionDone.
func (s *Store) ForceClearUpdate() bool {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.epoch.Add(1)
	cleared := s.updating.Swap(false)
	if cleared {
		log.Warn().Msg("dieh configuration update forcibly cleared")
	}
	return cleared
}

// SetCategoryException installs an operator override, or removes it when
// action is NoAction. Overrides survive table reloads.
func (s *Store) SetCategoryException(match ErrorMatcher, action ActionFlag) (uint64, error) {
	tx, err := s.BeginUpdate()
	if err != nil {
		return 0, err
	}
	tx.SetOverride(match, action)
	return tx.Commit()
}

// CategoryException returns the operator override for match.
func (s *Store) CategoryException(match ErrorMatcher) (ActionFlag, bool) {
	for _, e := range s.Snapshot().Overrides {
		if e.Match.Equal(match) {
			return e.Action, true
		}
	}
	return NoAction, false
}

// Transaction stages a replacement table. It is not safe for concurrent use.
type Transaction struct {
	store  *Store
	epoch  uint64
	staged *ConfigurationTable
	done   bool
}

// Reset drops the staged records and parameters. Overrides are kept.
func (t *Transaction) Reset() {
	t.staged.Records = nil
	t.staged.Parameters = DefaultParameters()
}

func (t *Transaction) SetSource(source string) {
	t.staged.Source = source
}

func (t *Transaction) SetParameters(p Parameters) {
	t.staged.Parameters = p
}

func (t *Transaction) Records() int {
	return len(t.staged.Records)
}

func (t *Transaction) Add(rec DriveConfigurationRecord) error {
	if t.done {
		return ErrTransactionDone
	}
	if len(t.staged.Records) >= MaxTableRecords {
		return fmt.Errorf("%w: limit %d records", ErrTableTooLarge, MaxTableRecords)
	}
	t.staged.Records = append(t.staged.Records, rec.clone())
	return nil
}

func (t *Transaction) Modify(index int, rec DriveConfigurationRecord) error {
	if t.done {
		return ErrTransactionDone
	}
	if index < 0 || index >= len(t.staged.Records) {
		return fmt.Errorf("%w: %d", ErrRecordIndex, index)
	}
	t.staged.Records[index] = rec.clone()
	return nil
}

func (t *Transaction) SetOverride(match ErrorMatcher, action ActionFlag) {
	kept := t.staged.Overrides[:0:0]
	for _, e := range t.staged.Overrides {
		if !e.Match.Equal(match) {
			kept = append(kept, e)
		}
	}
	if action != NoAction {
		kept = append([]CategoryException{{Match: match.clone(), Action: action}}, kept...)
	}
	t.staged.Overrides = kept
}

// Commit validates the staged table and publishes it. On error the
// published table is untouched and the transaction is closed.
func (t *Transaction) Commit() (uint64, error) {
	if t.done {
		return 0, ErrTransactionDone
	}
	t.done = true
	s := t.store

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.epoch.Load() != t.epoch {
		return 0, ErrTransactionDone
	}
	defer s.updating.Store(false)

	if err := Validate(t.staged); err != nil {
		return 0, err
	}
	t.staged.Generation = s.generation.Add(1)
	t.staged.LoadedAt = s.now()
	s.current.Store(t.staged)
	publishTableGeneration(t.staged)

	log.Info().
		Uint64("generation", t.staged.Generation).
		Int("records", len(t.staged.Records)).
		Int("overrides", len(t.staged.Overrides)).
		Str("source", t.staged.Source).
		Msg("dieh configuration published")
	return t.staged.Generation, nil
}

func (t *Transaction) Abort() error {
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	s := t.store
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.epoch.Load() != t.epoch {
		return ErrTransactionDone
	}
	s.updating.Store(false)
	return nil
}
