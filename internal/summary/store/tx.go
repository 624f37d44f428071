package store

import (
	"errors"
	"fmt"
	"maps"

	"groupsummary/internal/summary/jsonfile"
	logx "groupsummary/pkg/logx"
)

// Tx is a mutable view of both documents inside Transaction.
type Tx struct {
	s         *Store
	schedules map[string]Entry
	settings  map[string]GroupSetting
}

func (tx *Tx) Set(gid int64, e Entry) (Entry, error) {
	key := keyOf(gid)
	prev, existed := tx.schedules[key]
	e, err := tx.s.normalize(prev, existed, e)
	if err != nil {
		return Entry{}, err
	}
	tx.schedules[key] = e
	return e, nil
}

func (tx *Tx) Get(gid int64) (Entry, bool) {
	e, ok := tx.schedules[keyOf(gid)]
	return e, ok
}

func (tx *Tx) Remove(gid int64) { delete(tx.schedules, keyOf(gid)) }

func (tx *Tx) SetGroupSetting(gid int64, key, value string) error {
	return tx.s.applySetting(tx.settings, gid, key, value)
}

func (tx *Tx) RemoveGroupSetting(gid int64, key string) error {
	return tx.s.applySetting(tx.settings, gid, key, "")
}

// Transaction runs fn against copies of both documents and then saves them.
// If fn fails or either save fails, the mirror and both files keep their
// previous contents.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, schedules: maps.Clone(s.schedules), settings: maps.Clone(s.settings)}
	if tx.schedules == nil {
		tx.schedules = map[string]Entry{}
	}
	if tx.settings == nil {
		tx.settings = map[string]GroupSetting{}
	}
	if err := fn(tx); err != nil {
		return err
	}

	if err := jsonfile.Save(s.schedulePath, tx.schedules); err != nil {
		return fmt.Errorf("transaction: save schedules: %w", err)
	}
	if err := jsonfile.Save(s.settingsPath, tx.settings); err != nil {
		// Put the schedule document back so both files agree with the mirror.
		if rerr := jsonfile.Save(s.schedulePath, s.schedules); rerr != nil {
			s.log.Error("transaction rollback failed", logx.String("path", s.schedulePath), logx.Err(rerr))
			err = errors.Join(err, rerr)
		}
		return fmt.Errorf("transaction: save group settings: %w", err)
	}
	s.schedules = tx.schedules
	s.settings = tx.settings
	return nil
}
