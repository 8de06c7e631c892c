// Package capture persists received messages in a bolt database through storm.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"

	"github.com/kstaniek/go-mscan/internal/metrics"
	"github.com/kstaniek/go-mscan/internal/mscan"
)

// Record is one stored message.
type Record struct {
	Seq       int       `storm:"id,increment" json:"seq"`
	At        time.Time `storm:"index" json:"at"`
	Len       uint8     `json:"len"`
	Data      []byte    `json:"data"`
	Timestamp uint16    `json:"timestamp"`
}

// Store wraps the storm database.
type Store struct {
	db *storm.DB
}

// Open opens (or creates) the capture database at path.
func Open(path string) (*Store, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture open %s: %w", path, err)
	}
	if err := db.Init(&Record{}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("capture init: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores fr received at at and returns the assigned sequence number.
func (s *Store) Record(at time.Time, fr mscan.RxFrame) (int, error) {
	r := Record{
		At:        at,
		Len:       fr.Len,
		Data:      append([]byte(nil), fr.Payload()...),
		Timestamp: fr.Timestamp,
	}
	if err := s.db.Save(&r); err != nil {
		metrics.IncError(metrics.ErrCapture)
		return 0, fmt.Errorf("capture save: %w", err)
	}
	return r.Seq, nil
}

// Recent returns up to n records, newest first.
func (s *Store) Recent(n int) ([]Record, error) {
	var out []Record
	err := s.db.All(&out, storm.Limit(n), storm.Reverse())
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

// Since returns records captured at or after t, oldest first.
func (s *Store) Since(t time.Time) ([]Record, error) {
	var out []Record
	err := s.db.Select(q.Gte("At", t)).OrderBy("Seq").Find(&out)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) { return s.db.Count(&Record{}) }
