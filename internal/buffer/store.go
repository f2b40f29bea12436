// Package buffer keeps a bounded in-memory history of telemetry
// records per user, newest readily available for replay.
package buffer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"vitalsense/relay/internal/telemetry"
)

// DefaultCapacity bounds how many records are retained per user.
// Older records are evicted first.
const DefaultCapacity = 1000

const cursorPrefix = "offset:"

// Store is a mutex-guarded per-user record history.
type Store struct {
	mu       sync.Mutex
	capacity int
	byUser   map[string][]telemetry.Record
}

// New returns a Store with the given per-user capacity. Zero or
// negative falls back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		byUser:   make(map[string][]telemetry.Record),
	}
}

// Append adds a single record to its user's history, evicting the
// oldest entry when the buffer is full.
func (s *Store) Append(r telemetry.Record) {
	s.AppendBatch(r.UserID, []telemetry.Record{r})
}

// AppendBatch adds records in order for one user. Eviction happens
// once after the whole batch is admitted.
func (s *Store) AppendBatch(userID string, records []telemetry.Record) {
	if userID == "" || len(records) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.byUser[userID], records...)
	if excess := len(buf) - s.capacity; excess > 0 {
		buf = append([]telemetry.Record(nil), buf[excess:]...)
	}
	s.byUser[userID] = buf
}

// Latest returns up to n of the user's most recent records, newest
// first by processing time.
func (s *Store) Latest(userID string, n int) []telemetry.Record {
	if n <= 0 {
		return nil
	}
	sorted := s.snapshotSorted(userID)
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Page returns one page of the user's history, newest first. The
// cursor is the opaque string from a previous page; empty or
// unparseable cursors start from the top. nextCursor is empty on the
// last page.
func (s *Store) Page(userID, cursor string, pageSize int) (records []telemetry.Record, nextCursor string) {
	if pageSize <= 0 {
		return nil, ""
	}
	sorted := s.snapshotSorted(userID)
	offset := parseCursor(cursor)
	if offset >= len(sorted) {
		return nil, ""
	}

	end := offset + pageSize
	if end >= len(sorted) {
		return sorted[offset:], ""
	}
	return sorted[offset:end], fmt.Sprintf("%s%d", cursorPrefix, end)
}

// Count reports how many records are held for the user.
func (s *Store) Count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUser[userID])
}

// snapshotSorted copies the user's buffer and orders it newest first,
// ties broken by record ID descending so pagination is stable.
func (s *Store) snapshotSorted(userID string) []telemetry.Record {
	s.mu.Lock()
	buf := s.byUser[userID]
	sorted := make([]telemetry.Record, len(buf))
	copy(sorted, buf)
	s.mu.Unlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ProcessedAt.Equal(sorted[j].ProcessedAt) {
			return sorted[i].ProcessedAt.After(sorted[j].ProcessedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted
}

func parseCursor(cursor string) int {
	if !strings.HasPrefix(cursor, cursorPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(cursor, cursorPrefix))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
