package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

// MemoryStore implements EventStore in process memory.
// Used by the dev driver and tests.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[int64]*models.EventRecord
	nextID int64
	closed bool

	skipped  map[int64]time.Time
	loadErrs map[int64]error

	// FailDelete, when set, is consulted before each DeleteBatch; a non-nil
	// return aborts that batch without deleting anything.
	FailDelete func(ids []int64) error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[int64]*models.EventRecord),
		nextID:   1,
		skipped:  make(map[int64]time.Time),
		loadErrs: make(map[int64]error),
	}
}

func (s *MemoryStore) sorted(less func(a, b *models.EventRecord) bool, keep func(*models.EventRecord) bool) []*models.EventRecord {
	var out []*models.EventRecord
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (s *MemoryStore) ListUnexported(ctx context.Context, limit int) ([]models.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows := s.sorted(func(a, b *models.EventRecord) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}, func(r *models.EventRecord) bool {
		_, quarantined := s.skipped[r.ID]
		return r.RawExportedAt == nil && !quarantined
	})

	if limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]models.EventRecord, len(rows))
	for i, r := range rows {
		if err, ok := s.loadErrs[r.ID]; ok {
			out[i] = models.EventRecord{ID: r.ID, CreatedAt: r.CreatedAt, LoadErr: err}
			continue
		}
		out[i] = *r
		out[i].Payload = r.Payload.Clone()
	}
	return out, nil
}

func (s *MemoryStore) MarkExportSkipped(ctx context.Context, rows []models.SkippedRow, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	for _, sr := range rows {
		r, ok := s.rows[sr.ID]
		if !ok || r.RawExportedAt != nil {
			continue
		}
		if _, done := s.skipped[sr.ID]; done {
			continue
		}
		s.skipped[sr.ID] = at.UTC()
		n++
	}
	return n, nil
}

// SetLoadError makes ListUnexported report row id as undecodable with err,
// the way the SQL stores report a corrupt event_id or payload.
func (s *MemoryStore) SetLoadError(id int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErrs[id] = err
}

// Quarantined reports whether row id was marked export-skipped.
func (s *MemoryStore) Quarantined(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.skipped[id]
	return ok
}

func (s *MemoryStore) MarkExported(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	for _, id := range ids {
		if r, ok := s.rows[id]; ok && r.RawExportedAt == nil {
			t := at.UTC()
			r.RawExportedAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListDeletable(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows := s.sorted(func(a, b *models.EventRecord) bool {
		return a.RawExportedAt.Before(*b.RawExportedAt)
	}, func(r *models.EventRecord) bool {
		return r.RawExportedAt != nil && r.RawExportedAt.Before(cutoff)
	})
	if limit < len(rows) {
		rows = rows[:limit]
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MemoryStore) DeleteBatch(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.FailDelete != nil {
		if err := s.FailDelete(ids); err != nil {
			return 0, err
		}
	}

	var n int64
	for _, id := range ids {
		r, ok := s.rows[id]
		if !ok || r.RawExportedAt == nil || !r.RawExportedAt.Before(cutoff) {
			continue
		}
		delete(s.rows, id)
		delete(s.loadErrs, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context, cutoff time.Time) (models.RowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.RowStats{}, ErrClosed
	}

	var st models.RowStats
	for _, r := range s.rows {
		st.Total++
		if r.RawExportedAt == nil {
			if _, ok := s.skipped[r.ID]; ok {
				st.Quarantined++
			}
			continue
		}
		st.Exported++
		at := *r.RawExportedAt
		if st.LatestExport == nil || at.After(*st.LatestExport) {
			st.LatestExport = &at
		}
		if at.Before(cutoff) {
			st.Eligible++
			if st.LatestEligible == nil || at.After(*st.LatestEligible) {
				st.LatestEligible = &at
			}
		}
	}
	st.Pending = st.Total - st.Exported - st.Quarantined
	return st, nil
}

func (s *MemoryStore) Insert(ctx context.Context, events []models.EventRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ids := make([]int64, 0, len(events))
	for i := range events {
		e := prepareInsert(&events[i])
		e.ID = s.nextID
		e.Payload = e.Payload.Clone()
		s.nextID++
		s.rows[e.ID] = &e
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// Get returns a copy of the row with id, for assertions.
func (s *MemoryStore) Get(id int64) (models.EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return models.EventRecord{}, false
	}
	return *r, true
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
