package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
)

// putFinishedRaw stores a raw object some earlier pass already processed.
func (f *fixture) putFinishedRaw(t *testing.T, exportID string) string {
	t.Helper()
	key := objectstore.RawKey(f.clock, exportID)
	require.NoError(t, f.raw.Put(context.Background(), key, []byte(`{"metadata":{},"events":[]}`), objectstore.PutOptions{
		ContentType: objectstore.ContentTypeJSON,
		Metadata: map[string]string{
			objectstore.MetaPipelineStage: models.StageProcessed,
			objectstore.MetaProcessedAt:   f.clock.Format(time.RFC3339),
		},
	}))
	return key
}

func (f *fixture) storedScanState(t *testing.T) scanState {
	t.Helper()
	body, _, err := f.raw.Get(context.Background(), objectstore.ComplianceScanKey)
	require.NoError(t, err)
	var state scanState
	require.NoError(t, json.Unmarshal(body, &state))
	return state
}

func failTenantPuts(tenant string) func(op, key string) error {
	return func(op, key string) error {
		if op == "put" && strings.Contains(key, "/"+tenant+"/") {
			return errors.New("bucket offline")
		}
		return nil
	}
}

func TestProcess_OldFailureReachableBehindNewerHistory(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ScanLimit = 2 })

	f.clock = passTime.AddDate(0, 0, -6)
	old := f.putRaw(t, "old", snapshot(1, "client-hipaa"))
	f.processed.Fail = failTenantPuts("client-hipaa")
	first := f.proc.Process(context.Background())
	require.Equal(t, 1, first.FilesFailed)

	// Newer history, some of it processed by this processor and some by others.
	f.processed.Fail = nil
	for i, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		f.clock = passTime.AddDate(0, 0, -5+i)
		if i%2 == 0 {
			f.putFinishedRaw(t, id)
			continue
		}
		f.putRaw(t, id, snapshot(int64(i), "client-gdpr"))
	}
	f.clock = passTime

	var state ObjectState
	for pass := 0; pass < 4 && state != StateProcessed; pass++ {
		f.proc.Process(context.Background())
		var err error
		state, err = f.proc.ObjectState(context.Background(), old)
		require.NoError(t, err)
	}
	assert.Equal(t, StateProcessed, state)
}

func TestProcess_ScanLimitRotatesThroughOneDay(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ScanLimit = 2 })
	for _, id := range []string{"a", "b", "d", "e", "f", "g"} {
		f.putFinishedRaw(t, id)
	}
	pending := f.putRaw(t, "c", snapshot(1, "client-gdpr"))

	first := f.proc.Process(context.Background())
	assert.Zero(t, first.FilesFound)
	assert.Equal(t, objectstore.RawKey(passTime, "b"), f.storedScanState(t).ResumeAfter)

	second := f.proc.Process(context.Background())
	assert.Equal(t, 1, second.FilesProcessed)
	state, err := f.proc.ObjectState(context.Background(), pending)
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, state)
}

func TestProcess_ScanPositionSkipsFinishedDays(t *testing.T) {
	f := newFixture(t)
	day := func(offset int) time.Time { return passTime.AddDate(0, 0, offset) }

	f.clock = day(-3)
	f.putRaw(t, "a", snapshot(1, "client-gdpr"))
	f.clock = day(-2)
	stuck := f.putRaw(t, "b", snapshot(2, "client-hipaa"))
	f.clock = day(0)
	f.putRaw(t, "c", snapshot(3, "client-gdpr"))

	f.processed.Fail = failTenantPuts("client-hipaa")
	first := f.proc.Process(context.Background())
	assert.Equal(t, 2, first.FilesProcessed)
	assert.Equal(t, "2025-05-17", f.storedScanState(t).Day, "objects found this pass keep their day open")

	f.proc.Process(context.Background())
	assert.Equal(t, "2025-05-18", f.storedScanState(t).Day, "a day with a failed object holds the position")

	f.processed.Fail = nil
	f.proc.Process(context.Background())
	state, err := f.proc.ObjectState(context.Background(), stuck)
	require.NoError(t, err)
	require.Equal(t, StateProcessed, state)

	f.proc.Process(context.Background())
	assert.Equal(t, "2025-05-20", f.storedScanState(t).Day, "the current day stays open")

	var mu sync.Mutex
	var listed []string
	f.raw.Fail = func(op, key string) error {
		if op == "list" {
			mu.Lock()
			listed = append(listed, key)
			mu.Unlock()
		}
		return nil
	}
	result := f.proc.Process(context.Background())
	assert.Zero(t, result.FilesFound)
	assert.Equal(t, []string{objectstore.DatePrefix(passTime)}, listed)
}

func TestProcess_CorruptScanStateRescans(t *testing.T) {
	f := newFixture(t)
	key := f.putRaw(t, "a", snapshot(1, "client-gdpr"))
	require.NoError(t, f.raw.Put(context.Background(), objectstore.ComplianceScanKey, []byte("{"), objectstore.PutOptions{}))

	result := f.proc.Process(context.Background())
	assert.Equal(t, 1, result.FilesProcessed)
	state, err := f.proc.ObjectState(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, state)
	assert.Equal(t, "2025-05-20", f.storedScanState(t).Day)
}

func TestPlanSegments(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 5, day, 0, 0, 0, 0, time.UTC) }
	resume := objectstore.RawKey(d(11), "k")

	tests := []struct {
		name   string
		resume string
		want   []segment
	}{
		{
			name:   "from start",
			resume: "",
			want:   []segment{{day: d(10)}, {day: d(11)}, {day: d(12)}},
		},
		{
			name:   "wraps after resume key",
			resume: resume,
			want: []segment{
				{day: d(11), after: resume},
				{day: d(12)},
				{day: d(10)},
				{day: d(11), until: resume},
			},
		},
		{
			name:   "resume before start ignored",
			resume: objectstore.RawKey(d(1), "k"),
			want:   []segment{{day: d(10)}, {day: d(11)}, {day: d(12)}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planSegments(d(10), d(12), tt.resume))
		})
	}
}
