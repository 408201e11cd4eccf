package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/common/messaging"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
	"github.com/Evothesis/server-infrastructure/internal/repository"
	"github.com/Evothesis/server-infrastructure/internal/retry"
)

var passTime = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

func (p *recordingPublisher) PublishMsg(_ context.Context, msg *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

type fixture struct {
	store     *repository.MemoryStore
	raw       *objectstore.MemoryStore
	publisher *recordingPublisher
	cleaner   *Cleaner
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:     repository.NewMemoryStore(),
		raw:       objectstore.NewMemoryStore("raw"),
		publisher: &recordingPublisher{},
	}
	f.raw.Now = func() time.Time { return passTime }

	policy := retry.Default()
	policy.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	opts := Options{
		Enabled:         true,
		Delay:           time.Hour,
		BatchSize:       100,
		DeleteBatchSize: 2,
		Verify:          true,
		StaleAfter:      24 * time.Hour,
		Retry:           policy,
		Publisher:       f.publisher,
		Logger:          logging.Discard(),
		Now:             func() time.Time { return passTime },
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(f.store, f.raw, opts)
	require.NoError(t, err)
	f.cleaner = c
	return f
}

// seed inserts rows and marks the ones with a non-nil export time.
func (f *fixture) seed(t *testing.T, exportedAt ...*time.Time) []int64 {
	t.Helper()
	ctx := context.Background()
	events := make([]models.EventRecord, len(exportedAt))
	for i := range events {
		created := passTime.Add(-72 * time.Hour).Add(time.Duration(i) * time.Second)
		events[i] = models.EventRecord{
			EventID:   uuid.New(),
			EventType: "pageview",
			TenantID:  "client-a",
			CreatedAt: created,
			Timestamp: created,
		}
	}
	ids, err := f.store.Insert(ctx, events)
	require.NoError(t, err)
	for i, at := range exportedAt {
		if at != nil {
			_, err := f.store.MarkExported(ctx, []int64{ids[i]}, *at)
			require.NoError(t, err)
		}
	}
	return ids
}

func (f *fixture) putExport(t *testing.T, at time.Time) {
	t.Helper()
	f.raw.Now = func() time.Time { return at }
	require.NoError(t, f.raw.Put(context.Background(), objectstore.RawKey(at, uuid.NewString()), []byte(`{}`), objectstore.PutOptions{}))
	f.raw.Now = func() time.Time { return passTime }
}

func ago(d time.Duration) *time.Time {
	t := passTime.Add(-d)
	return &t
}

func (f *fixture) exists(id int64) bool {
	_, ok := f.store.Get(id)
	return ok
}

func TestCleanup_Disabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Enabled = false })
	ids := f.seed(t, ago(48*time.Hour))
	f.putExport(t, passTime)

	result := f.cleaner.Cleanup(context.Background())
	assert.Equal(t, models.StatusDisabled, result.Status)
	assert.True(t, f.exists(ids[0]))
}

func TestCleanup_DeletesOnlyExportedRowsBeforeCutoff(t *testing.T) {
	f := newFixture(t)
	f.putExport(t, passTime.Add(-time.Hour))
	ids := f.seed(t,
		ago(48*time.Hour),
		nil,
		ago(30*time.Minute),
		ago(2*time.Hour),
		nil,
	)

	result := f.cleaner.Cleanup(context.Background())

	require.Equal(t, models.StatusSuccess, result.Status, result.Message)
	assert.Equal(t, 2, result.EventsAttempted)
	assert.Equal(t, 2, result.EventsDeleted)
	assert.Equal(t, passTime.Add(-time.Hour), result.Cutoff)
	assert.Empty(t, result.Warnings)

	assert.False(t, f.exists(ids[0]))
	assert.True(t, f.exists(ids[1]), "never exported")
	assert.True(t, f.exists(ids[2]), "exported after cutoff")
	assert.False(t, f.exists(ids[3]))
	assert.True(t, f.exists(ids[4]), "never exported")

	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, messaging.SubjectCleanupCompleted, f.publisher.msgs[0].Subject)
}

func TestCleanup_NeverDeletesUnexportedRows(t *testing.T) {
	delays := []time.Duration{0, time.Nanosecond, time.Hour, 24 * 365 * time.Hour}
	for _, delay := range delays {
		t.Run(delay.String(), func(t *testing.T) {
			f := newFixture(t, func(o *Options) {
				o.Delay = delay
				o.Verify = false
			})
			ids := f.seed(t, nil, nil, nil)

			result := f.cleaner.Cleanup(context.Background())
			assert.Zero(t, result.EventsDeleted)
			for _, id := range ids {
				assert.True(t, f.exists(id))
			}
		})
	}

	// Even when asked directly, the store refuses.
	f := newFixture(t)
	ids := f.seed(t, nil)
	n, err := f.store.DeleteBatch(context.Background(), ids, passTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanup_EmptyBucketAbortsWithZeroDeletions(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, ago(1000*time.Hour), ago(500*time.Hour))

	result := f.cleaner.Cleanup(context.Background())

	assert.Equal(t, models.StatusSkipped, result.Status)
	assert.Zero(t, result.EventsDeleted)
	assert.Contains(t, result.Message, ErrNoEvidence.Error())
	for _, id := range ids {
		assert.True(t, f.exists(id))
	}
	assert.Empty(t, f.publisher.msgs)
}

func TestCleanup_IgnoresClaimAndTempObjectsAsEvidence(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, ago(48*time.Hour))
	key := objectstore.RawKey(passTime, "x")
	require.NoError(t, f.raw.Put(context.Background(), objectstore.ClaimKey(key), []byte(`{}`), objectstore.PutOptions{}))

	result := f.cleaner.Cleanup(context.Background())
	assert.Equal(t, models.StatusSkipped, result.Status)
	assert.True(t, f.exists(ids[0]))
}

func TestCleanup_StaleEvidenceWarnsButProceeds(t *testing.T) {
	f := newFixture(t)
	f.putExport(t, passTime.Add(-10*24*time.Hour))
	ids := f.seed(t, ago(48*time.Hour))

	result := f.cleaner.Cleanup(context.Background())

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.EventsDeleted)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "cleanup may be unsafe")
	assert.False(t, f.exists(ids[0]))
}

func TestCleanup_VerificationListFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.putExport(t, passTime)
	ids := f.seed(t, ago(48*time.Hour))

	listCalls := 0
	f.raw.Fail = func(op, _ string) error {
		if op == "list" {
			listCalls++
			return errors.New("AccessDenied")
		}
		return nil
	}

	result := f.cleaner.Cleanup(context.Background())
	assert.Equal(t, models.StatusSkipped, result.Status)
	assert.Contains(t, result.Message, "AccessDenied")
	assert.Equal(t, 3, listCalls, "listing retried up to the policy cap")
	assert.True(t, f.exists(ids[0]))
}

func TestCleanup_FailedSubBatchIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.putExport(t, passTime)
	ids := f.seed(t,
		ago(10*time.Hour),
		ago(9*time.Hour),
		ago(8*time.Hour),
		ago(7*time.Hour),
		ago(6*time.Hour),
	)

	// Sub-batches are [0,1] [2,3] [4]; the middle one always fails.
	f.store.FailDelete = func(batch []int64) error {
		if batch[0] == ids[2] {
			return errors.New("deadlock detected")
		}
		return nil
	}

	result := f.cleaner.Cleanup(context.Background())

	assert.Equal(t, models.StatusPartialSuccess, result.Status)
	assert.Equal(t, 5, result.EventsAttempted)
	assert.Equal(t, 3, result.EventsDeleted)
	assert.Equal(t, 1, result.FailedBatches)
	assert.False(t, f.exists(ids[0]))
	assert.False(t, f.exists(ids[1]))
	assert.True(t, f.exists(ids[2]))
	assert.True(t, f.exists(ids[3]))
	assert.False(t, f.exists(ids[4]))
}

func TestCleanup_TransientDeleteFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.putExport(t, passTime)
	ids := f.seed(t, ago(10*time.Hour))

	calls := 0
	f.store.FailDelete = func([]int64) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	result := f.cleaner.Cleanup(context.Background())
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.EventsDeleted)
	assert.False(t, f.exists(ids[0]))
}

func TestCleanup_BatchSizeLimitsSelection(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BatchSize = 3 })
	f.putExport(t, passTime)
	ids := f.seed(t, ago(5*time.Hour), ago(4*time.Hour), ago(3*time.Hour), ago(2*time.Hour))

	result := f.cleaner.Cleanup(context.Background())
	assert.Equal(t, 3, result.EventsDeleted)
	assert.True(t, f.exists(ids[3]), "newest export kept for the next pass")
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ago(3*time.Hour), ago(10*time.Minute), nil)

	status := f.cleaner.Status(context.Background())
	assert.True(t, status.Enabled)
	assert.Equal(t, 1.0, status.DelayHours)
	assert.Equal(t, int64(3), status.TotalEvents)
	assert.Equal(t, int64(2), status.RawExportedEvents)
	assert.Equal(t, int64(1), status.CleanupEligible)
	require.NotNil(t, status.LatestEligibleExport)
	assert.True(t, status.LatestEligibleExport.Equal(passTime.Add(-3*time.Hour)))
	assert.Equal(t, passTime.Add(-time.Hour), status.Cutoff)
}

func TestNew_Validation(t *testing.T) {
	store := repository.NewMemoryStore()

	_, err := New(nil, nil, Options{})
	assert.Error(t, err)
	_, err = New(store, nil, Options{Verify: true})
	assert.Error(t, err)
	_, err = New(store, nil, Options{Delay: -time.Hour})
	assert.Error(t, err)
	_, err = New(store, nil, Options{BatchSize: MaxBatchSize + 1})
	assert.Error(t, err)

	c, err := New(store, nil, Options{BatchSize: 10, DeleteBatchSize: 50})
	require.NoError(t, err)
	assert.Equal(t, 10, c.deleteBatchSize)
}
