package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
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

var passTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

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

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func noSleep() retry.Policy {
	p := retry.Default()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

type fixture struct {
	store     *repository.MemoryStore
	bucket    *objectstore.MemoryStore
	publisher *recordingPublisher
	exporter  *Exporter
}

func newFixture(t *testing.T, batchSize int, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:     repository.NewMemoryStore(),
		bucket:    objectstore.NewMemoryStore("raw-bucket"),
		publisher: &recordingPublisher{},
	}
	opts := Options{
		BatchSize: batchSize,
		Retry:     noSleep(),
		Publisher: f.publisher,
		Logger:    logging.Discard(),
		Now:       func() time.Time { return passTime },
	}
	for _, m := range mutate {
		m(&opts)
	}
	exp, err := New(f.store, f.bucket, opts)
	require.NoError(t, err)
	f.exporter = exp
	return f
}

func (f *fixture) seed(t *testing.T, n int) []int64 {
	t.Helper()
	events := make([]models.EventRecord, n)
	for i := range events {
		created := passTime.Add(-time.Hour + time.Duration(i)*time.Minute)
		events[i] = models.EventRecord{
			EventID:   uuid.New(),
			EventType: "pageview",
			TenantID:  "client-a",
			IPAddress: "198.51.100.4",
			CreatedAt: created,
			Timestamp: created,
			Payload:   models.Payload{"seq": float64(i)},
		}
	}
	ids, err := f.store.Insert(context.Background(), events)
	require.NoError(t, err)
	return ids
}

func (f *fixture) rawObjects(t *testing.T) []models.ExportEnvelope {
	t.Helper()
	var out []models.ExportEnvelope
	for _, key := range f.bucket.Keys() {
		body, _, err := f.bucket.Get(context.Background(), key)
		require.NoError(t, err)
		var env models.ExportEnvelope
		require.NoError(t, json.Unmarshal(body, &env))
		out = append(out, env)
	}
	return out
}

func TestExport_NoRows(t *testing.T) {
	f := newFixture(t, 10)

	result := f.exporter.Export(context.Background())

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Zero(t, result.EventsExported)
	assert.Empty(t, result.Key)
	assert.Empty(t, f.bucket.Keys())
	assert.Zero(t, f.publisher.count())
}

func TestExport_BatchesInCreationOrder(t *testing.T) {
	f := newFixture(t, 2)
	ids := f.seed(t, 5)

	var exported [][]int64
	for pass := 0; pass < 3; pass++ {
		result := f.exporter.Export(context.Background())
		require.Equal(t, models.StatusSuccess, result.Status, result.Error)

		body, _, err := f.bucket.Get(context.Background(), result.Key)
		require.NoError(t, err)
		var env models.ExportEnvelope
		require.NoError(t, json.Unmarshal(body, &env))

		var got []int64
		for _, ev := range env.Events {
			got = append(got, ev.ID)
		}
		exported = append(exported, got)
		assert.Equal(t, len(got), result.EventsExported)
	}

	assert.Equal(t, [][]int64{{ids[0], ids[1]}, {ids[2], ids[3]}, {ids[4]}}, exported)

	result := f.exporter.Export(context.Background())
	assert.Zero(t, result.EventsExported)
	assert.Len(t, f.bucket.Keys(), 3)
	assert.Equal(t, 3, f.publisher.count())
}

func TestExport_ObjectLayoutAndMarks(t *testing.T) {
	f := newFixture(t, 10)
	ids := f.seed(t, 3)

	result := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, result.Status)

	assert.True(t, strings.HasPrefix(result.Key, "raw-events/2025/03/14/"))
	assert.Equal(t, objectstore.RawKey(passTime, result.ExportID), result.Key)

	info, err := f.bucket.Head(context.Background(), result.Key)
	require.NoError(t, err)
	assert.Equal(t, result.ExportID, info.Metadata[objectstore.MetaExportID])
	assert.Equal(t, "3", info.Metadata[objectstore.MetaEventCount])
	assert.Equal(t, models.StageRaw, info.Metadata[objectstore.MetaPipelineStage])
	assert.Equal(t, objectstore.ContentTypeJSON, info.ContentType)
	assert.Equal(t, int64(result.SizeBytes), info.Size)

	envs := f.rawObjects(t)
	require.Len(t, envs, 1)
	meta := envs[0].Metadata
	assert.Equal(t, result.ExportID, meta.ID)
	assert.Equal(t, 3, meta.EventCount)
	require.NotNil(t, meta.TimeRange)
	assert.True(t, meta.TimeRange.Start.Before(meta.TimeRange.End))

	for _, id := range ids {
		row, ok := f.store.Get(id)
		require.True(t, ok)
		require.NotNil(t, row.RawExportedAt)
		assert.True(t, row.RawExportedAt.Equal(passTime))
	}

	require.Equal(t, 1, f.publisher.count())
	n, err := messaging.DecodeNotification(f.publisher.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, messaging.SubjectRawExported, f.publisher.msgs[0].Subject)
	assert.Equal(t, result.Key, n.ObjectKey)
	assert.Equal(t, 3, n.EventCount)
}

func TestExport_UploadFailureLeavesRowsUnmarked(t *testing.T) {
	f := newFixture(t, 10)
	ids := f.seed(t, 2)

	attempts := 0
	f.bucket.Fail = func(op, _ string) error {
		if op == "put" {
			attempts++
			return errors.New("connection reset")
		}
		return nil
	}

	result := f.exporter.Export(context.Background())

	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, "connection reset")
	assert.Equal(t, 3, attempts)
	assert.Empty(t, f.bucket.Keys())
	assert.Zero(t, f.publisher.count())
	for _, id := range ids {
		row, ok := f.store.Get(id)
		require.True(t, ok)
		assert.Nil(t, row.RawExportedAt)
	}
}

func TestExport_TransientUploadFailureRecovers(t *testing.T) {
	f := newFixture(t, 10)
	f.seed(t, 2)

	calls := 0
	f.bucket.Fail = func(op, _ string) error {
		if op == "put" {
			calls++
			if calls == 1 {
				return errors.New("503 slow down")
			}
		}
		return nil
	}

	result := f.exporter.Export(context.Background())
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.EventsExported)
	assert.Equal(t, 2, calls)
}

func TestExport_SkipsOversizedPayloads(t *testing.T) {
	f := newFixture(t, 10)
	ids := f.seed(t, 2)
	big, err := f.store.Insert(context.Background(), []models.EventRecord{{
		EventID:   uuid.New(),
		EventType: "blob",
		CreatedAt: passTime.Add(-2 * time.Hour),
		Timestamp: passTime.Add(-2 * time.Hour),
		Payload:   models.Payload{"blob": strings.Repeat("x", models.MaxEventPayloadBytes)},
	}})
	require.NoError(t, err)

	result := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, 2, result.EventsExported)
	assert.Equal(t, 1, result.EventsSkipped)

	row, ok := f.store.Get(big[0])
	require.True(t, ok)
	assert.Nil(t, row.RawExportedAt)
	assert.True(t, f.store.Quarantined(big[0]))
	for _, id := range ids {
		row, _ := f.store.Get(id)
		assert.NotNil(t, row.RawExportedAt)
	}
}

func (f *fixture) seedOversized(t *testing.T, n int) []int64 {
	t.Helper()
	events := make([]models.EventRecord, n)
	for i := range events {
		created := passTime.Add(-3*time.Hour + time.Duration(i)*time.Minute)
		events[i] = models.EventRecord{
			EventID:   uuid.New(),
			EventType: "blob",
			CreatedAt: created,
			Timestamp: created,
			Payload:   models.Payload{"blob": strings.Repeat("x", models.MaxEventPayloadBytes)},
		}
	}
	ids, err := f.store.Insert(context.Background(), events)
	require.NoError(t, err)
	return ids
}

func TestExport_UnexportableRowsDoNotBlockNewerRows(t *testing.T) {
	f := newFixture(t, 2)
	big := f.seedOversized(t, 2)
	valid := f.seed(t, 3)

	first := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, first.Status, first.Message)
	assert.Equal(t, 2, first.EventsSkipped)
	assert.Equal(t, 2, first.EventsExported)

	second := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, second.Status, second.Message)
	assert.Zero(t, second.EventsSkipped)
	assert.Equal(t, 1, second.EventsExported)

	third := f.exporter.Export(context.Background())
	assert.Equal(t, models.StatusSuccess, third.Status)
	assert.Zero(t, third.EventsExported)

	for _, id := range valid {
		row, _ := f.store.Get(id)
		assert.NotNil(t, row.RawExportedAt, "row %d", id)
	}
	for _, id := range big {
		row, _ := f.store.Get(id)
		assert.Nil(t, row.RawExportedAt, "quarantined rows are never marked exported")
		assert.True(t, f.store.Quarantined(id))
	}

	status := f.exporter.Status(context.Background())
	assert.Equal(t, int64(2), status.QuarantinedEvents)
	assert.Zero(t, status.PendingEvents)
}

func TestExport_WindowOfOnlyUnexportableRows(t *testing.T) {
	f := newFixture(t, 1)
	f.seedOversized(t, maxSelectRounds+1)
	valid := f.seed(t, 1)

	first := f.exporter.Export(context.Background())
	assert.Equal(t, models.StatusSkipped, first.Status)
	assert.Equal(t, maxSelectRounds, first.EventsSkipped)
	assert.Empty(t, f.bucket.Keys())

	second := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, second.Status, second.Message)
	assert.Equal(t, 1, second.EventsSkipped)
	assert.Equal(t, 1, second.EventsExported)

	row, _ := f.store.Get(valid[0])
	assert.NotNil(t, row.RawExportedAt)
}

func TestExport_UndecodableRowIsQuarantined(t *testing.T) {
	f := newFixture(t, 2)
	ids := f.seed(t, 3)
	f.store.SetLoadError(ids[0], errors.New("invalid event_id"))

	first := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, first.Status, first.Message)
	assert.Equal(t, 1, first.EventsSkipped)
	assert.Equal(t, 1, first.EventsExported)

	second := f.exporter.Export(context.Background())
	require.Equal(t, models.StatusSuccess, second.Status)
	assert.Equal(t, 1, second.EventsExported)

	assert.True(t, f.store.Quarantined(ids[0]))
	for _, id := range ids[1:] {
		row, _ := f.store.Get(id)
		assert.NotNil(t, row.RawExportedAt)
	}
}

func TestExport_ByteCapSplitsBatch(t *testing.T) {
	f := newFixture(t, 10, func(o *Options) { o.MaxBatchBytes = 1 })
	f.seed(t, 3)

	for pass := 0; pass < 3; pass++ {
		result := f.exporter.Export(context.Background())
		require.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, 1, result.EventsExported, "a single row always fits")
	}
	assert.Len(t, f.bucket.Keys(), 3)
}

func TestExport_ClosedStore(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.store.Close())

	result := f.exporter.Export(context.Background())
	assert.Equal(t, models.StatusError, result.Status)
	assert.Contains(t, result.Error, repository.ErrClosed.Error())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 2)
	f.seed(t, 3)
	f.exporter.Export(context.Background())

	status := f.exporter.Status(context.Background())
	assert.Equal(t, int64(3), status.TotalEvents)
	assert.Equal(t, int64(2), status.ExportedEvents)
	assert.Equal(t, int64(1), status.PendingEvents)
	assert.Equal(t, "raw-bucket", status.Bucket)
	assert.Equal(t, 2, status.BatchSize)
	require.NotNil(t, status.LatestExport)
	assert.True(t, status.LatestExport.Equal(passTime))
	assert.Empty(t, status.Error)
}

func TestNew_Validation(t *testing.T) {
	store := repository.NewMemoryStore()
	bucket := objectstore.NewMemoryStore("raw")

	_, err := New(nil, bucket, Options{BatchSize: 1})
	assert.Error(t, err)
	_, err = New(store, nil, Options{BatchSize: 1})
	assert.Error(t, err)
	_, err = New(store, bucket, Options{BatchSize: 0})
	assert.Error(t, err)
	_, err = New(store, bucket, Options{BatchSize: 1, Retry: retry.Policy{MaxAttempts: -1, Multiplier: 2}})
	assert.Error(t, err)
}
