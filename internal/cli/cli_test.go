package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Evothesis/server-infrastructure/internal/config"
	"github.com/Evothesis/server-infrastructure/internal/models"
	"github.com/Evothesis/server-infrastructure/internal/seeder"
)

const memoryConfig = `
database:
  driver: memory
object_store:
  driver: memory
raw:
  bucket: raw-events
processed:
  bucket: processed-events
tenant:
  url: ""
  auth_secret: super-secret
retry:
  max_attempts: 1
logging:
  level: error
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "export", "process", "cleanup", "status", "migrate", "seed", "config"}

	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestExportCommand_JSON(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "-o", "json", "export")
	require.NoError(t, err)

	var res models.ExportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Zero(t, res.EventsExported)
}

func TestProcessCommand_Text(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "process")
	require.NoError(t, err)
	assert.Contains(t, out, "process:")
	assert.Contains(t, out, "files found")
}

func TestCleanupCommand(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "-o", "json", "cleanup")
	require.NoError(t, err)
	var res models.CleanupResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, models.StatusSuccess, res.Status)

	out, err = run(t, "--config", cfg, "cleanup", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "0 rows eligible")
}

func TestStatusCommand(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "-o", "json", "status")
	require.NoError(t, err)

	var body struct {
		Export  models.ExportStatus  `json:"export"`
		Cleanup models.CleanupStatus `json:"cleanup"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "raw-events", body.Export.Bucket)
	assert.True(t, body.Cleanup.Enabled)
}

func TestSeedCommand(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "seed", "--count", "25", "--seed", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 25 events")
}

func TestMigrateCommand_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ev.db")
	cfg := writeConfig(t, memoryConfig+"\n")
	t.Setenv("EVENTVAULT_DATABASE_DRIVER", "sqlite")
	t.Setenv("EVENTVAULT_DATABASE_SQLITE_PATH", dbPath)

	out, err := run(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
	assert.FileExists(t, dbPath)
}

func TestMigrateCommand_Memory(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)
	out, err := run(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "no schema to migrate")
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)

	out, err := run(t, "--config", cfg, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "raw-events")
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "********")
}

func TestInvalidConfig(t *testing.T) {
	cfg := writeConfig(t, memoryConfig+"export:\n  batch_size: 0\n")
	_, err := run(t, "--config", cfg, "export")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestUnknownOutputFormat(t *testing.T) {
	cfg := writeConfig(t, memoryConfig)
	_, err := run(t, "--config", cfg, "-o", "xml", "status")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestBuildApp_MemoryWiring(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, memoryConfig))
	require.NoError(t, err)

	app, err := BuildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()

	assert.Equal(t, "raw-events", app.Raw.Bucket())
	assert.Equal(t, "processed-events", app.Processed.Bucket())
	assert.Nil(t, app.NATS)
	assert.Nil(t, app.Indexer)

	jobs := app.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, cfg.Export.Interval, jobs[0].Interval)
	assert.Equal(t, "cleanup", jobs[2].Stage)
}

func TestBuildApp_RedisUnreachable(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, memoryConfig))
	require.NoError(t, err)
	cfg.Tenant.CacheBackend = config.CacheRedis
	cfg.Tenant.RedisURL = "redis://127.0.0.1:1/0"

	_, err = BuildApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, memoryConfig+"cleanup:\n  delay_hours: 0\n"))
	require.NoError(t, err)

	app, err := BuildApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer app.Close()
	ctx := context.Background()

	n, err := seeder.Seed(ctx, app.Store, seeder.Options{Count: 30, Seed: 11, SensitiveRatio: 1})
	require.NoError(t, err)
	require.Equal(t, 30, n)

	exp := app.Exporter.Export(ctx)
	require.Equal(t, models.StatusSuccess, exp.Status, exp.Message)
	assert.Equal(t, 30, exp.EventsExported)

	proc := app.Processor.Process(ctx)
	require.Equal(t, models.StatusSuccess, proc.Status, proc.Message)
	assert.Equal(t, 1, proc.FilesProcessed)
	total := 0
	for _, o := range proc.Outputs {
		assert.Equal(t, string(models.PrivacyStandard), o.PrivacyLevel)
		total += o.EventCount
	}
	assert.Equal(t, 30, total)

	again := app.Processor.Process(ctx)
	assert.Zero(t, again.FilesFound, "processed objects are not picked up twice")

	clean := app.Cleaner.Cleanup(ctx)
	require.Equal(t, models.StatusSuccess, clean.Status, clean.Message)
	assert.Equal(t, 30, clean.EventsDeleted)

	st := app.Exporter.Status(ctx)
	assert.Zero(t, st.TotalEvents)
}
