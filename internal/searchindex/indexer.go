// Package searchindex mirrors published processed events into OpenSearch so
// they can be queried per tenant. The object store stays the system of
// record; the mirror is best effort.
package searchindex

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/metrics"
	"github.com/Evothesis/server-infrastructure/internal/models"
)

// Config holds OpenSearch connection and bulk indexing settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	FlushInterval time.Duration
	Workers       int
	Logger        *logging.Logger
}

// DefaultConfig returns settings suitable for a local single node cluster.
func DefaultConfig() Config {
	return Config{
		URL:           "https://localhost:9200",
		Username:      "admin",
		TLSSkipVerify: true,
		IndexPrefix:   "eventvault-processed",
		FlushInterval: 5 * time.Second,
		Workers:       2,
	}
}

// Indexer bulk-indexes processed documents into {prefix}-{tenant} indices.
type Indexer struct {
	client *opensearch.Client
	cfg    Config
	logger *logging.Logger

	templateOnce sync.Once
	templateErr  error
}

// New creates an Indexer. It does not contact the cluster; call Ping or
// EnsureTemplate for that.
func New(cfg Config) (*Indexer, error) {
	if cfg.URL == "" {
		return nil, errors.New("searchindex: url is required")
	}
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = DefaultConfig().IndexPrefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Indexer{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Service("searchindex")),
	}, nil
}

// Ping verifies the cluster is reachable.
func (i *Indexer) Ping(ctx context.Context) error {
	res, err := i.client.Info(i.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// IndexName returns the index holding a tenant's processed events.
// OpenSearch index names must be lowercase and avoid a handful of
// separator characters.
func (i *Indexer) IndexName(tenantID string) string {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	if tenantID == "" {
		tenantID = "unknown"
	}
	tenantID = strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', '*', '?', '"', '<', '>', '|', ' ', ',', '#', ':':
			return '-'
		}
		return r
	}, tenantID)
	return i.cfg.IndexPrefix + "-" + tenantID
}

// EnsureTemplate creates or updates the index template covering every
// tenant index.
func (i *Indexer) EnsureTemplate(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{i.cfg.IndexPrefix + "-*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": 0,
				"refresh_interval":   "5s",
			},
			"mappings": mappings(),
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := i.client.Indices.PutIndexTemplate(
		i.cfg.IndexPrefix+"-template",
		bytes.NewReader(body),
		i.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(bodyBytes))
	}

	i.logger.Info("index template created/updated", "index_prefix", i.cfg.IndexPrefix)
	return nil
}

func mappings() map[string]any {
	keyword := map[string]any{"type": "keyword"}
	date := map[string]any{"type": "date"}
	return map[string]any{
		"dynamic": true,
		"properties": map[string]any{
			"@timestamp":     date,
			"timestamp":      date,
			"created_at":     date,
			"event_id":       keyword,
			"event_type":     keyword,
			"tenant_id":      keyword,
			"session_id":     keyword,
			"visitor_id":     keyword,
			"site_id":        keyword,
			"privacy_level":  keyword,
			"process_id":     keyword,
			"source_key":     keyword,
			"object_key":     keyword,
			"ip_address":     keyword,
			"user_agent":     keyword,
			"url":            map[string]any{"type": "text"},
			"path":           keyword,
			"raw_event_data": map[string]any{"type": "object", "enabled": false},
		},
	}
}

// searchDocument is one indexed event.
type searchDocument struct {
	models.EventSnapshot
	Time         time.Time `json:"@timestamp"`
	PrivacyLevel string    `json:"privacy_level"`
	ProcessID    string    `json:"process_id"`
	SourceKey    string    `json:"source_key,omitempty"`
	ObjectKey    string    `json:"object_key"`
}

// IndexDocument bulk-indexes every event of a processed document. Events are
// keyed by event_id so re-publishing the same object overwrites rather than
// duplicates. Item failures are counted and reported as one error.
func (i *Indexer) IndexDocument(ctx context.Context, key string, doc models.ProcessedDocument) error {
	if len(doc.Events) == 0 {
		return nil
	}

	i.templateOnce.Do(func() {
		i.templateErr = i.EnsureTemplate(ctx)
	})
	if i.templateErr != nil {
		i.logger.WarnContext(ctx, "index template unavailable, relying on dynamic mapping", logging.Error(i.templateErr))
	}

	index := i.IndexName(doc.Metadata.TenantID)
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        i.client,
		Index:         index,
		NumWorkers:    i.cfg.Workers,
		FlushInterval: i.cfg.FlushInterval,
	})
	if err != nil {
		metrics.SearchIndexFailuresTotal.Add(float64(len(doc.Events)))
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		indexed atomic.Int64
		failed  atomic.Int64
		mu      sync.Mutex
		errs    []string
	)
	recordFailure := func(msg string) {
		failed.Add(1)
		mu.Lock()
		if len(errs) < 5 {
			errs = append(errs, msg)
		}
		mu.Unlock()
	}

	for _, ev := range doc.Events {
		data, err := json.Marshal(searchDocument{
			EventSnapshot: ev,
			Time:          ev.Timestamp,
			PrivacyLevel:  doc.Metadata.PrivacyLevel,
			ProcessID:     doc.Metadata.ID,
			SourceKey:     doc.Metadata.SourceKey,
			ObjectKey:     key,
		})
		if err != nil {
			recordFailure(fmt.Sprintf("failed to marshal event %s: %v", ev.EventID, err))
			continue
		}

		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: ev.EventID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(context.Context, opensearchutil.BulkIndexerItem, opensearchutil.BulkIndexerResponseItem) {
				indexed.Add(1)
			},
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					recordFailure(err.Error())
					return
				}
				recordFailure(fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
			},
		})
		if err != nil {
			recordFailure(fmt.Sprintf("failed to add to bulk indexer: %v", err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		recordFailure(fmt.Sprintf("bulk indexer close: %v", err))
	}

	// Transport errors surface through the indexer's stats rather than the
	// per-item callbacks.
	if stats := bi.Stats(); int64(stats.NumFailed) > failed.Load() {
		missing := int64(stats.NumFailed) - failed.Load()
		failed.Add(missing)
	}

	n := failed.Load()
	if n == 0 {
		i.logger.DebugContext(ctx, "mirrored processed object",
			logging.ObjectKey(key), logging.TenantID(doc.Metadata.TenantID), logging.Count(int(indexed.Load())))
		return nil
	}

	metrics.SearchIndexFailuresTotal.Add(float64(n))
	return fmt.Errorf("searchindex: %d of %d events failed to index into %s: %s",
		n, len(doc.Events), index, strings.Join(errs, "; "))
}
