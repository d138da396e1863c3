package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"github.com/hypothesis/h-sub003/internal/config"
	"github.com/hypothesis/h-sub003/internal/logger"
)

var (
	filterableAttributes = []string{
		FieldID, FieldReaders, FieldGroup, FieldUser, FieldTags, FieldURINormalized, FieldReferences, "shared",
	}
	searchableAttributes = []string{FieldText, FieldQuote, FieldTags, FieldURI, FieldUser}
	sortableAttributes   = []string{"updated", "created", FieldID, FieldGroup, FieldUser}
)

const taskPollInterval = 50 * time.Millisecond

// Meili executes queries against, and bulk-writes to, the annotation index.
type Meili struct {
	client       meili.ServiceManager
	uid          string
	maxTotalHits int64
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the annotation index. An
// unreachable server is reported through Healthy and retried in the
// background.
func NewMeili(cfg config.SearchConfig, log *logger.Logger) *Meili {
	m := &Meili{
		client:       meili.New(cfg.MeiliURL, meili.WithAPIKey(cfg.MeiliMasterKey)),
		uid:          cfg.Index,
		maxTotalHits: cfg.MaxTotalHits,
		log:          log.With("component", "meili"),
		done:         make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", cfg.MeiliURL, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: m.uid, PrimaryKey: FieldID}); err != nil {
		m.log.Debug("create index (may already exist)", "index", m.uid, "error", err)
	}

	index := m.client.Index(m.uid)
	filterable := make([]interface{}, len(filterableAttributes))
	for i, v := range filterableAttributes {
		filterable[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", m.uid, "error", err)
	}
	searchable := append([]string(nil), searchableAttributes...)
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", m.uid, "error", err)
	}
	sortable := append([]string(nil), sortableAttributes...)
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("update sortable attributes", "index", m.uid, "error", err)
	}
	if m.maxTotalHits > 0 {
		if _, err := index.UpdatePagination(&meili.Pagination{MaxTotalHits: m.maxTotalHits}); err != nil {
			m.log.Warn("update pagination", "index", m.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) index() meili.IndexManager {
	return m.client.Index(m.uid)
}

// Execute runs q with match clauses folded into the full-text query and
// everything else expressed as filters. Total counts at most the index's
// maxTotalHits.
func (m *Meili) Execute(ctx context.Context, q Query) (Result, error) {
	if !m.healthy.Load() {
		return Result{}, errors.New("meilisearch unhealthy")
	}
	tq, err := translateMeili(q)
	if err != nil {
		return Result{}, err
	}

	page, hitsPerPage, skip := meiliPage(q.Offset, q.Limit)
	req := &meili.SearchRequest{
		Page:                 page,
		HitsPerPage:          hitsPerPage,
		AttributesToRetrieve: []string{FieldID},
		MatchingStrategy:     meili.All,
	}
	if len(tq.filter) > 0 {
		req.Filter = tq.filter
	}
	if len(tq.attributes) > 0 {
		req.AttributesToSearchOn = tq.attributes
	}
	if slices.Contains(sortableAttributes, q.Sort.Field) {
		req.Sort = []string{q.Sort.Field + ":" + q.Sort.Order}
	}

	resp, err := m.index().SearchWithContext(ctx, tq.text, req)
	if err != nil {
		return Result{}, fmt.Errorf("meilisearch search: %w", err)
	}
	return meiliResult(resp, skip, q.Limit), nil
}

// meiliPage maps offset/limit onto page-based paging, the mode in which
// Meilisearch reports an exhaustive totalHits. An offset that is not a
// multiple of limit is served from the first page, dropping skip hits.
func meiliPage(offset, limit int) (page, hitsPerPage, skip int64) {
	switch {
	case limit == 0:
		return 1, 1, 0
	case offset%limit == 0:
		return int64(offset/limit) + 1, int64(limit), 0
	default:
		return 1, int64(offset + limit), int64(offset)
	}
}

func meiliResult(resp *meili.SearchResponse, skip int64, limit int) Result {
	res := Result{Total: int(resp.TotalHits), IDs: make([]string, 0, len(resp.Hits))}
	if limit == 0 || skip >= int64(len(resp.Hits)) {
		return res
	}
	for _, hit := range resp.Hits[skip:] {
		if id := decodeString(hit, FieldID); id != "" {
			res.IDs = append(res.IDs, id)
		}
	}
	return res
}

// BulkIndex upserts docs and waits for the task. A failed task fails every
// document in it; the map holds an HTTP-like status per failed id.
func (m *Meili) BulkIndex(ctx context.Context, docs []map[string]any) (map[string]int, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		id, _ := d[FieldID].(string)
		ids = append(ids, id)
	}
	info, err := m.index().AddDocumentsWithContext(ctx, docs, nil)
	if err != nil {
		return nil, fmt.Errorf("meilisearch add documents: %w", err)
	}
	return m.awaitTask(ctx, info.TaskUID, ids)
}

func (m *Meili) BulkDelete(ctx context.Context, ids []string) (map[string]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	info, err := m.index().DeleteDocumentsWithContext(ctx, ids, nil)
	if err != nil {
		return nil, fmt.Errorf("meilisearch delete documents: %w", err)
	}
	return m.awaitTask(ctx, info.TaskUID, ids)
}

// ScanIDs pages through every document id in the index.
func (m *Meili) ScanIDs(ctx context.Context, batchSize int, fn func(ids []string) error) error {
	var offset int64
	for {
		var page meili.DocumentsResult
		err := m.index().GetDocumentsWithContext(ctx, &meili.DocumentsQuery{
			Offset: offset,
			Limit:  int64(batchSize),
			Fields: []string{FieldID},
		}, &page)
		if err != nil {
			return fmt.Errorf("meilisearch get documents: %w", err)
		}

		ids, err := decodeIDs(page.Results)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := fn(ids); err != nil {
			return err
		}
		if len(ids) < batchSize {
			return nil
		}
		offset += int64(len(ids))
	}
}

func (m *Meili) awaitTask(ctx context.Context, taskUID int64, ids []string) (map[string]int, error) {
	task, err := m.client.WaitForTaskWithContext(ctx, taskUID, taskPollInterval)
	if err != nil {
		return nil, fmt.Errorf("meilisearch wait for task %d: %w", taskUID, err)
	}
	if task.Status == meili.TaskStatusSucceeded {
		return nil, nil
	}

	status := taskFailureStatus(task.Error.Code)
	m.log.Warn("meilisearch task failed",
		"task", taskUID, "code", task.Error.Code, "message", task.Error.Message, "documents", len(ids))
	failed := make(map[string]int, len(ids))
	for _, id := range ids {
		failed[id] = status
	}
	return failed, nil
}

func taskFailureStatus(code string) int {
	switch {
	case code == "index_not_found" || code == "document_not_found":
		return http.StatusNotFound
	case strings.HasPrefix(code, "invalid_") || strings.HasPrefix(code, "missing_"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeIDs(results any) ([]string, error) {
	raw, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode documents page: %w", err)
	}
	var docs []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode documents page: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}
