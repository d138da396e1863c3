// Package indexer copies annotations from Postgres into the search index and
// removes index entries whose annotation is gone.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hypothesis/h-sub003/internal/events"
	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/presenter"
	"github.com/hypothesis/h-sub003/internal/store"
)

// BulkClient writes to the search index. Failed maps an id to an HTTP-like
// status for every document whose action failed; a nil map means all
// succeeded.
type BulkClient interface {
	BulkIndex(ctx context.Context, docs []map[string]any) (failed map[string]int, err error)
	BulkDelete(ctx context.Context, ids []string) (failed map[string]int, err error)
	ScanIDs(ctx context.Context, batchSize int, fn func(ids []string) error) error
}

type Store interface {
	StreamAnnotations(ctx context.Context, ids []string, batchSize int, fn func([]store.Annotation) error) error
	LiveAnnotationIDs(ctx context.Context, ids []string) (map[string]bool, error)
	DocumentsByIDs(ctx context.Context, ids []int64) (map[int64]store.Document, error)
}

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseIndexing Phase = "indexing"
	PhaseRetrying Phase = "retrying"
	PhaseDone     Phase = "done"
)

const (
	DefaultChunkSize     = 500
	DefaultScanBatchSize = 2000
)

type Indexer struct {
	store         Store
	client        BulkClient
	chunkSize     int
	scanBatchSize int
	log           *logger.Logger

	run   sync.Mutex
	mu    sync.Mutex
	phase Phase
}

func New(s Store, client BulkClient, chunkSize, scanBatchSize int, log *logger.Logger) *Indexer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if scanBatchSize <= 0 {
		scanBatchSize = DefaultScanBatchSize
	}
	return &Indexer{
		store:         s,
		client:        client,
		chunkSize:     chunkSize,
		scanBatchSize: scanBatchSize,
		log:           log.With("component", "indexer"),
		phase:         PhaseIdle,
	}
}

// Phase reports where the current or most recent run is.
func (ix *Indexer) Phase() Phase {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.phase
}

func (ix *Indexer) setPhase(p Phase) {
	ix.mu.Lock()
	ix.phase = p
	ix.mu.Unlock()
}

// IndexAll indexes every live annotation, retrying failed ids once. The ids
// still failing are returned for the caller to report.
func (ix *Indexer) IndexAll(ctx context.Context) ([]string, error) {
	_, failed, err := ix.indexAll(ctx)
	return failed, err
}

func (ix *Indexer) indexAll(ctx context.Context) (int, []string, error) {
	ix.run.Lock()
	defer ix.run.Unlock()

	ix.setPhase(PhaseIndexing)
	indexed, failed, err := ix.index(ctx, nil)
	if err != nil {
		ix.setPhase(PhaseIdle)
		return 0, nil, err
	}
	if len(failed) > 0 {
		ix.setPhase(PhaseRetrying)
		ix.log.Info("retrying failed index actions", "count", len(failed))
		var retried int
		retried, failed, err = ix.index(ctx, failed)
		if err != nil {
			ix.setPhase(PhaseIdle)
			return 0, nil, err
		}
		indexed += retried
	}
	ix.setPhase(PhaseDone)

	if len(failed) > 0 {
		ix.log.Warn("annotations failed to index", "count", len(failed), "ids", failed)
	}
	return indexed, failed, nil
}

// Index indexes the live annotations among ids, or all of them when ids is
// nil, and returns the ids whose bulk action failed.
func (ix *Indexer) Index(ctx context.Context, ids []string) ([]string, error) {
	_, failed, err := ix.index(ctx, ids)
	return failed, err
}

func (ix *Indexer) index(ctx context.Context, ids []string) (int, []string, error) {
	var indexed int
	var failed []string
	err := ix.store.StreamAnnotations(ctx, ids, ix.chunkSize, func(batch []store.Annotation) error {
		docs, err := ix.render(ctx, batch)
		if err != nil {
			return err
		}
		res, err := ix.client.BulkIndex(ctx, docs)
		if err != nil {
			return fmt.Errorf("bulk index: %w", err)
		}
		for id, status := range res {
			ix.log.Debug("index action failed", "annotation", id, "status", status)
			failed = append(failed, id)
		}
		indexed += len(batch) - len(res)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	sort.Strings(failed)
	return indexed, failed, nil
}

func (ix *Indexer) render(ctx context.Context, batch []store.Annotation) ([]map[string]any, error) {
	docIDs := make([]int64, 0, len(batch))
	for _, a := range batch {
		if a.DocumentID != 0 {
			docIDs = append(docIDs, a.DocumentID)
		}
	}
	documents, err := ix.store.DocumentsByIDs(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	docs := make([]map[string]any, 0, len(batch))
	for _, a := range batch {
		var doc *store.Document
		if d, ok := documents[a.DocumentID]; ok {
			doc = &d
		}
		docs = append(docs, presenter.IndexDocument(a, doc))
	}
	return docs, nil
}

// DeleteAll removes every index entry without a live annotation, retrying
// failed ids once.
func (ix *Indexer) DeleteAll(ctx context.Context) ([]string, error) {
	_, failed, err := ix.deleteAll(ctx)
	return failed, err
}

func (ix *Indexer) deleteAll(ctx context.Context) (int, []string, error) {
	ix.run.Lock()
	defer ix.run.Unlock()

	ix.setPhase(PhaseIndexing)
	ids, err := ix.DeletedAnnotationIDs(ctx)
	if err != nil {
		ix.setPhase(PhaseIdle)
		return 0, nil, err
	}
	failed, err := ix.Delete(ctx, ids)
	if err != nil {
		ix.setPhase(PhaseIdle)
		return 0, nil, err
	}
	if len(failed) > 0 {
		ix.setPhase(PhaseRetrying)
		ix.log.Info("retrying failed delete actions", "count", len(failed))
		if failed, err = ix.Delete(ctx, failed); err != nil {
			ix.setPhase(PhaseIdle)
			return 0, nil, err
		}
	}
	ix.setPhase(PhaseDone)

	if len(failed) > 0 {
		ix.log.Warn("index entries failed to delete", "count", len(failed), "ids", failed)
	}
	return len(ids) - len(failed), failed, nil
}

// Delete removes ids from the index. An id the index reports as not found is
// already in the desired state and does not count as failed.
func (ix *Indexer) Delete(ctx context.Context, ids []string) ([]string, error) {
	var failed []string
	for start := 0; start < len(ids); start += ix.chunkSize {
		end := min(start+ix.chunkSize, len(ids))
		res, err := ix.client.BulkDelete(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("bulk delete: %w", err)
		}
		for id, status := range res {
			if status == http.StatusNotFound {
				continue
			}
			ix.log.Debug("delete action failed", "annotation", id, "status", status)
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)
	return failed, nil
}

// DeletedAnnotationIDs scans the index for ids that have no live annotation.
func (ix *Indexer) DeletedAnnotationIDs(ctx context.Context) ([]string, error) {
	var deleted []string
	err := ix.client.ScanIDs(ctx, ix.scanBatchSize, func(ids []string) error {
		live, err := ix.store.LiveAnnotationIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("live annotation ids: %w", err)
		}
		for _, id := range ids {
			if !live[id] {
				deleted = append(deleted, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// HandleEvent brings the index entry of the event's annotation in line with
// its committed state, whatever the event's action. Redelivered or
// reordered events therefore converge.
func (ix *Indexer) HandleEvent(ctx context.Context, ev events.Event) error {
	if ev.AnnotationID == "" {
		return errors.New("event without annotation id")
	}
	live, err := ix.store.LiveAnnotationIDs(ctx, []string{ev.AnnotationID})
	if err != nil {
		return fmt.Errorf("live annotation ids: %w", err)
	}

	var failed []string
	if live[ev.AnnotationID] {
		failed, err = ix.Index(ctx, []string{ev.AnnotationID})
	} else {
		failed, err = ix.Delete(ctx, []string{ev.AnnotationID})
	}
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("sync annotation %s to index: bulk action failed", ev.AnnotationID)
	}
	return nil
}

// Report summarises one reconciliation run.
type Report struct {
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Indexed      int       `json:"indexed"`
	IndexFailed  []string  `json:"index_failed"`
	Deleted      int       `json:"deleted"`
	DeleteFailed []string  `json:"delete_failed"`
}

func (r Report) Failed() bool {
	return len(r.IndexFailed) > 0 || len(r.DeleteFailed) > 0
}

// Reconcile reindexes every annotation then drops stale index entries.
func (ix *Indexer) Reconcile(ctx context.Context) (Report, error) {
	r := Report{Started: time.Now().UTC(), IndexFailed: []string{}, DeleteFailed: []string{}}

	indexed, failed, err := ix.indexAll(ctx)
	if err != nil {
		return r, fmt.Errorf("index all: %w", err)
	}
	r.Indexed = indexed
	if failed != nil {
		r.IndexFailed = failed
	}

	deleted, failed, err := ix.deleteAll(ctx)
	if err != nil {
		return r, fmt.Errorf("delete all: %w", err)
	}
	r.Deleted = deleted
	if failed != nil {
		r.DeleteFailed = failed
	}

	r.Finished = time.Now().UTC()
	ix.log.Info("reconciliation finished",
		"indexed", r.Indexed, "index_failed", len(r.IndexFailed),
		"deleted", r.Deleted, "delete_failed", len(r.DeleteFailed),
		"took", r.Finished.Sub(r.Started))
	return r, nil
}
