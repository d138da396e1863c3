package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hypothesis/h-sub003/internal/util"
)

// Memory is an in-process store used by tests and the memory database driver.
// RunInTx restores the previous state when fn fails but does not isolate
// concurrent callers.
type Memory struct {
	mu          sync.Mutex
	annotations map[string]Annotation
	documents   map[int64]Document
	uris        map[int64]DocumentURI
	metas       map[int64]DocumentMeta
	nextID      int64
}

func NewMemory() *Memory {
	return &Memory{
		annotations: map[string]Annotation{},
		documents:   map[int64]Document{},
		uris:        map[int64]DocumentURI{},
		metas:       map[int64]DocumentMeta{},
	}
}

type memoryTxKey struct{}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	snapshot := m.cloneLocked()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, true)); err != nil {
		m.mu.Lock()
		m.annotations = snapshot.annotations
		m.documents = snapshot.documents
		m.uris = snapshot.uris
		m.metas = snapshot.metas
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) cloneLocked() *Memory {
	c := NewMemory()
	for k, v := range m.annotations {
		c.annotations[k] = v
	}
	for k, v := range m.documents {
		c.documents[k] = v
	}
	for k, v := range m.uris {
		c.uris[k] = v
	}
	for k, v := range m.metas {
		c.metas[k] = v
	}
	return c
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetAnnotation(_ context.Context, id string) (Annotation, error) {
	if _, err := util.DecodeID(id); err != nil {
		return Annotation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	if !ok {
		return Annotation{}, fmt.Errorf("get annotation: %w", ErrNotFound)
	}
	return cloneAnnotation(a), nil
}

func (m *Memory) InsertAnnotation(_ context.Context, a Annotation) error {
	if _, err := util.DecodeID(a.ID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.annotations[a.ID]; ok {
		return fmt.Errorf("insert annotation: %w", ErrConflict)
	}
	m.annotations[a.ID] = cloneAnnotation(a)
	return nil
}

func (m *Memory) UpdateAnnotation(_ context.Context, a Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.annotations[a.ID]; !ok {
		return fmt.Errorf("update annotation: %w", ErrNotFound)
	}
	m.annotations[a.ID] = cloneAnnotation(a)
	return nil
}

func (m *Memory) DeleteAnnotation(_ context.Context, id string, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.annotations[id]
	if !ok || a.Deleted {
		return fmt.Errorf("delete annotation: %w", ErrNotFound)
	}
	a.Deleted = true
	a.Updated = updated
	m.annotations[id] = a
	return nil
}

func (m *Memory) StreamAnnotations(ctx context.Context, ids []string, batchSize int, fn func([]Annotation) error) error {
	m.mu.Lock()
	var wanted map[string]bool
	if ids != nil {
		wanted = make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
	}
	live := make([]Annotation, 0, len(m.annotations))
	for id, a := range m.annotations {
		if a.Deleted || (wanted != nil && !wanted[id]) {
			continue
		}
		live = append(live, cloneAnnotation(a))
	}
	m.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		return util.MustDecodeID(live[i].ID).String() < util.MustDecodeID(live[j].ID).String()
	})
	for start := 0; start < len(live); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+batchSize, len(live))
		if err := fn(live[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) LiveAnnotationIDs(_ context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		if a, ok := m.annotations[id]; ok && !a.Deleted {
			live[id] = true
		}
	}
	return live, nil
}

func (m *Memory) FindDocumentsByURIs(_ context.Context, uris []string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	for _, u := range m.uris {
		if slices.Contains(uris, u.URINormalized) {
			seen[u.DocumentID] = true
		}
	}
	docs := make([]Document, 0, len(seen))
	for id := range seen {
		if d, ok := m.documents[id]; ok {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *Memory) InsertDocument(_ context.Context, d Document) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	d.URIs, d.Metas = nil, nil
	m.documents[d.ID] = d
	return d, nil
}

func (m *Memory) GetDocument(ctx context.Context, id int64) (Document, error) {
	docs, err := m.DocumentsByIDs(ctx, []int64{id})
	if err != nil {
		return Document{}, err
	}
	d, ok := docs[id]
	if !ok {
		return Document{}, fmt.Errorf("get document %d: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *Memory) DocumentsByIDs(_ context.Context, ids []int64) (map[int64]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Document, len(ids))
	for _, id := range ids {
		d, ok := m.documents[id]
		if !ok {
			continue
		}
		d.URIs = m.urisLocked(id)
		d.Metas = m.metasLocked(id)
		out[id] = d
	}
	return out, nil
}

func (m *Memory) UpdateDocument(_ context.Context, d Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.documents[d.ID]
	if !ok {
		return fmt.Errorf("update document: %w", ErrNotFound)
	}
	cur.Title, cur.WebURI, cur.Updated = d.Title, d.WebURI, d.Updated
	m.documents[d.ID] = cur
	return nil
}

func (m *Memory) ReparentDocuments(_ context.Context, masterID int64, duplicateIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.uris {
		if slices.Contains(duplicateIDs, u.DocumentID) {
			u.DocumentID = masterID
			m.uris[id] = u
		}
	}
	for id, meta := range m.metas {
		if slices.Contains(duplicateIDs, meta.DocumentID) {
			meta.DocumentID = masterID
			m.metas[id] = meta
		}
	}
	for id, a := range m.annotations {
		if slices.Contains(duplicateIDs, a.DocumentID) {
			a.DocumentID = masterID
			m.annotations[id] = a
		}
	}
	return nil
}

func (m *Memory) DeleteDocuments(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.documents, id)
	}
	return nil
}

func (m *Memory) ListDocumentURIs(_ context.Context, documentID int64) ([]DocumentURI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urisLocked(documentID), nil
}

func (m *Memory) FindDocumentURI(_ context.Context, key DocumentURIKey) (DocumentURI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.uris {
		if u.Key() == key {
			return u, nil
		}
	}
	return DocumentURI{}, fmt.Errorf("find document uri: %w", ErrNotFound)
}

func (m *Memory) InsertDocumentURI(_ context.Context, u DocumentURI) (DocumentURI, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.uris {
		if existing.Key() == u.Key() {
			return DocumentURI{}, fmt.Errorf("insert document uri: %w", ErrConflict)
		}
	}
	m.nextID++
	u.ID = m.nextID
	m.uris[u.ID] = u
	return u, nil
}

func (m *Memory) TouchDocumentURI(_ context.Context, id int64, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uris[id]
	if !ok {
		return fmt.Errorf("touch document uri: %w", ErrNotFound)
	}
	u.Updated = updated
	m.uris[id] = u
	return nil
}

func (m *Memory) ListDocumentMetas(_ context.Context, documentID int64) ([]DocumentMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metasLocked(documentID), nil
}

func (m *Memory) FindDocumentMeta(_ context.Context, claimantNormalized, metaType string) (DocumentMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meta := range m.metas {
		if meta.ClaimantNormalized == claimantNormalized && meta.Type == metaType {
			return meta, nil
		}
	}
	return DocumentMeta{}, fmt.Errorf("find document meta: %w", ErrNotFound)
}

func (m *Memory) InsertDocumentMeta(_ context.Context, meta DocumentMeta) (DocumentMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.metas {
		if existing.ClaimantNormalized == meta.ClaimantNormalized && existing.Type == meta.Type {
			return DocumentMeta{}, fmt.Errorf("insert document meta: %w", ErrConflict)
		}
	}
	m.nextID++
	meta.ID = m.nextID
	meta.Value = slices.Clone(meta.Value)
	m.metas[meta.ID] = meta
	return meta, nil
}

func (m *Memory) UpdateDocumentMeta(_ context.Context, id int64, value []string, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id]
	if !ok {
		return fmt.Errorf("update document meta: %w", ErrNotFound)
	}
	meta.Value = slices.Clone(value)
	meta.Updated = updated
	m.metas[id] = meta
	return nil
}

func (m *Memory) urisLocked(documentID int64) []DocumentURI {
	items := make([]DocumentURI, 0)
	for _, u := range m.uris {
		if u.DocumentID == documentID {
			items = append(items, u)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (m *Memory) metasLocked(documentID int64) []DocumentMeta {
	items := make([]DocumentMeta, 0)
	for _, meta := range m.metas {
		if meta.DocumentID == documentID {
			meta.Value = slices.Clone(meta.Value)
			items = append(items, meta)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func cloneAnnotation(a Annotation) Annotation {
	a.Tags = slices.Clone(a.Tags)
	a.References = slices.Clone(a.References)
	a.TargetSelectors = slices.Clone(a.TargetSelectors)
	if a.Extra != nil {
		extra := make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			extra[k] = v
		}
		a.Extra = extra
	}
	return a
}
