package document

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/store"
	"github.com/hypothesis/h-sub003/internal/uri"
	"github.com/hypothesis/h-sub003/internal/util"
)

var (
	t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func newResolver() (*Resolver, *store.Memory) {
	mem := store.NewMemory()
	return NewResolver(mem, logger.NewNop()), mem
}

func seedDocument(t *testing.T, mem *store.Memory, updated time.Time, uris ...string) store.Document {
	t.Helper()
	ctx := context.Background()
	doc, err := mem.InsertDocument(ctx, store.Document{Created: t0, Updated: updated})
	require.NoError(t, err)
	for _, u := range uris {
		_, err := mem.InsertDocumentURI(ctx, store.DocumentURI{
			DocumentID: doc.ID, Claimant: u, ClaimantNormalized: uri.Normalize(u),
			URI: u, URINormalized: uri.Normalize(u), Type: TypeSelfClaim,
		})
		require.NoError(t, err)
	}
	return doc
}

func TestFindOrCreateByURIsCreatesSelfClaim(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()

	docs, err := r.FindOrCreateByURIs(ctx, "http://example.com/page", nil, t0, t1)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	got, err := mem.GetDocument(ctx, docs[0].ID)
	require.NoError(t, err)
	require.Len(t, got.URIs, 1)
	assert.Equal(t, TypeSelfClaim, got.URIs[0].Type)
	assert.Equal(t, "http://example.com/page", got.URIs[0].URI)
	assert.Equal(t, "http://example.com/page", got.URIs[0].Claimant)

	again, err := r.FindOrCreateByURIs(ctx, "HTTP://EXAMPLE.com:80/page/", nil, t0, t1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, docs[0].ID, again[0].ID)
}

func TestFindOrCreateByURIsTrailingSlashResolvesToSameDocument(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	doc := seedDocument(t, mem, t0, "http://a.com/")
	_, err := mem.InsertDocumentURI(ctx, store.DocumentURI{
		DocumentID: doc.ID, Claimant: "http://a.com", ClaimantNormalized: uri.Normalize("http://a.com"),
		URI: "http://a.com", URINormalized: uri.Normalize("http://a.com"), Type: "rel-alternate",
	})
	require.NoError(t, err)

	for _, claimant := range []string{"http://a.com/", "http://a.com"} {
		ann := store.Annotation{ID: util.NewID(), TargetURI: claimant, Created: t1, Updated: t1}
		got, err := r.UpdateDocumentMetadata(ctx, &ann, nil, []URIClaim{{Claimant: claimant, URI: claimant, Type: TypeSelfClaim}})
		require.NoError(t, err, claimant)
		assert.Equal(t, doc.ID, got.ID)
		assert.Equal(t, doc.ID, ann.DocumentID)
	}
}

func TestMergeUnionsChildrenAndDeletesDuplicates(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	master := seedDocument(t, mem, t0, "http://example.com/1")
	dup1 := seedDocument(t, mem, t2, "http://example.com/2")
	dup2 := seedDocument(t, mem, t0, "http://example.com/3")
	_, err := mem.InsertDocumentMeta(ctx, store.DocumentMeta{DocumentID: dup1.ID, ClaimantNormalized: "c", Type: "title", Value: []string{"T"}})
	require.NoError(t, err)

	merged, err := r.Merge(ctx, []store.Document{dup2, master, dup1}, t1)
	require.NoError(t, err)

	assert.Equal(t, master.ID, merged.ID)
	assert.Len(t, merged.URIs, 3)
	assert.Len(t, merged.Metas, 1)
	assert.False(t, merged.Updated.Before(t2))
	for _, id := range []int64{dup1.ID, dup2.ID} {
		_, err := mem.GetDocument(ctx, id)
		require.ErrorIs(t, err, store.ErrNotFound)
	}

	again, err := r.Merge(ctx, []store.Document{master, dup1, dup2}, t1)
	require.NoError(t, err)
	assert.Equal(t, master.ID, again.ID)
	assert.Len(t, again.URIs, 3)
}

func TestMergeReparentsAnnotations(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	master := seedDocument(t, mem, t0, "http://example.com/a")
	dup := seedDocument(t, mem, t0, "http://example.com/b")
	id := util.NewID()
	require.NoError(t, mem.InsertAnnotation(ctx, store.Annotation{ID: id, DocumentID: dup.ID}))

	_, err := r.Merge(ctx, []store.Document{master, dup}, t1)
	require.NoError(t, err)

	ann, err := mem.GetAnnotation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, master.ID, ann.DocumentID)
}

func TestUpdateDocumentMetadataMergesOverlappingDocuments(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	first := seedDocument(t, mem, t0, "http://example.com/article")
	second := seedDocument(t, mem, t0, "https://doi.org/10.1/x")

	ann := store.Annotation{ID: util.NewID(), TargetURI: "http://example.com/article", Created: t1, Updated: t1}
	doc, err := r.UpdateDocumentMetadata(ctx, &ann,
		[]MetaClaim{{Claimant: ann.TargetURI, Type: "title", Value: []string{"An Article"}}},
		[]URIClaim{
			{Claimant: ann.TargetURI, URI: "https://doi.org/10.1/x", Type: "rel-canonical"},
			{Claimant: ann.TargetURI, URI: ann.TargetURI, Type: TypeSelfClaim},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, first.ID, doc.ID)
	assert.Equal(t, "An Article", doc.Title)
	assert.Equal(t, "http://example.com/article", doc.WebURI)
	assert.Equal(t, t1, doc.Updated)
	_, err = mem.GetDocument(ctx, second.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

type conflictingStore struct {
	*store.Memory
}

func (s conflictingStore) InsertDocumentMeta(context.Context, store.DocumentMeta) (store.DocumentMeta, error) {
	return store.DocumentMeta{}, fmt.Errorf("insert document meta: %w", store.ErrConflict)
}

func TestCreateOrUpdateDocumentMetaConflictIsConcurrentCreate(t *testing.T) {
	r := NewResolver(conflictingStore{store.NewMemory()}, logger.NewNop())

	err := r.CreateOrUpdateDocumentMeta(context.Background(), 1, MetaClaim{Claimant: "http://x", Type: "title", Value: []string{"x"}}, t0, t0)
	require.ErrorIs(t, err, ErrConcurrentCreate)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestCreateOrUpdateDocumentURIWarnsOnOwnerMismatch(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mem := store.NewMemory()
	r := NewResolver(mem, &logger.Logger{SugaredLogger: zap.New(core).Sugar()})
	ctx := context.Background()
	owner := seedDocument(t, mem, t0, "http://example.com/")

	claim := URIClaim{Claimant: "http://example.com/", URI: "http://example.com/", Type: TypeSelfClaim}
	require.NoError(t, r.CreateOrUpdateDocumentURI(ctx, owner.ID+100, claim, t0, t2))

	assert.Equal(t, 1, logs.FilterMessage("document uri belongs to another document").Len())
	got, err := mem.GetDocument(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, got.URIs, 1)
	assert.Equal(t, t2, got.URIs[0].Updated)
}

func TestCreateOrUpdateDocumentMetaUpdatesValue(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()
	doc := seedDocument(t, mem, t0)
	claim := MetaClaim{Claimant: "http://example.com/", Type: "title", Value: []string{"Old"}}
	require.NoError(t, r.CreateOrUpdateDocumentMeta(ctx, doc.ID, claim, t0, t0))

	claim.Value = []string{"New"}
	require.NoError(t, r.CreateOrUpdateDocumentMeta(ctx, doc.ID, claim, t1, t1))

	metas, err := mem.ListDocumentMetas(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, []string{"New"}, metas[0].Value)
}

func TestExpandURI(t *testing.T) {
	r, mem := newResolver()
	ctx := context.Background()

	got, err := r.ExpandURI(ctx, "http://unknown.example/")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://unknown.example/"}, got)

	doc := seedDocument(t, mem, t0, "http://example.com/a", "http://example.com/b")
	got, err = r.ExpandURI(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"http://example.com/a", "http://example.com/b"}, got)

	_, err = mem.InsertDocumentURI(ctx, store.DocumentURI{
		DocumentID: doc.ID, Claimant: "http://example.com/a", ClaimantNormalized: uri.Normalize("http://example.com/a"),
		URI: "http://example.com/canonical", URINormalized: uri.Normalize("http://example.com/canonical"), Type: TypeRelCanonical,
	})
	require.NoError(t, err)
	got, err = r.ExpandURI(ctx, "http://example.com/canonical")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://example.com/canonical"}, got)
}
