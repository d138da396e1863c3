package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/h-sub003/internal/util"
)

func TestMemoryRunInTxRestoresOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertAnnotation(ctx, Annotation{ID: annID, Text: "before"}))

	boom := errors.New("boom")
	err := m.RunInTx(ctx, func(ctx context.Context) error {
		require.NoError(t, m.UpdateAnnotation(ctx, Annotation{ID: annID, Text: "after"}))
		_, err := m.InsertDocument(ctx, Document{Title: "x"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.GetAnnotation(ctx, annID)
	require.NoError(t, err)
	assert.Equal(t, "before", got.Text)
	docs, err := m.DocumentsByIDs(ctx, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryStreamAnnotationsSkipsDeletedAndBatches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var ids []string
	for range 5 {
		id := util.NewID()
		ids = append(ids, id)
		require.NoError(t, m.InsertAnnotation(ctx, Annotation{ID: id}))
	}
	require.NoError(t, m.DeleteAnnotation(ctx, ids[0], time.Now()))

	var sizes []int
	seen := map[string]bool{}
	require.NoError(t, m.StreamAnnotations(ctx, nil, 2, func(batch []Annotation) error {
		sizes = append(sizes, len(batch))
		for _, a := range batch {
			seen[a.ID] = true
		}
		return nil
	}))
	assert.Equal(t, []int{2, 2}, sizes)
	assert.False(t, seen[ids[0]])
	assert.Len(t, seen, 4)

	var only []string
	require.NoError(t, m.StreamAnnotations(ctx, []string{ids[1], ids[0]}, 10, func(batch []Annotation) error {
		for _, a := range batch {
			only = append(only, a.ID)
		}
		return nil
	}))
	assert.Equal(t, []string{ids[1]}, only)
}

func TestMemoryDeleteTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.InsertAnnotation(ctx, Annotation{ID: annID}))
	require.NoError(t, m.DeleteAnnotation(ctx, annID, time.Now()))
	require.ErrorIs(t, m.DeleteAnnotation(ctx, annID, time.Now()), ErrNotFound)

	got, err := m.GetAnnotation(ctx, annID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestMemoryReparentDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, _ := m.InsertDocument(ctx, Document{})
	b, _ := m.InsertDocument(ctx, Document{})
	_, err := m.InsertDocumentURI(ctx, DocumentURI{DocumentID: b.ID, URINormalized: "httpx://b"})
	require.NoError(t, err)
	_, err = m.InsertDocumentMeta(ctx, DocumentMeta{DocumentID: b.ID, Type: "title", Value: []string{"B"}})
	require.NoError(t, err)
	require.NoError(t, m.InsertAnnotation(ctx, Annotation{ID: annID, DocumentID: b.ID}))

	require.NoError(t, m.ReparentDocuments(ctx, a.ID, []int64{b.ID}))
	require.NoError(t, m.DeleteDocuments(ctx, []int64{b.ID}))

	master, err := m.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, master.URIs, 1)
	assert.Len(t, master.Metas, 1)
	ann, _ := m.GetAnnotation(ctx, annID)
	assert.Equal(t, a.ID, ann.DocumentID)
	_, err = m.GetDocument(ctx, b.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
