package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/h-sub003/internal/util"
)

const (
	annUUID    = "7b4b6c2a-0f1e-4d3c-9b8a-112233445566"
	annID      = "e0tsKg8eTTybihEiM0RVZg"
	parentUUID = "01528c43-8fd7-e6d8-5198-a664b3dea43e"
	parentID   = "AVKMQ4_XbYGYpmSz3qQ-"
)

var annotationRowColumns = []string{
	"id", "userid", "groupid", "text", "tags", "shared", "target_uri", "target_uri_normalized",
	"target_selectors", "references", "extra", "document_id", "deleted", "created", "updated",
}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return NewPostgres(mock), mock
}

func TestPostgresGetAnnotation(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		id      string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
		check   func(t *testing.T, got Annotation)
	}{
		{
			name: "found",
			id:   annID,
			setup: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows(annotationRowColumns).AddRow(
					annUUID, "acct:alice@example.com", "__world__", "hello", []string{"a"}, true,
					"http://example.com/", "httpx://example.com",
					[]byte(`[{"type":"TextQuoteSelector","exact":"hi"}]`), []string{parentUUID},
					[]byte(`{"color":"red"}`), int64(7), false, now, now,
				)
				mock.ExpectQuery(`SELECT id::text`).WithArgs(util.MustDecodeID(annID)).WillReturnRows(rows)
			},
			check: func(t *testing.T, got Annotation) {
				assert.Equal(t, annID, got.ID)
				assert.Equal(t, []string{parentID}, got.References)
				assert.Equal(t, "hi", got.TargetSelectors[0]["exact"])
				assert.Equal(t, "red", got.Extra["color"])
				assert.Equal(t, int64(7), got.DocumentID)
				assert.True(t, got.IsReply())
			},
		},
		{
			name: "not found",
			id:   annID,
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT id::text`).WillReturnError(pgx.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
		{
			name:    "invalid id never queries",
			id:      "not-an-id",
			setup:   func(mock pgxmock.PgxPoolIface) {},
			wantErr: util.ErrInvalidID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setup(mock)

			got, err := s.GetAnnotation(context.Background(), tt.id)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestPostgresUpdateAnnotationMissingRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE annotation SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateAnnotation(context.Background(), Annotation{ID: annID})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresDeleteAnnotationIsSoft(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectExec(`UPDATE annotation SET deleted=TRUE`).
		WithArgs(util.MustDecodeID(annID), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.DeleteAnnotation(context.Background(), annID, now))
}

func TestPostgresInsertDocumentURIConflict(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO document_uri`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_document_uri"})

	_, err := s.InsertDocumentURI(context.Background(), DocumentURI{DocumentID: 1, URI: "http://example.com"})
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "uq_document_uri")
}

func TestPostgresLiveAnnotationIDs(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT id::text FROM annotation WHERE`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(annUUID))

	live, err := s.LiveAnnotationIDs(context.Background(), []string{annID, parentID, "garbage!"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{annID: true}, live)
}

func TestPostgresLiveAnnotationIDsSkipsQueryWithoutValidIDs(t *testing.T) {
	s, _ := newMockStore(t)

	live, err := s.LiveAnnotationIDs(context.Background(), []string{"garbage!"})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestPostgresFindDocumentsByURIsEmptyInput(t *testing.T) {
	s, _ := newMockStore(t)

	docs, err := s.FindDocumentsByURIs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPostgresRunInTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE document SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.RunInTx(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.UpdateDocument(ctx, Document{ID: 1, Title: "t"}))
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestPostgresRunInTxJoinsOpenTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE document SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.RunInTx(context.Background(), func(ctx context.Context) error {
		return s.RunInTx(ctx, func(ctx context.Context) error {
			return s.UpdateDocument(ctx, Document{ID: 1})
		})
	})
	require.NoError(t, err)
}

func TestMapErrorPassesContextErrors(t *testing.T) {
	err := mapError(context.Canceled, "op")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mapError(nil, "op"))
}
