package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hypothesis/h-sub003/internal/util"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const annotationColumns = `id::text, userid, groupid, text, tags, shared, target_uri, target_uri_normalized,
	target_selectors, "references"::text[], extra, COALESCE(document_id, 0), deleted, created, updated`

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// =============================================================================
// Annotations
// =============================================================================

func (s *Postgres) GetAnnotation(ctx context.Context, id string) (Annotation, error) {
	key, err := util.DecodeID(id)
	if err != nil {
		return Annotation{}, err
	}
	row := s.querier(ctx).QueryRow(ctx, `SELECT `+annotationColumns+` FROM annotation WHERE id = $1`, key)
	ann, err := scanAnnotation(row)
	if err != nil {
		return Annotation{}, mapError(err, "get annotation")
	}
	return ann, nil
}

func (s *Postgres) InsertAnnotation(ctx context.Context, a Annotation) error {
	args, err := annotationArgs(a)
	if err != nil {
		return err
	}
	_, err = s.querier(ctx).Exec(ctx, `
		INSERT INTO annotation (id, userid, groupid, text, tags, shared, target_uri, target_uri_normalized,
			target_selectors, "references", extra, document_id, deleted, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid[], $11, NULLIF($12::bigint, 0), $13, $14, $15)
	`, args...)
	return mapError(err, "insert annotation")
}

func (s *Postgres) UpdateAnnotation(ctx context.Context, a Annotation) error {
	args, err := annotationArgs(a)
	if err != nil {
		return err
	}
	tag, err := s.querier(ctx).Exec(ctx, `
		UPDATE annotation SET userid=$2, groupid=$3, text=$4, tags=$5, shared=$6, target_uri=$7,
			target_uri_normalized=$8, target_selectors=$9, "references"=$10::uuid[], extra=$11,
			document_id=NULLIF($12::bigint, 0), deleted=$13, created=$14, updated=$15
		WHERE id=$1
	`, args...)
	if err != nil {
		return mapError(err, "update annotation")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update annotation: %w", ErrNotFound)
	}
	return nil
}

// DeleteAnnotation marks an annotation deleted. The row stays until purged so
// that index reconciliation can observe the deletion.
func (s *Postgres) DeleteAnnotation(ctx context.Context, id string, updated time.Time) error {
	key, err := util.DecodeID(id)
	if err != nil {
		return err
	}
	tag, err := s.querier(ctx).Exec(ctx, `UPDATE annotation SET deleted=TRUE, updated=$2 WHERE id=$1 AND deleted=FALSE`, key, updated)
	if err != nil {
		return mapError(err, "delete annotation")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete annotation: %w", ErrNotFound)
	}
	return nil
}

// StreamAnnotations calls fn with batches of live annotations in id order.
// A nil ids streams every live annotation.
func (s *Postgres) StreamAnnotations(ctx context.Context, ids []string, batchSize int, fn func([]Annotation) error) error {
	var filter sq.Sqlizer = sq.Expr("TRUE")
	if ids != nil {
		keys := decodeIDs(ids)
		if len(keys) == 0 {
			return nil
		}
		filter = sq.Eq{"id": keys}
	}

	last := uuid.Nil
	for {
		query, args, err := psql.Select(annotationColumns).
			From("annotation").
			Where(sq.Eq{"deleted": false}).
			Where(filter).
			Where(sq.Gt{"id": last}).
			OrderBy("id").
			Limit(uint64(batchSize)).
			ToSql()
		if err != nil {
			return fmt.Errorf("build stream query: %w", err)
		}

		batch, err := s.queryAnnotations(ctx, query, args...)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		last = util.MustDecodeID(batch[len(batch)-1].ID)
	}
}

// LiveAnnotationIDs returns the subset of ids that have a non-deleted row.
// Strings that are not valid ids are never live.
func (s *Postgres) LiveAnnotationIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	live := make(map[string]bool, len(ids))
	byKey := make(map[string]string, len(ids))
	keys := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		key, err := util.DecodeID(id)
		if err != nil {
			continue
		}
		if _, seen := byKey[key.String()]; !seen {
			keys = append(keys, key)
		}
		byKey[key.String()] = id
	}
	if len(keys) == 0 {
		return live, nil
	}

	query, args, err := psql.Select("id::text").From("annotation").
		Where(sq.Eq{"id": keys, "deleted": false}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build live ids query: %w", err)
	}
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "live annotation ids")
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan annotation id: %w", err)
		}
		live[byKey[key]] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotation ids: %w", err)
	}
	return live, nil
}

func (s *Postgres) queryAnnotations(ctx context.Context, query string, args ...any) ([]Annotation, error) {
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query annotations")
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		ann, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, ann)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func annotationArgs(a Annotation) ([]any, error) {
	key, err := util.DecodeID(a.ID)
	if err != nil {
		return nil, err
	}
	refs := make([]uuid.UUID, 0, len(a.References))
	for _, ref := range a.References {
		refKey, err := util.DecodeID(ref)
		if err != nil {
			return nil, err
		}
		refs = append(refs, refKey)
	}
	selectors := a.TargetSelectors
	if selectors == nil {
		selectors = []map[string]any{}
	}
	selectorsJSON, err := json.Marshal(selectors)
	if err != nil {
		return nil, fmt.Errorf("marshal target selectors: %w", err)
	}
	extra := a.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		key, a.UserID, a.GroupID, a.Text, tags, a.Shared, a.TargetURI, a.TargetURINormalized,
		selectorsJSON, refs, extraJSON, a.DocumentID, a.Deleted, a.Created, a.Updated,
	}, nil
}

func scanAnnotation(row pgx.Row) (Annotation, error) {
	var (
		a             Annotation
		key           string
		refs          []string
		selectorsJSON []byte
		extraJSON     []byte
	)
	err := row.Scan(&key, &a.UserID, &a.GroupID, &a.Text, &a.Tags, &a.Shared, &a.TargetURI, &a.TargetURINormalized,
		&selectorsJSON, &refs, &extraJSON, &a.DocumentID, &a.Deleted, &a.Created, &a.Updated)
	if err != nil {
		return Annotation{}, err
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return Annotation{}, fmt.Errorf("parse annotation id %q: %w", key, err)
	}
	a.ID = util.EncodeID(id)
	for _, ref := range refs {
		refID, err := uuid.Parse(ref)
		if err != nil {
			return Annotation{}, fmt.Errorf("parse reference %q: %w", ref, err)
		}
		a.References = append(a.References, util.EncodeID(refID))
	}
	if len(selectorsJSON) > 0 {
		if err := json.Unmarshal(selectorsJSON, &a.TargetSelectors); err != nil {
			return Annotation{}, fmt.Errorf("unmarshal target selectors: %w", err)
		}
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &a.Extra); err != nil {
			return Annotation{}, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	return a, nil
}

func decodeIDs(ids []string) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if key, err := util.DecodeID(id); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// =============================================================================
// Documents
// =============================================================================

// FindDocumentsByURIs returns every Document owning a DocumentURI whose
// normalized uri is in uris, lowest id first.
func (s *Postgres) FindDocumentsByURIs(ctx context.Context, uris []string) ([]Document, error) {
	if len(uris) == 0 {
		return []Document{}, nil
	}
	query, args, err := psql.Select("d.id", "d.title", "d.web_uri", "d.created", "d.updated").
		Distinct().
		From("document d").
		Join("document_uri u ON u.document_id = d.id").
		Where(sq.Eq{"u.uri_normalized": uris}).
		OrderBy("d.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build find documents query: %w", err)
	}
	return s.queryDocuments(ctx, query, args...)
}

func (s *Postgres) InsertDocument(ctx context.Context, d Document) (Document, error) {
	err := s.querier(ctx).QueryRow(ctx, `
		INSERT INTO document (title, web_uri, created, updated)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, d.Title, d.WebURI, d.Created, d.Updated).Scan(&d.ID)
	if err != nil {
		return Document{}, mapError(err, "insert document")
	}
	return d, nil
}

// GetDocument loads a Document with its URIs and metas.
func (s *Postgres) GetDocument(ctx context.Context, id int64) (Document, error) {
	docs, err := s.DocumentsByIDs(ctx, []int64{id})
	if err != nil {
		return Document{}, err
	}
	doc, ok := docs[id]
	if !ok {
		return Document{}, fmt.Errorf("get document %d: %w", id, ErrNotFound)
	}
	return doc, nil
}

// DocumentsByIDs loads Documents with their children, keyed by id.
func (s *Postgres) DocumentsByIDs(ctx context.Context, ids []int64) (map[int64]Document, error) {
	out := make(map[int64]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := psql.Select("id", "title", "web_uri", "created", "updated").
		From("document").Where(sq.Eq{"id": ids}).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build documents query: %w", err)
	}
	docs, err := s.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d
	}

	uris, err := s.listDocumentURIs(ctx, sq.Eq{"document_id": ids})
	if err != nil {
		return nil, err
	}
	for _, u := range uris {
		if d, ok := out[u.DocumentID]; ok {
			d.URIs = append(d.URIs, u)
			out[u.DocumentID] = d
		}
	}

	metas, err := s.listDocumentMetas(ctx, sq.Eq{"document_id": ids})
	if err != nil {
		return nil, err
	}
	for _, m := range metas {
		if d, ok := out[m.DocumentID]; ok {
			d.Metas = append(d.Metas, m)
			out[m.DocumentID] = d
		}
	}
	return out, nil
}

func (s *Postgres) UpdateDocument(ctx context.Context, d Document) error {
	_, err := s.querier(ctx).Exec(ctx, `UPDATE document SET title=$2, web_uri=$3, updated=$4 WHERE id=$1`,
		d.ID, d.Title, d.WebURI, d.Updated)
	return mapError(err, "update document")
}

// ReparentDocuments moves every URI, meta and annotation of the duplicates
// onto master.
func (s *Postgres) ReparentDocuments(ctx context.Context, masterID int64, duplicateIDs []int64) error {
	if len(duplicateIDs) == 0 {
		return nil
	}
	for _, table := range []string{"document_uri", "document_meta", "annotation"} {
		query, args, err := psql.Update(table).
			Set("document_id", masterID).
			Where(sq.Eq{"document_id": duplicateIDs}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build reparent query: %w", err)
		}
		if _, err := s.querier(ctx).Exec(ctx, query, args...); err != nil {
			return mapError(err, "reparent "+table)
		}
	}
	return nil
}

func (s *Postgres) DeleteDocuments(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := psql.Delete("document").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete documents query: %w", err)
	}
	_, err = s.querier(ctx).Exec(ctx, query, args...)
	return mapError(err, "delete documents")
}

func (s *Postgres) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "query documents")
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Title, &d.WebURI, &d.Created, &d.Updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// =============================================================================
// Document URIs and metas
// =============================================================================

const documentURIColumns = "id, document_id, claimant, claimant_normalized, uri, uri_normalized, type, content_type, created, updated"

func (s *Postgres) ListDocumentURIs(ctx context.Context, documentID int64) ([]DocumentURI, error) {
	return s.listDocumentURIs(ctx, sq.Eq{"document_id": documentID})
}

func (s *Postgres) FindDocumentURI(ctx context.Context, key DocumentURIKey) (DocumentURI, error) {
	items, err := s.listDocumentURIs(ctx, sq.Eq{
		"claimant_normalized": key.ClaimantNormalized,
		"uri_normalized":      key.URINormalized,
		"type":                key.Type,
		"content_type":        key.ContentType,
	})
	if err != nil {
		return DocumentURI{}, err
	}
	if len(items) == 0 {
		return DocumentURI{}, fmt.Errorf("find document uri: %w", ErrNotFound)
	}
	return items[0], nil
}

func (s *Postgres) InsertDocumentURI(ctx context.Context, u DocumentURI) (DocumentURI, error) {
	err := s.querier(ctx).QueryRow(ctx, `
		INSERT INTO document_uri (document_id, claimant, claimant_normalized, uri, uri_normalized, type, content_type, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, u.DocumentID, u.Claimant, u.ClaimantNormalized, u.URI, u.URINormalized, u.Type, u.ContentType, u.Created, u.Updated).Scan(&u.ID)
	if err != nil {
		return DocumentURI{}, mapError(err, "insert document uri")
	}
	return u, nil
}

func (s *Postgres) TouchDocumentURI(ctx context.Context, id int64, updated time.Time) error {
	_, err := s.querier(ctx).Exec(ctx, `UPDATE document_uri SET updated=$2 WHERE id=$1`, id, updated)
	return mapError(err, "touch document uri")
}

func (s *Postgres) listDocumentURIs(ctx context.Context, where sq.Sqlizer) ([]DocumentURI, error) {
	query, args, err := psql.Select(documentURIColumns).From("document_uri").Where(where).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build document uri query: %w", err)
	}
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list document uris")
	}
	defer rows.Close()

	items := make([]DocumentURI, 0)
	for rows.Next() {
		var u DocumentURI
		if err := rows.Scan(&u.ID, &u.DocumentID, &u.Claimant, &u.ClaimantNormalized, &u.URI, &u.URINormalized,
			&u.Type, &u.ContentType, &u.Created, &u.Updated); err != nil {
			return nil, fmt.Errorf("scan document uri: %w", err)
		}
		items = append(items, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document uris: %w", err)
	}
	return items, nil
}

const documentMetaColumns = "id, document_id, claimant, claimant_normalized, type, value, created, updated"

func (s *Postgres) ListDocumentMetas(ctx context.Context, documentID int64) ([]DocumentMeta, error) {
	return s.listDocumentMetas(ctx, sq.Eq{"document_id": documentID})
}

func (s *Postgres) FindDocumentMeta(ctx context.Context, claimantNormalized, metaType string) (DocumentMeta, error) {
	items, err := s.listDocumentMetas(ctx, sq.Eq{"claimant_normalized": claimantNormalized, "type": metaType})
	if err != nil {
		return DocumentMeta{}, err
	}
	if len(items) == 0 {
		return DocumentMeta{}, fmt.Errorf("find document meta: %w", ErrNotFound)
	}
	return items[0], nil
}

func (s *Postgres) InsertDocumentMeta(ctx context.Context, m DocumentMeta) (DocumentMeta, error) {
	err := s.querier(ctx).QueryRow(ctx, `
		INSERT INTO document_meta (document_id, claimant, claimant_normalized, type, value, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, m.DocumentID, m.Claimant, m.ClaimantNormalized, m.Type, nonNilStrings(m.Value), m.Created, m.Updated).Scan(&m.ID)
	if err != nil {
		return DocumentMeta{}, mapError(err, "insert document meta")
	}
	return m, nil
}

func (s *Postgres) UpdateDocumentMeta(ctx context.Context, id int64, value []string, updated time.Time) error {
	_, err := s.querier(ctx).Exec(ctx, `UPDATE document_meta SET value=$2, updated=$3 WHERE id=$1`, id, nonNilStrings(value), updated)
	return mapError(err, "update document meta")
}

func (s *Postgres) listDocumentMetas(ctx context.Context, where sq.Sqlizer) ([]DocumentMeta, error) {
	query, args, err := psql.Select(documentMetaColumns).From("document_meta").Where(where).OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build document meta query: %w", err)
	}
	rows, err := s.querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list document metas")
	}
	defer rows.Close()

	items := make([]DocumentMeta, 0)
	for rows.Next() {
		var m DocumentMeta
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Claimant, &m.ClaimantNormalized, &m.Type, &m.Value,
			&m.Created, &m.Updated); err != nil {
			return nil, fmt.Errorf("scan document meta: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document metas: %w", err)
	}
	return items, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func (s *Postgres) Ping(ctx context.Context) error {
	_, err := s.querier(ctx).Exec(ctx, "SELECT 1")
	return err
}
