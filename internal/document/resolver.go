package document

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"time"

	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/store"
	"github.com/hypothesis/h-sub003/internal/uri"
)

const (
	TypeSelfClaim    = "self-claim"
	TypeRelCanonical = "rel-canonical"
)

// ErrConcurrentCreate means another writer created the same DocumentURI or
// DocumentMeta first. The whole operation can be retried.
var ErrConcurrentCreate = errors.New("concurrent document create")

type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	FindDocumentsByURIs(ctx context.Context, uris []string) ([]store.Document, error)
	InsertDocument(ctx context.Context, d store.Document) (store.Document, error)
	GetDocument(ctx context.Context, id int64) (store.Document, error)
	UpdateDocument(ctx context.Context, d store.Document) error
	ReparentDocuments(ctx context.Context, masterID int64, duplicateIDs []int64) error
	DeleteDocuments(ctx context.Context, ids []int64) error
	ListDocumentURIs(ctx context.Context, documentID int64) ([]store.DocumentURI, error)
	FindDocumentURI(ctx context.Context, key store.DocumentURIKey) (store.DocumentURI, error)
	InsertDocumentURI(ctx context.Context, u store.DocumentURI) (store.DocumentURI, error)
	TouchDocumentURI(ctx context.Context, id int64, updated time.Time) error
	FindDocumentMeta(ctx context.Context, claimantNormalized, metaType string) (store.DocumentMeta, error)
	InsertDocumentMeta(ctx context.Context, m store.DocumentMeta) (store.DocumentMeta, error)
	UpdateDocumentMeta(ctx context.Context, id int64, value []string, updated time.Time) error
}

// URIClaim is a claimant's statement that URI identifies its document.
type URIClaim struct {
	Claimant    string
	URI         string
	Type        string
	ContentType string
}

// MetaClaim is one metadata value list asserted by a claimant.
type MetaClaim struct {
	Claimant string
	Type     string
	Value    []string
}

type Resolver struct {
	store Store
	log   *logger.Logger
}

func NewResolver(s Store, log *logger.Logger) *Resolver {
	return &Resolver{store: s, log: log.With("component", "document")}
}

// FindOrCreateByURIs returns every Document known under claimant or any of
// uris. When none exists a new Document is created with a self-claim for
// claimant.
func (r *Resolver) FindOrCreateByURIs(ctx context.Context, claimant string, uris []string, created, updated time.Time) ([]store.Document, error) {
	candidates := []string{uri.Normalize(claimant)}
	for _, u := range uris {
		n := uri.Normalize(u)
		if !slices.Contains(candidates, n) {
			candidates = append(candidates, n)
		}
	}

	docs, err := r.store.FindDocumentsByURIs(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	if len(docs) > 0 {
		return docs, nil
	}

	doc, err := r.store.InsertDocument(ctx, store.Document{Created: created, Updated: updated})
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	_, err = r.store.InsertDocumentURI(ctx, store.DocumentURI{
		DocumentID:         doc.ID,
		Claimant:           claimant,
		ClaimantNormalized: uri.Normalize(claimant),
		URI:                claimant,
		URINormalized:      uri.Normalize(claimant),
		Type:               TypeSelfClaim,
		Created:            created,
		Updated:            updated,
	})
	if err != nil {
		return nil, conflictAsConcurrent(err, "create self-claim")
	}
	return []store.Document{doc}, nil
}

// Merge folds docs into the one with the lowest id. URIs, metas and
// annotations of the others move to it and the others are deleted. Running
// Merge again over the same set is a no-op apart from the updated stamp.
func (r *Resolver) Merge(ctx context.Context, docs []store.Document, updated time.Time) (store.Document, error) {
	if len(docs) == 0 {
		return store.Document{}, errors.New("merge: no documents")
	}
	sorted := slices.Clone(docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	master := sorted[0]

	duplicates := make([]int64, 0, len(sorted)-1)
	for _, d := range sorted[1:] {
		if d.ID == master.ID {
			continue
		}
		duplicates = append(duplicates, d.ID)
		if d.Updated.After(updated) {
			updated = d.Updated
		}
		if master.Title == "" {
			master.Title = d.Title
		}
		if master.WebURI == "" {
			master.WebURI = d.WebURI
		}
	}
	if master.Updated.After(updated) {
		updated = master.Updated
	}

	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := r.store.ReparentDocuments(ctx, master.ID, duplicates); err != nil {
			return err
		}
		if err := r.store.DeleteDocuments(ctx, duplicates); err != nil {
			return err
		}
		master.Updated = updated
		return r.store.UpdateDocument(ctx, master)
	})
	if err != nil {
		return store.Document{}, fmt.Errorf("merge documents: %w", err)
	}
	if len(duplicates) > 0 {
		r.log.Info("merged documents", "master", master.ID, "duplicates", duplicates)
	}
	return r.store.GetDocument(ctx, master.ID)
}

func (r *Resolver) CreateOrUpdateDocumentURI(ctx context.Context, documentID int64, claim URIClaim, created, updated time.Time) error {
	u := store.DocumentURI{
		DocumentID:         documentID,
		Claimant:           claim.Claimant,
		ClaimantNormalized: uri.Normalize(claim.Claimant),
		URI:                claim.URI,
		URINormalized:      uri.Normalize(claim.URI),
		Type:               claim.Type,
		ContentType:        claim.ContentType,
		Created:            created,
		Updated:            updated,
	}

	existing, err := r.store.FindDocumentURI(ctx, u.Key())
	switch {
	case err == nil:
		if existing.DocumentID != documentID {
			r.log.Warn("document uri belongs to another document",
				"uri", claim.URI, "owner", existing.DocumentID, "document", documentID)
		}
		return r.store.TouchDocumentURI(ctx, existing.ID, updated)
	case errors.Is(err, store.ErrNotFound):
		_, err = r.store.InsertDocumentURI(ctx, u)
		return conflictAsConcurrent(err, "create document uri")
	default:
		return fmt.Errorf("find document uri: %w", err)
	}
}

func (r *Resolver) CreateOrUpdateDocumentMeta(ctx context.Context, documentID int64, claim MetaClaim, created, updated time.Time) error {
	claimantNormalized := uri.Normalize(claim.Claimant)

	existing, err := r.store.FindDocumentMeta(ctx, claimantNormalized, claim.Type)
	switch {
	case err == nil:
		if existing.DocumentID != documentID {
			r.log.Warn("document meta belongs to another document",
				"type", claim.Type, "owner", existing.DocumentID, "document", documentID)
		}
		return r.store.UpdateDocumentMeta(ctx, existing.ID, claim.Value, updated)
	case errors.Is(err, store.ErrNotFound):
		_, err = r.store.InsertDocumentMeta(ctx, store.DocumentMeta{
			DocumentID:         documentID,
			Claimant:           claim.Claimant,
			ClaimantNormalized: claimantNormalized,
			Type:               claim.Type,
			Value:              claim.Value,
			Created:            created,
			Updated:            updated,
		})
		return conflictAsConcurrent(err, "create document meta")
	default:
		return fmt.Errorf("find document meta: %w", err)
	}
}

// UpdateDocumentMetadata resolves the Document for ann from its target uri and
// uri claims, merging duplicates, then records every claim against it. On
// success ann.DocumentID is set.
func (r *Resolver) UpdateDocumentMetadata(ctx context.Context, ann *store.Annotation, metas []MetaClaim, uris []URIClaim) (store.Document, error) {
	var doc store.Document
	err := r.store.RunInTx(ctx, func(ctx context.Context) error {
		candidates := make([]string, 0, len(uris))
		for _, c := range uris {
			candidates = append(candidates, c.URI)
		}
		docs, err := r.FindOrCreateByURIs(ctx, ann.TargetURI, candidates, ann.Created, ann.Updated)
		if err != nil {
			return err
		}
		doc = docs[0]
		if len(docs) > 1 {
			if doc, err = r.Merge(ctx, docs, ann.Updated); err != nil {
				return err
			}
		}

		for _, c := range uris {
			if err := r.CreateOrUpdateDocumentURI(ctx, doc.ID, c, ann.Created, ann.Updated); err != nil {
				return err
			}
		}
		for _, m := range metas {
			if err := r.CreateOrUpdateDocumentMeta(ctx, doc.ID, m, ann.Created, ann.Updated); err != nil {
				return err
			}
		}

		doc, err = r.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		if title := titleFromMetas(doc.Metas); title != "" {
			doc.Title = title
		}
		if web := webURI(doc.URIs); web != "" {
			doc.WebURI = web
		}
		if ann.Updated.After(doc.Updated) {
			doc.Updated = ann.Updated
		}
		return r.store.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return store.Document{}, err
	}
	ann.DocumentID = doc.ID
	return doc, nil
}

// ExpandURI returns every URI known for the document of raw. A match on a
// rel-canonical claim returns raw alone.
func (r *Resolver) ExpandURI(ctx context.Context, raw string) ([]string, error) {
	docs, err := r.store.FindDocumentsByURIs(ctx, []string{uri.Normalize(raw)})
	if err != nil {
		return nil, fmt.Errorf("find documents: %w", err)
	}
	if len(docs) == 0 {
		return []string{raw}, nil
	}
	docURIs, err := r.store.ListDocumentURIs(ctx, docs[0].ID)
	if err != nil {
		return nil, fmt.Errorf("list document uris: %w", err)
	}

	out := make([]string, 0, len(docURIs))
	for _, du := range docURIs {
		if du.URI == raw && du.Type == TypeRelCanonical {
			return []string{raw}, nil
		}
		if !slices.Contains(out, du.URI) {
			out = append(out, du.URI)
		}
	}
	if len(out) == 0 {
		return []string{raw}, nil
	}
	return out, nil
}

func titleFromMetas(metas []store.DocumentMeta) string {
	for _, m := range metas {
		if m.Type == "title" && len(m.Value) > 0 {
			return m.Value[0]
		}
	}
	return ""
}

// webURI prefers an http(s) self-claim, then an http(s) rel-canonical, then
// any http(s) uri.
func webURI(uris []store.DocumentURI) string {
	first := func(typ string) string {
		for _, u := range uris {
			if typ != "" && u.Type != typ {
				continue
			}
			parsed, err := url.Parse(u.URI)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				continue
			}
			return u.URI
		}
		return ""
	}
	for _, typ := range []string{TypeSelfClaim, TypeRelCanonical, ""} {
		if u := first(typ); u != "" {
			return u
		}
	}
	return ""
}

func conflictAsConcurrent(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s: %w: %v", op, ErrConcurrentCreate, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
