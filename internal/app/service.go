package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hypothesis/h-sub003/internal/document"
	"github.com/hypothesis/h-sub003/internal/events"
	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/presenter"
	"github.com/hypothesis/h-sub003/internal/rbac"
	"github.com/hypothesis/h-sub003/internal/store"
	"github.com/hypothesis/h-sub003/internal/uri"
	"github.com/hypothesis/h-sub003/internal/util"
)

type dataStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetAnnotation(ctx context.Context, id string) (store.Annotation, error)
	InsertAnnotation(ctx context.Context, a store.Annotation) error
	UpdateAnnotation(ctx context.Context, a store.Annotation) error
	DeleteAnnotation(ctx context.Context, id string, updated time.Time) error
	GetDocument(ctx context.Context, id int64) (store.Document, error)
}

type documentResolver interface {
	UpdateDocumentMetadata(ctx context.Context, ann *store.Annotation, metas []document.MetaClaim, uris []document.URIClaim) (store.Document, error)
}

// Service creates, updates, deletes and reads annotations. Every committed
// write is announced through the publisher.
type Service struct {
	store     dataStore
	documents documentResolver
	publisher events.Publisher
	log       *logger.Logger
	now       func() time.Time
}

func New(s dataStore, documents documentResolver, publisher events.Publisher, log *logger.Logger) *Service {
	return &Service{
		store:     s,
		documents: documents,
		publisher: publisher,
		log:       log.With("component", "annotations"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Create(ctx context.Context, user rbac.User, in AnnotationInput) (map[string]any, error) {
	if !user.LoggedIn() {
		return nil, domainError(http.StatusForbidden, CodeForbidden, "you must be logged in to create annotations", nil)
	}
	if in.URI == "" {
		return nil, validationError("uri", "uri is required")
	}

	now := s.now()
	ann := store.Annotation{
		ID:                  util.NewID(),
		UserID:              user.UserID,
		GroupID:             in.Group,
		Text:                in.Text,
		Tags:                in.Tags,
		TargetURI:           in.URI,
		TargetURINormalized: uri.Normalize(in.URI),
		TargetSelectors:     in.selectors(),
		References:          in.References,
		Extra:               in.Extra,
		Created:             now,
		Updated:             now,
	}
	if ann.GroupID == "" {
		ann.GroupID = rbac.WorldGroup
	}
	principals := rbac.EffectivePrincipals(user)
	if err := InheritGroup(ctx, &ann, s.readableBy(principals)); err != nil {
		return nil, err
	}
	if err := rbac.CheckGroupPermissions(principals, ann.GroupID); err != nil {
		return nil, validationError("group", err.Error())
	}
	if in.Permissions != nil {
		ann.Shared = rbac.SharedIn(*in.Permissions, ann.GroupID)
	}

	var doc store.Document
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		doc, err = s.documents.UpdateDocumentMetadata(ctx, &ann,
			document.MetasFromData(in.Document, ann.TargetURI),
			document.URIsFromData(in.Document, ann.TargetURI))
		if err != nil {
			return fmt.Errorf("update document metadata: %w", err)
		}
		return s.store.InsertAnnotation(ctx, ann)
	})
	if err != nil {
		return nil, err
	}

	out := presenter.AnnotationJSON(ann, &doc)
	s.publish(ctx, events.ActionCreate, ann.ID, out)
	return out, nil
}

// Update applies the fields present in in. References cannot change and the
// group of an annotation is fixed at creation.
func (s *Service) Update(ctx context.Context, user rbac.User, id string, in AnnotationInput) (map[string]any, error) {
	principals := rbac.EffectivePrincipals(user)
	ann, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	acl := rbac.AnnotationACL(ann)
	if !acl.Permits(principals, rbac.ActionRead) {
		return nil, notFound(id)
	}
	if !acl.Permits(principals, rbac.ActionUpdate) {
		return nil, domainError(http.StatusForbidden, CodeForbidden, "you may not update this annotation", nil)
	}

	if in.Has("group") && in.Group != ann.GroupID {
		return nil, validationError("group", "annotations cannot be moved between groups")
	}
	if in.Has("permissions") && in.Permissions != nil {
		shared := rbac.SharedIn(*in.Permissions, ann.GroupID)
		if shared != ann.Shared {
			if !acl.Permits(principals, rbac.ActionAdmin) {
				return nil, validationError("permissions", "you may not change the permissions on this annotation")
			}
			ann.Shared = shared
		}
	}

	if in.Has("uri") {
		if in.URI == "" {
			return nil, validationError("uri", "uri must not be empty")
		}
		ann.TargetURI = in.URI
		ann.TargetURINormalized = uri.Normalize(in.URI)
	}
	if in.Has("text") {
		ann.Text = in.Text
	}
	if in.Has("tags") {
		ann.Tags = in.Tags
	}
	if in.Has("target") {
		ann.TargetSelectors = in.selectors()
	}
	if len(in.Extra) > 0 {
		if ann.Extra == nil {
			ann.Extra = make(map[string]any, len(in.Extra))
		}
		for k, v := range in.Extra {
			ann.Extra[k] = v
		}
	}
	ann.Updated = s.now()

	var doc *store.Document
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		if in.Has("uri") || in.Has("document") {
			d, err := s.documents.UpdateDocumentMetadata(ctx, &ann,
				document.MetasFromData(in.Document, ann.TargetURI),
				document.URIsFromData(in.Document, ann.TargetURI))
			if err != nil {
				return fmt.Errorf("update document metadata: %w", err)
			}
			doc = &d
		}
		return s.store.UpdateAnnotation(ctx, ann)
	})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		if doc, err = s.document(ctx, ann.DocumentID); err != nil {
			return nil, err
		}
	}

	out := presenter.AnnotationJSON(ann, doc)
	s.publish(ctx, events.ActionUpdate, ann.ID, out)
	return out, nil
}

func (s *Service) Delete(ctx context.Context, user rbac.User, id string) error {
	principals := rbac.EffectivePrincipals(user)
	ann, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	acl := rbac.AnnotationACL(ann)
	if !acl.Permits(principals, rbac.ActionRead) {
		return notFound(id)
	}
	if !acl.Permits(principals, rbac.ActionDelete) {
		return domainError(http.StatusForbidden, CodeForbidden, "you may not delete this annotation", nil)
	}

	ann.Updated = s.now()
	if err := s.store.DeleteAnnotation(ctx, ann.ID, ann.Updated); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(id)
		}
		return err
	}
	ann.Deleted = true

	doc, err := s.document(ctx, ann.DocumentID)
	if err != nil {
		s.log.Warn("load document of deleted annotation", "annotation", ann.ID, "error", err)
	}
	s.publish(ctx, events.ActionDelete, ann.ID, presenter.AnnotationJSON(ann, doc))
	return nil
}

// Get renders an annotation the caller may read. Unreadable annotations are
// reported as missing.
func (s *Service) Get(ctx context.Context, user rbac.User, id string) (map[string]any, error) {
	ann, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rbac.AnnotationACL(ann).Permits(rbac.EffectivePrincipals(user), rbac.ActionRead) {
		return nil, notFound(id)
	}
	doc, err := s.document(ctx, ann.DocumentID)
	if err != nil {
		return nil, err
	}
	return presenter.AnnotationJSON(ann, doc), nil
}

func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// readableBy fetches annotations for principals, reporting the ones they
// cannot read as not found.
func (s *Service) readableBy(principals []string) AncestorFetcher {
	return func(ctx context.Context, id string) (store.Annotation, error) {
		ann, err := s.store.GetAnnotation(ctx, id)
		if err != nil || ann.Deleted {
			return ann, err
		}
		if !rbac.AnnotationACL(ann).Permits(principals, rbac.ActionRead) {
			return store.Annotation{}, fmt.Errorf("annotation %s: %w", id, store.ErrNotFound)
		}
		return ann, nil
	}
}

// load fetches a live annotation, translating lookup failures into domain
// errors.
func (s *Service) load(ctx context.Context, id string) (store.Annotation, error) {
	ann, err := s.store.GetAnnotation(ctx, id)
	switch {
	case errors.Is(err, util.ErrInvalidID):
		return store.Annotation{}, domainError(http.StatusNotFound, CodeInvalidID, fmt.Sprintf("%q is not a valid annotation id", id), nil)
	case errors.Is(err, store.ErrNotFound):
		return store.Annotation{}, notFound(id)
	case err != nil:
		return store.Annotation{}, err
	case ann.Deleted:
		return store.Annotation{}, notFound(id)
	}
	return ann, nil
}

func (s *Service) document(ctx context.Context, id int64) (*store.Document, error) {
	if id == 0 {
		return nil, nil
	}
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// publish runs after commit; a failure here cannot undo the write so it is
// only logged. The reconcile loop repairs the index.
func (s *Service) publish(ctx context.Context, action events.Action, id string, rendered map[string]any) {
	if s.publisher == nil {
		return
	}
	ev := events.Event{Action: action, AnnotationID: id, Annotation: rendered}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Error("publish annotation event", "action", action, "annotation", id, "error", err)
	}
}

func notFound(id string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, fmt.Sprintf("annotation %s not found", id), nil)
}
