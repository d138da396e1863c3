package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/hypothesis/h-sub003/internal/store"
	"github.com/hypothesis/h-sub003/internal/util"
)

// AncestorFetcher loads an annotation by id. It returns store.ErrNotFound
// or util.ErrInvalidID when there is no such annotation, or when the caller
// may not read it.
type AncestorFetcher func(ctx context.Context, id string) (store.Annotation, error)

// InheritGroup makes a reply belong to the group of its thread root. The
// root's group replaces whatever the client sent, including an empty one.
func InheritGroup(ctx context.Context, ann *store.Annotation, fetch AncestorFetcher) error {
	if !ann.IsReply() {
		return nil
	}
	rootID := ann.ThreadRoot()
	root, err := fetch(ctx, rootID)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, util.ErrInvalidID):
		return validationError("references.0", fmt.Sprintf("annotation %s does not exist", rootID))
	case err != nil:
		return fmt.Errorf("fetch thread root: %w", err)
	case root.Deleted:
		return validationError("references.0", fmt.Sprintf("annotation %s does not exist", rootID))
	}
	ann.GroupID = root.GroupID
	return nil
}
