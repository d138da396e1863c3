// Package presenter renders annotations into their API and search index
// shapes.
package presenter

import (
	"strings"
	"time"

	"github.com/hypothesis/h-sub003/internal/rbac"
	"github.com/hypothesis/h-sub003/internal/store"
)

const TimestampFormat = "2006-01-02T15:04:05.000000+00:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// AnnotationJSON renders ann in its persisted API shape. Extra fields are laid
// down first so explicit fields always win. doc may be nil.
func AnnotationJSON(ann store.Annotation, doc *store.Document) map[string]any {
	out := make(map[string]any, len(ann.Extra)+12)
	for k, v := range ann.Extra {
		out[k] = v
	}

	perms := rbac.PresentedPermissions(ann)
	out["id"] = ann.ID
	out["created"] = FormatTime(ann.Created)
	out["updated"] = FormatTime(ann.Updated)
	out["user"] = ann.UserID
	out["uri"] = ann.TargetURI
	out["text"] = ann.Text
	out["tags"] = nonNil(ann.Tags)
	out["group"] = ann.GroupID
	out["permissions"] = map[string]any{
		"read":   perms.Read,
		"update": perms.Update,
		"delete": perms.Delete,
		"admin":  perms.Admin,
	}
	out["target"] = []any{target(ann)}
	out["document"] = documentJSON(doc)
	if len(ann.References) > 0 {
		out["references"] = append([]string(nil), ann.References...)
	} else {
		delete(out, "references")
	}
	return out
}

// IndexDocument renders ann for the search index: the API shape plus the
// normalized target scope, lower-cased user and tags, the read principal and
// the flattened quote.
func IndexDocument(ann store.Annotation, doc *store.Document) map[string]any {
	out := AnnotationJSON(ann, doc)

	tgt := target(ann)
	tgt["scope"] = []string{ann.TargetURINormalized}
	out["target"] = []any{tgt}

	tags := make([]string, 0, len(ann.Tags))
	for _, tag := range ann.Tags {
		tags = append(tags, strings.ToLower(tag))
	}
	out["tags"] = tags
	out["tags_raw"] = nonNil(ann.Tags)
	out["user"] = strings.ToLower(ann.UserID)
	out["user_raw"] = ann.UserID
	out["shared"] = ann.Shared
	out["readers"] = rbac.PresentedPermissions(ann).Read
	out["uri_normalized"] = ann.TargetURINormalized
	out["quote"] = quote(ann)
	out["references"] = nonNil(ann.References)
	return out
}

func target(ann store.Annotation) map[string]any {
	t := map[string]any{"source": ann.TargetURI}
	if len(ann.TargetSelectors) > 0 {
		selectors := make([]any, 0, len(ann.TargetSelectors))
		for _, s := range ann.TargetSelectors {
			selectors = append(selectors, s)
		}
		t["selector"] = selectors
	}
	return t
}

func documentJSON(doc *store.Document) map[string]any {
	out := map[string]any{}
	if doc == nil {
		return out
	}
	if doc.Title != "" {
		out["title"] = []string{doc.Title}
	}
	if doc.WebURI != "" {
		out["web_uri"] = doc.WebURI
	}
	return out
}

func quote(ann store.Annotation) string {
	var parts []string
	for _, s := range ann.TargetSelectors {
		if s["type"] != "TextQuoteSelector" {
			continue
		}
		if exact, ok := s["exact"].(string); ok && exact != "" {
			parts = append(parts, exact)
		}
	}
	return strings.Join(parts, "\n")
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
