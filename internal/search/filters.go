package search

import (
	"net/url"
	"slices"
	"strings"

	"github.com/hypothesis/h-sub003/internal/rbac"
	"github.com/hypothesis/h-sub003/internal/uri"
)

// Index document fields referenced by clauses.
const (
	FieldID            = "id"
	FieldReaders       = "readers"
	FieldGroup         = "group"
	FieldUser          = "user"
	FieldTags          = "tags"
	FieldText          = "text"
	FieldQuote         = "quote"
	FieldURINormalized = "uri_normalized"
	FieldURI           = "uri"
	FieldReferences    = "references"
)

// AuthFilter limits results to annotations whose read principal is one of
// principals. World and no-group annotations are always visible.
type AuthFilter struct {
	Principals []string
}

func (f AuthFilter) Filter(url.Values) Clause {
	readers := []string{rbac.GroupPrincipal(rbac.WorldGroup), rbac.GroupPrincipal(rbac.NoGroup)}
	for _, p := range f.Principals {
		if p == rbac.Everyone || p == rbac.Authenticated {
			continue
		}
		if !slices.Contains(readers, p) {
			readers = append(readers, p)
		}
	}
	return Terms{Field: FieldReaders, Values: readers}
}

// GroupFilter restricts results to the group named by the "group" param.
type GroupFilter struct{}

func (GroupFilter) Filter(p url.Values) Clause {
	group, ok := pop(p, "group")
	if !ok || group == "" {
		return nil
	}
	return Term{Field: FieldGroup, Value: group}
}

// TopLevelFilter drops replies.
type TopLevelFilter struct{}

func (TopLevelFilter) Filter(url.Values) Clause {
	return Missing{Field: FieldReferences}
}

// AnyMatcher matches each "any" value against the quote, tags, text, uri and
// user fields. Separate values must all match.
type AnyMatcher struct{}

var anyFields = []string{FieldQuote, FieldTags, FieldText, FieldURI, FieldUser}

func (AnyMatcher) Match(p url.Values) Clause {
	return allOf(popAll(p, "any"), func(v string) Clause {
		return MultiMatch{Fields: anyFields, Value: v}
	})
}

type TagsMatcher struct{}

func (TagsMatcher) Match(p url.Values) Clause {
	return allOf(popAll(p, "tag", "tags"), func(v string) Clause {
		return Term{Field: FieldTags, Value: strings.ToLower(v)}
	})
}

type UserMatcher struct{}

func (UserMatcher) Match(p url.Values) Clause {
	return allOf(popAll(p, "user"), func(v string) Clause {
		return Term{Field: FieldUser, Value: strings.ToLower(v)}
	})
}

// FieldMatcher is an analyzed match on one field, one clause per value.
type FieldMatcher struct {
	Field string
}

func (m FieldMatcher) Match(p url.Values) Clause {
	return allOf(popAll(p, m.Field), func(v string) Clause {
		return Match{Field: m.Field, Value: v}
	})
}

// URIMatcher matches the normalized target uri against the "uri" and "url"
// params, which are expected to be expanded already. Any one of them may
// match.
type URIMatcher struct{}

func (URIMatcher) Match(p url.Values) Clause {
	var normalized []string
	for _, raw := range popAll(p, "uri", "url") {
		n := uri.Normalize(raw)
		if !slices.Contains(normalized, n) {
			normalized = append(normalized, n)
		}
	}
	switch len(normalized) {
	case 0:
		return nil
	case 1:
		return Term{Field: FieldURINormalized, Value: normalized[0]}
	}
	should := make([]Clause, 0, len(normalized))
	for _, n := range normalized {
		should = append(should, Term{Field: FieldURINormalized, Value: n})
	}
	return Bool{Should: should, MinimumShouldMatch: 1}
}

// RepliesMatcher selects replies anywhere in the threads of IDs.
type RepliesMatcher struct {
	IDs []string
}

func (m RepliesMatcher) Match(url.Values) Clause {
	return Terms{Field: FieldReferences, Values: m.IDs}
}

func allOf(values []string, clause func(string) Clause) Clause {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return clause(values[0])
	}
	must := make([]Clause, 0, len(values))
	for _, v := range values {
		must = append(must, clause(v))
	}
	return Bool{Must: must}
}
