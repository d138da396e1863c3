package search

import (
	"context"

	"github.com/hypothesis/h-sub003/internal/rbac"
)

// Request is what registered factories see of the search being built.
type Request struct {
	Ctx        context.Context
	User       rbac.User
	Principals []string
}

type FilterFactory func(req Request) Filter
type MatcherFactory func(req Request) Matcher

// Registry holds filter and matcher factories contributed from outside the
// search package. They are applied after the built-in clauses, in
// registration order.
type Registry struct {
	filters  []FilterFactory
	matchers []MatcherFactory
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) RegisterFilter(f FilterFactory) {
	r.filters = append(r.filters, f)
}

func (r *Registry) RegisterMatcher(m MatcherFactory) {
	r.matchers = append(r.matchers, m)
}

func (r *Registry) apply(b *Builder, req Request) {
	if r == nil {
		return
	}
	for _, f := range r.filters {
		b.AppendFilter(f(req))
	}
	for _, m := range r.matchers {
		b.AppendMatcher(m(req))
	}
}
