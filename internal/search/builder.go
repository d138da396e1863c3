package search

import (
	"net/url"
	"sort"
	"strconv"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
	DefaultSort  = "updated"
	DefaultOrder = OrderDesc
)

// Filter restricts results. It may consume the params it handles and
// returns nil when it has nothing to add.
type Filter interface {
	Filter(params url.Values) Clause
}

// Matcher adds a scoring clause. Like Filter it consumes its own params.
type Matcher interface {
	Match(params url.Values) Clause
}

type FilterFunc func(params url.Values) Clause

func (f FilterFunc) Filter(params url.Values) Clause { return f(params) }

type MatcherFunc func(params url.Values) Clause

func (f MatcherFunc) Match(params url.Values) Clause { return f(params) }

// Builder turns search API parameters into a Query. Filters and matchers run
// in the order they were appended; whatever params remain afterwards become
// one Match clause per value.
type Builder struct {
	filters  []Filter
	matchers []Matcher
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) AppendFilter(f Filter) {
	b.filters = append(b.filters, f)
}

func (b *Builder) AppendMatcher(m Matcher) {
	b.matchers = append(b.matchers, m)
}

func (b *Builder) Build(params url.Values) Query {
	p := cloneValues(params)

	q := Query{
		Offset: extractInt(p, "offset", 0, -1),
		Limit:  extractInt(p, "limit", DefaultLimit, MaxLimit),
		Sort:   extractSort(p),
	}

	for _, f := range b.filters {
		if c := f.Filter(p); c != nil {
			q.Filters = append(q.Filters, c)
		}
	}
	for _, m := range b.matchers {
		if c := m.Match(p); c != nil {
			q.Matchers = append(q.Matchers, c)
		}
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range p[k] {
			q.Matchers = append(q.Matchers, Match{Field: k, Value: v})
		}
	}

	if len(q.Matchers) == 0 {
		q.Matchers = []Clause{MatchAll{}}
	}
	return q
}

// extractInt pops key and parses it as a non-negative integer. Anything else
// yields def. A positive max caps the value.
func extractInt(p url.Values, key string, def, max int) int {
	raw, ok := pop(p, key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

func extractSort(p url.Values) Sort {
	s := Sort{Field: DefaultSort, Order: DefaultOrder, IgnoreMissing: true}
	if field, ok := pop(p, "sort"); ok && field != "" {
		s.Field = field
	}
	if order, ok := pop(p, "order"); ok && (order == OrderAsc || order == OrderDesc) {
		s.Order = order
	}
	return s
}

// pop removes key and returns its first value.
func pop(p url.Values, key string) (string, bool) {
	values, ok := p[key]
	if !ok {
		return "", false
	}
	delete(p, key)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// popAll removes every key and returns their values in key order.
func popAll(p url.Values, keys ...string) []string {
	var out []string
	for _, k := range keys {
		out = append(out, p[k]...)
		delete(p, k)
	}
	return out
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
