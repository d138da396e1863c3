package search

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDefaults(t *testing.T) {
	q := NewBuilder().Build(url.Values{})

	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, Sort{Field: "updated", Order: "desc", IgnoreMissing: true}, q.Sort)
	assert.Empty(t, q.Filters)
	assert.Equal(t, []Clause{MatchAll{}}, q.Matchers)
}

func TestBuildPaginationClamping(t *testing.T) {
	cases := []struct {
		name      string
		value     string
		offset    int
		limit     int
		limitWant int
	}{
		{name: "negative", value: "-23", offset: 0, limitWant: 20},
		{name: "float", value: "32.7", offset: 0, limitWant: 20},
		{name: "word", value: "foo", offset: 0, limitWant: 20},
		{name: "empty", value: "", offset: 0, limitWant: 20},
		{name: "valid", value: "7", offset: 7, limitWant: 7},
		{name: "zero", value: "0", offset: 0, limitWant: 0},
		{name: "over max", value: "1000", offset: 1000, limitWant: 200},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := NewBuilder().Build(url.Values{"offset": {tc.value}, "limit": {tc.value}})
			assert.Equal(t, tc.offset, q.Offset)
			assert.Equal(t, tc.limitWant, q.Limit)
		})
	}
}

func TestBuildSortAndOrder(t *testing.T) {
	q := NewBuilder().Build(url.Values{"sort": {"created"}, "order": {"asc"}})
	assert.Equal(t, "created", q.Sort.Field)
	assert.Equal(t, "asc", q.Sort.Order)

	q = NewBuilder().Build(url.Values{"order": {"sideways"}})
	assert.Equal(t, "desc", q.Sort.Order)
}

func TestBuildDoesNotMutateParams(t *testing.T) {
	params := url.Values{"limit": {"5"}, "tags": {"a"}}
	b := NewBuilder()
	b.AppendMatcher(TagsMatcher{})
	b.Build(params)

	assert.Equal(t, url.Values{"limit": {"5"}, "tags": {"a"}}, params)
}

func TestBuildRepeatedValuesAreAnded(t *testing.T) {
	b := NewBuilder()
	b.AppendMatcher(TagsMatcher{})
	b.AppendMatcher(UserMatcher{})
	b.AppendMatcher(FieldMatcher{Field: FieldText})

	q := b.Build(url.Values{
		"tags": {"Foo", "bar"},
		"user": {"acct:Alice@example.com"},
		"text": {"one", "two"},
	})

	require.Len(t, q.Matchers, 3)
	assert.Equal(t, Bool{Must: []Clause{
		Term{Field: FieldTags, Value: "foo"},
		Term{Field: FieldTags, Value: "bar"},
	}}, q.Matchers[0])
	assert.Equal(t, Term{Field: FieldUser, Value: "acct:alice@example.com"}, q.Matchers[1])
	assert.Equal(t, Bool{Must: []Clause{
		Match{Field: FieldText, Value: "one"},
		Match{Field: FieldText, Value: "two"},
	}}, q.Matchers[2])
}

func TestBuildUnknownKeysBecomeMatches(t *testing.T) {
	q := NewBuilder().Build(url.Values{"zeta": {"1", "2"}, "alpha": {"x"}})

	assert.Equal(t, []Clause{
		Match{Field: "alpha", Value: "x"},
		Match{Field: "zeta", Value: "1"},
		Match{Field: "zeta", Value: "2"},
	}, q.Matchers)
}

func TestAnyMatcher(t *testing.T) {
	b := NewBuilder()
	b.AppendMatcher(AnyMatcher{})

	q := b.Build(url.Values{"any": {"foo"}})

	assert.Equal(t, []Clause{MultiMatch{Fields: []string{"quote", "tags", "text", "uri", "user"}, Value: "foo"}}, q.Matchers)
}

func TestURIMatcher(t *testing.T) {
	b := NewBuilder()
	b.AppendMatcher(URIMatcher{})

	single := b.Build(url.Values{"uri": {"HTTP://Example.com/"}})
	assert.Equal(t, []Clause{Term{Field: FieldURINormalized, Value: "http://example.com"}}, single.Matchers)

	multi := b.Build(url.Values{"uri": {"http://example.com/", "http://example.com"}, "url": {"http://example.org/a"}})
	assert.Equal(t, []Clause{Bool{
		Should: []Clause{
			Term{Field: FieldURINormalized, Value: "http://example.com"},
			Term{Field: FieldURINormalized, Value: "http://example.org/a"},
		},
		MinimumShouldMatch: 1,
	}}, multi.Matchers)
}

func TestAuthFilter(t *testing.T) {
	clause := AuthFilter{Principals: []string{"system.Everyone", "system.Authenticated", "acct:alice@example.com", "group:__none__", "group:physics"}}.Filter(nil)

	assert.Equal(t, Terms{Field: FieldReaders, Values: []string{
		"group:__world__", "group:__none__", "acct:alice@example.com", "group:physics",
	}}, clause)
}

func TestGroupFilter(t *testing.T) {
	b := NewBuilder()
	b.AppendFilter(GroupFilter{})

	q := b.Build(url.Values{"group": {"physics"}})
	assert.Equal(t, []Clause{Term{Field: FieldGroup, Value: "physics"}}, q.Filters)
	assert.Equal(t, []Clause{MatchAll{}}, q.Matchers, "group is consumed by the filter")

	assert.Empty(t, b.Build(url.Values{}).Filters)
}

func TestRegistryAppliesInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var seen []string
	r.RegisterFilter(func(req Request) Filter {
		return FilterFunc(func(url.Values) Clause {
			seen = append(seen, "first")
			return Term{Field: "deleted", Value: "false"}
		})
	})
	r.RegisterFilter(func(req Request) Filter {
		return FilterFunc(func(url.Values) Clause {
			seen = append(seen, "second")
			return nil
		})
	})
	r.RegisterMatcher(func(req Request) Matcher {
		return MatcherFunc(func(p url.Values) Clause {
			v, _ := pop(p, "nipsa")
			return Term{Field: "nipsa", Value: v}
		})
	})

	b := NewBuilder()
	r.apply(b, Request{})
	q := b.Build(url.Values{"nipsa": {"true"}})

	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, []Clause{Term{Field: "deleted", Value: "false"}}, q.Filters)
	assert.Equal(t, []Clause{Term{Field: "nipsa", Value: "true"}}, q.Matchers)
}
