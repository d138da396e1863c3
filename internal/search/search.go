package search

import (
	"context"
	"errors"
)

// Clause is a node of the backend-neutral query tree. Executors translate it
// into Meilisearch filters or SQL.
type Clause interface {
	clause()
}

// Term matches documents whose field equals Value exactly.
type Term struct {
	Field string
	Value string
}

// Terms matches documents whose field equals any of Values.
type Terms struct {
	Field  string
	Values []string
}

// Match is an analyzed full-text match on a single field.
type Match struct {
	Field string
	Value string
}

// MultiMatch is an analyzed match of Value against any of Fields.
type MultiMatch struct {
	Fields []string
	Value  string
}

// Bool requires every Must clause and at least MinimumShouldMatch of Should.
type Bool struct {
	Must               []Clause
	Should             []Clause
	MinimumShouldMatch int
}

// Missing matches documents where Field is absent or empty.
type Missing struct {
	Field string
}

type MatchAll struct{}

func (Term) clause()       {}
func (Terms) clause()      {}
func (Match) clause()      {}
func (MultiMatch) clause() {}
func (Bool) clause()       {}
func (Missing) clause()    {}
func (MatchAll) clause()   {}

const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Sort orders results by a single field. Documents missing the field are
// tolerated and sort last.
type Sort struct {
	Field         string
	Order         string
	IgnoreMissing bool
}

// Query is the output of Builder.Build. Filters restrict the result set,
// Matchers score it; both are conjunctive.
type Query struct {
	Offset   int
	Limit    int
	Sort     Sort
	Filters  []Clause
	Matchers []Clause
}

// Result is one page of matching annotation ids.
type Result struct {
	Total int
	IDs   []string
}

// Executor runs a Query against one backend.
type Executor interface {
	Execute(ctx context.Context, q Query) (Result, error)
}

// ErrUntranslatable is returned by an executor that cannot express a clause.
var ErrUntranslatable = errors.New("query cannot be expressed by this backend")
