package search

import (
	"fmt"
	"slices"
	"strings"
)

type meiliQuery struct {
	text       string
	filter     []string
	attributes []string
}

// translateMeili splits q into a full-text query and an AND-ed filter list.
// Analyzed matches become search terms with matching strategy "all", so
// every term must be present. That is only equivalent to AND-ing the matches
// when they all search the same attributes, so matches on differing or
// unsearchable fields are rejected.
func translateMeili(q Query) (meiliQuery, error) {
	var (
		out   meiliQuery
		terms []string
		attrs []string
	)

	match := func(fields []string, value string) error {
		if len(fields) == 0 {
			return fmt.Errorf("%w: match without fields", ErrUntranslatable)
		}
		for _, f := range fields {
			if !slices.Contains(searchableAttributes, f) {
				return fmt.Errorf("%w: field %q is not searchable", ErrUntranslatable, f)
			}
		}
		set := slices.Compact(slices.Sorted(slices.Values(fields)))
		if attrs == nil {
			attrs = set
		} else if !slices.Equal(attrs, set) {
			return fmt.Errorf("%w: matches on %v and %v", ErrUntranslatable, attrs, set)
		}
		terms = append(terms, value)
		return nil
	}

	var add func(c Clause) error
	add = func(c Clause) error {
		switch c := c.(type) {
		case MatchAll:
			return nil
		case Match:
			return match([]string{c.Field}, c.Value)
		case MultiMatch:
			return match(c.Fields, c.Value)
		case Bool:
			if len(c.Should) == 0 {
				for _, m := range c.Must {
					if err := add(m); err != nil {
						return err
					}
				}
				return nil
			}
		}
		expr, err := meiliFilter(c)
		if err != nil {
			return err
		}
		if expr != "" {
			out.filter = append(out.filter, expr)
		}
		return nil
	}

	for _, c := range q.Filters {
		if err := add(c); err != nil {
			return meiliQuery{}, err
		}
	}
	for _, c := range q.Matchers {
		if err := add(c); err != nil {
			return meiliQuery{}, err
		}
	}

	out.text = strings.Join(terms, " ")
	out.attributes = attrs
	return out, nil
}

func meiliFilter(c Clause) (string, error) {
	switch c := c.(type) {
	case MatchAll:
		return "", nil
	case Term:
		if err := checkFilterable(c.Field); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", c.Field, meiliQuote(c.Value)), nil
	case Terms:
		if err := checkFilterable(c.Field); err != nil {
			return "", err
		}
		if len(c.Values) == 0 {
			return FieldID + " NOT EXISTS", nil
		}
		quoted := make([]string, 0, len(c.Values))
		for _, v := range c.Values {
			quoted = append(quoted, meiliQuote(v))
		}
		return fmt.Sprintf("%s IN [%s]", c.Field, strings.Join(quoted, ", ")), nil
	case Missing:
		if err := checkFilterable(c.Field); err != nil {
			return "", err
		}
		return fmt.Sprintf("(%[1]s NOT EXISTS OR %[1]s IS EMPTY OR %[1]s IS NULL)", c.Field), nil
	case Bool:
		if len(c.Should) > 0 && c.MinimumShouldMatch > 1 {
			return "", fmt.Errorf("%w: minimum_should_match %d", ErrUntranslatable, c.MinimumShouldMatch)
		}
		var parts []string
		for _, m := range c.Must {
			expr, err := meiliFilter(m)
			if err != nil {
				return "", err
			}
			if expr != "" {
				parts = append(parts, "("+expr+")")
			}
		}
		var should []string
		for _, s := range c.Should {
			expr, err := meiliFilter(s)
			if err != nil {
				return "", err
			}
			if expr != "" {
				should = append(should, "("+expr+")")
			}
		}
		if len(should) > 0 {
			parts = append(parts, "("+strings.Join(should, " OR ")+")")
		}
		return strings.Join(parts, " AND "), nil
	default:
		return "", fmt.Errorf("%w: %T inside a filter", ErrUntranslatable, c)
	}
}

func checkFilterable(field string) error {
	if slices.Contains(filterableAttributes, field) {
		return nil
	}
	return fmt.Errorf("%w: field %q is not filterable", ErrUntranslatable, field)
}

func meiliQuote(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(v) + `"`
}
