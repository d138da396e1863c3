package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hypothesis/h-sub003/internal/store"
	"github.com/hypothesis/h-sub003/internal/util"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const readersExpr = `CASE WHEN NOT shared THEN userid ` +
	`WHEN groupid = '__world__' THEN 'group:__world__' ` +
	`ELSE 'group:' || COALESCE(NULLIF(groupid, ''), '__none__') END`

var columns = map[string]string{
	FieldReaders:       readersExpr,
	FieldGroup:         "groupid",
	FieldUser:          "lower(userid)",
	FieldURINormalized: "target_uri_normalized",
	FieldURI:           "target_uri",
	FieldText:          "text",
	"shared":           "shared",
}

var sortColumns = map[string]string{
	"updated":  "updated",
	"created":  "created",
	FieldID:    "id",
	FieldGroup: "groupid",
	FieldUser:  "userid",
}

// PgFTS runs queries straight against the annotation table using
// PostgreSQL full-text search. It serves searches while Meilisearch is
// unavailable.
type PgFTS struct {
	db store.DB
}

func NewPgFTS(db store.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Execute(ctx context.Context, q Query) (Result, error) {
	where := sq.And{sq.Eq{"deleted": false}}
	for _, c := range append(append([]Clause(nil), q.Filters...), q.Matchers...) {
		cond, err := sqlClause(c)
		if err != nil {
			return Result{}, err
		}
		where = append(where, cond)
	}

	countSQL, countArgs, err := psql.Select("count(*)").From("annotation").Where(where).ToSql()
	if err != nil {
		return Result{}, fmt.Errorf("build count query: %w", err)
	}
	var res Result
	if err := p.db.QueryRow(ctx, countSQL, countArgs...).Scan(&res.Total); err != nil {
		return Result{}, fmt.Errorf("pgfts count: %w", err)
	}

	col, ok := sortColumns[q.Sort.Field]
	if !ok {
		col = sortColumns[DefaultSort]
	}
	dir := "DESC"
	if q.Sort.Order == OrderAsc {
		dir = "ASC"
	}
	dataSQL, dataArgs, err := psql.Select("id::text").From("annotation").Where(where).
		OrderBy(fmt.Sprintf("%s %s NULLS LAST", col, dir), "id").
		Limit(uint64(q.Limit)).
		Offset(uint64(q.Offset)).
		ToSql()
	if err != nil {
		return Result{}, fmt.Errorf("build search query: %w", err)
	}

	rows, err := p.db.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return Result{}, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	res.IDs = make([]string, 0, q.Limit)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return Result{}, fmt.Errorf("pgfts scan: %w", err)
		}
		id, err := uuid.Parse(key)
		if err != nil {
			return Result{}, fmt.Errorf("pgfts parse id %q: %w", key, err)
		}
		res.IDs = append(res.IDs, util.EncodeID(id))
	}
	return res, rows.Err()
}

func sqlClause(c Clause) (sq.Sqlizer, error) {
	switch c := c.(type) {
	case MatchAll:
		return sq.Expr("TRUE"), nil
	case Term:
		return sqlTerms(c.Field, []string{c.Value}), nil
	case Terms:
		return sqlTerms(c.Field, c.Values), nil
	case Missing:
		switch c.Field {
		case FieldReferences:
			return sq.Expr(`cardinality("references") = 0`), nil
		case FieldTags:
			return sq.Expr("cardinality(tags) = 0"), nil
		}
		if col, ok := columns[c.Field]; ok {
			return sq.Expr(fmt.Sprintf("(%[1]s IS NULL OR %[1]s::text = '')", col)), nil
		}
		return sq.Expr("extra->? IS NULL", c.Field), nil
	case Match:
		return sqlMatch(c.Field, c.Value), nil
	case MultiMatch:
		or := sq.Or{}
		for _, f := range c.Fields {
			or = append(or, sqlMatch(f, c.Value))
		}
		return or, nil
	case Bool:
		if len(c.Should) > 0 && c.MinimumShouldMatch > 1 {
			return nil, fmt.Errorf("%w: minimum_should_match %d", ErrUntranslatable, c.MinimumShouldMatch)
		}
		and := sq.And{}
		for _, m := range c.Must {
			cond, err := sqlClause(m)
			if err != nil {
				return nil, err
			}
			and = append(and, cond)
		}
		if len(c.Should) > 0 {
			or := sq.Or{}
			for _, s := range c.Should {
				cond, err := sqlClause(s)
				if err != nil {
					return nil, err
				}
				or = append(or, cond)
			}
			and = append(and, or)
		}
		if len(and) == 0 {
			return sq.Expr("TRUE"), nil
		}
		return and, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUntranslatable, c)
	}
}

func sqlTerms(field string, values []string) sq.Sqlizer {
	if len(values) == 0 {
		return sq.Expr("FALSE")
	}
	switch field {
	case FieldID, FieldReferences:
		keys := make([]uuid.UUID, 0, len(values))
		for _, v := range values {
			if key, err := util.DecodeID(v); err == nil {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			return sq.Expr("FALSE")
		}
		if field == FieldID {
			return sq.Eq{"id": keys}
		}
		return sq.Expr(`"references" && ?::uuid[]`, keys)
	case FieldTags:
		or := sq.Or{}
		for _, v := range values {
			or = append(or, sq.Expr("? = ANY(SELECT lower(t) FROM unnest(tags) AS t)", strings.ToLower(v)))
		}
		return or
	case "shared":
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return sq.Expr("FALSE")
		}
		return sq.Eq{"shared": b}
	}
	if col, ok := columns[field]; ok {
		return sq.Eq{col: values}
	}
	return sq.Eq{fmt.Sprintf("extra->>'%s'", strings.ReplaceAll(field, "'", "''")): values}
}

func sqlMatch(field, value string) sq.Sqlizer {
	switch field {
	case FieldText:
		return sq.Expr("to_tsvector('english', text) @@ plainto_tsquery('english', ?)", value)
	case FieldQuote:
		return sq.Expr("to_tsvector('english', jsonb_path_query_array(target_selectors, '$[*].exact')::text) @@ plainto_tsquery('english', ?)", value)
	case FieldTags:
		return sq.Expr("EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE ?)", likePattern(value))
	case FieldURI:
		return sq.Expr("target_uri ILIKE ?", likePattern(value))
	case FieldUser:
		return sq.Expr("userid ILIKE ?", likePattern(value))
	case FieldID, FieldReferences, FieldReaders, "shared":
		// Not text columns; an analyzed match degrades to equality.
		return sqlTerms(field, []string{value})
	}
	if col, ok := columns[field]; ok {
		return sq.Expr(col+" ILIKE ?", likePattern(value))
	}
	return sq.Expr("extra->>? ILIKE ?", field, likePattern(value))
}

func likePattern(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(v) + "%"
}
