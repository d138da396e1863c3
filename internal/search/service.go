package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/hypothesis/h-sub003/internal/logger"
	"github.com/hypothesis/h-sub003/internal/rbac"
)

// URIExpander returns every URI known to identify the same document as uri.
type URIExpander interface {
	ExpandURI(ctx context.Context, uri string) ([]string, error)
}

type healthChecker interface {
	Healthy() bool
}

// SearchResult lists matching annotation ids, most relevant page first.
// ReplyIDs is only set when replies were requested separately.
type SearchResult struct {
	Total         int      `json:"total"`
	AnnotationIDs []string `json:"annotation_ids"`
	ReplyIDs      []string `json:"reply_ids,omitempty"`
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	primary       Executor
	fallback      Executor
	expander      URIExpander
	registry      *Registry
	replyPageSize int
	log           *logger.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary, fallback Executor, expander URIExpander, registry *Registry, replyPageSize int, log *logger.Logger) *Service {
	if replyPageSize <= 0 {
		replyPageSize = MaxLimit
	}
	return &Service{
		primary:       primary,
		fallback:      fallback,
		expander:      expander,
		registry:      registry,
		replyPageSize: replyPageSize,
		log:           log.With("component", "search"),
	}
}

func (s *Service) Search(ctx context.Context, user rbac.User, params url.Values) (SearchResult, error) {
	p := cloneValues(params)
	separate := false
	if raw, ok := pop(p, "_separate_replies"); ok {
		separate, _ = strconv.ParseBool(raw)
	}
	if err := s.expandURIs(ctx, p); err != nil {
		return SearchResult{}, err
	}

	req := Request{Ctx: ctx, User: user, Principals: rbac.EffectivePrincipals(user)}
	b := NewBuilder()
	b.AppendFilter(AuthFilter{Principals: req.Principals})
	b.AppendFilter(GroupFilter{})
	if separate {
		b.AppendFilter(TopLevelFilter{})
	}
	b.AppendMatcher(AnyMatcher{})
	b.AppendMatcher(TagsMatcher{})
	b.AppendMatcher(UserMatcher{})
	b.AppendMatcher(URIMatcher{})
	b.AppendMatcher(FieldMatcher{Field: FieldText})
	b.AppendMatcher(FieldMatcher{Field: FieldQuote})
	s.registry.apply(b, req)

	res, err := s.execute(ctx, b.Build(p))
	if err != nil {
		return SearchResult{}, err
	}
	out := SearchResult{Total: res.Total, AnnotationIDs: res.IDs}
	if !separate {
		return out, nil
	}

	out.ReplyIDs = []string{}
	if len(res.IDs) == 0 {
		return out, nil
	}
	replies, err := s.searchReplies(ctx, req, res.IDs)
	if err != nil {
		return SearchResult{}, err
	}
	out.ReplyIDs = replies
	return out, nil
}

func (s *Service) searchReplies(ctx context.Context, req Request, ids []string) ([]string, error) {
	b := NewBuilder()
	b.AppendFilter(AuthFilter{Principals: req.Principals})
	if s.registry != nil {
		for _, f := range s.registry.filters {
			b.AppendFilter(f(req))
		}
	}
	b.AppendMatcher(RepliesMatcher{IDs: ids})

	q := b.Build(nil)
	q.Limit = s.replyPageSize
	res, err := s.execute(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search replies: %w", err)
	}
	if res.Total > len(res.IDs) {
		s.log.Warn("more replies matched than were returned; replies beyond the first page are omitted",
			"total", res.Total, "returned", len(res.IDs))
	}
	return res.IDs, nil
}

func (s *Service) expandURIs(ctx context.Context, p url.Values) error {
	raw := popAll(p, "uri", "url")
	if len(raw) == 0 {
		return nil
	}
	var expanded []string
	for _, u := range raw {
		if s.expander == nil {
			expanded = append(expanded, u)
			continue
		}
		more, err := s.expander.ExpandURI(ctx, u)
		if err != nil {
			return fmt.Errorf("expand uri: %w", err)
		}
		expanded = append(expanded, more...)
	}
	p["uri"] = expanded
	return nil
}

func (s *Service) execute(ctx context.Context, q Query) (Result, error) {
	if s.primary != nil {
		if hc, ok := s.primary.(healthChecker); !ok || hc.Healthy() {
			res, err := s.primary.Execute(ctx, q)
			if err == nil {
				return res, nil
			}
			if s.fallback == nil {
				return Result{}, err
			}
			if errors.Is(err, ErrUntranslatable) {
				s.log.Debug("query not expressible in meilisearch, using postgres", "error", err)
			} else {
				s.log.Warn("meilisearch error, falling back to postgres", "error", err)
			}
		}
	}
	if s.fallback == nil {
		return Result{}, errors.New("no search backend available")
	}
	return s.fallback.Execute(ctx, q)
}
