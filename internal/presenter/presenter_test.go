package presenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hypothesis/h-sub003/internal/store"
)

func sampleAnnotation() store.Annotation {
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	return store.Annotation{
		ID:                  "e0tsKg8eTTybihEiM0RVZg",
		UserID:              "acct:Alice@example.com",
		GroupID:             "__world__",
		Text:                "hello",
		Tags:                []string{"A", "b"},
		Shared:              true,
		TargetURI:           "http://example.com/",
		TargetURINormalized: "http://example.com",
		TargetSelectors: []map[string]any{
			{"type": "TextQuoteSelector", "exact": "quoted"},
			{"type": "TextPositionSelector", "start": 1},
		},
		Extra:   map[string]any{"id": "spoofed", "user": "mallory", "color": "red"},
		Created: created,
		Updated: created,
	}
}

func TestAnnotationJSON(t *testing.T) {
	doc := &store.Document{Title: "Example", WebURI: "http://example.com/"}

	got := AnnotationJSON(sampleAnnotation(), doc)

	assert.Equal(t, "e0tsKg8eTTybihEiM0RVZg", got["id"], "explicit fields win over extra")
	assert.Equal(t, "acct:Alice@example.com", got["user"])
	assert.Equal(t, "red", got["color"])
	assert.Equal(t, "2024-05-06T07:08:09.123456+00:00", got["created"])
	assert.Equal(t, []string{"group:__world__"}, got["permissions"].(map[string]any)["read"])
	assert.Equal(t, map[string]any{"title": []string{"Example"}, "web_uri": "http://example.com/"}, got["document"])
	assert.NotContains(t, got, "references")

	target := got["target"].([]any)[0].(map[string]any)
	assert.Equal(t, "http://example.com/", target["source"])
	assert.Len(t, target["selector"], 2)
	assert.NotContains(t, target, "scope")
}

func TestAnnotationJSONIncludesReferences(t *testing.T) {
	ann := sampleAnnotation()
	ann.References = []string{"AVKMQ4_XbYGYpmSz3qQ-"}

	got := AnnotationJSON(ann, nil)

	assert.Equal(t, []string{"AVKMQ4_XbYGYpmSz3qQ-"}, got["references"])
	assert.Equal(t, map[string]any{}, got["document"])
}

func TestAnnotationJSONDropsExtraReferencesWhenEmpty(t *testing.T) {
	ann := sampleAnnotation()
	ann.Extra["references"] = []string{"injected"}

	assert.NotContains(t, AnnotationJSON(ann, nil), "references")
}

func TestIndexDocument(t *testing.T) {
	got := IndexDocument(sampleAnnotation(), nil)

	assert.Equal(t, "acct:alice@example.com", got["user"])
	assert.Equal(t, "acct:Alice@example.com", got["user_raw"])
	assert.Equal(t, []string{"a", "b"}, got["tags"])
	assert.Equal(t, []string{"A", "b"}, got["tags_raw"])
	assert.Equal(t, []string{"group:__world__"}, got["readers"])
	assert.Equal(t, "quoted", got["quote"])
	assert.Equal(t, []string{}, got["references"])
	assert.Equal(t, "http://example.com", got["uri_normalized"])

	target := got["target"].([]any)[0].(map[string]any)
	assert.Equal(t, []string{"http://example.com"}, target["scope"])
}
