package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypothesis/h-sub003/internal/rbac"
)

func TestDecodeInput(t *testing.T) {
	in, err := DecodeInput([]byte(`{
		"uri": "  http://example.com  ",
		"text": "hi",
		"permissions": {"read": ["group:__world__", "system.Everyone"]},
		"id": "forged",
		"created": "2001-01-01",
		"color": "red"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "http://example.com", in.URI)
	assert.True(t, in.Has("text"))
	assert.False(t, in.Has("tags"))
	assert.Equal(t, map[string]any{"color": "red"}, in.Extra)
	assert.Equal(t, &rbac.Permissions{Read: []string{"group:__world__", "system.Everyone"}}, in.Permissions)
}

func TestDecodeInputErrors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "not an object", body: `["uri"]`, field: ""},
		{name: "not json", body: `{`, field: ""},
		{name: "wrong type", body: `{"tags": "a"}`, field: "tags"},
		{name: "bad principal", body: `{"permissions": {"read": ["__world__"]}}`, field: "permissions.read.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInput([]byte(tc.body))
			require.True(t, IsValidation(err), "got %v", err)
			assert.Equal(t, tc.field, err.(*DomainError).Field)
		})
	}
}
