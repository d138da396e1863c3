package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hypothesis/h-sub003/internal/rbac"
)

type Target struct {
	Source   string           `json:"source"`
	Selector []map[string]any `json:"selector,omitempty"`
}

// AnnotationInput is a create or update request body. Unrecognised top-level
// fields end up in Extra.
type AnnotationInput struct {
	URI         string            `json:"uri"`
	Text        string            `json:"text"`
	Tags        []string          `json:"tags"`
	Group       string            `json:"group"`
	Permissions *rbac.Permissions `json:"permissions"`
	Target      []Target          `json:"target"`
	Document    map[string]any    `json:"document"`
	References  []string          `json:"references"`
	Extra       map[string]any    `json:"-"`

	present map[string]bool
}

var inputFields = map[string]bool{
	"uri": true, "text": true, "tags": true, "group": true, "permissions": true,
	"target": true, "document": true, "references": true,
}

// Computed by the server; never taken from a client.
var protectedFields = map[string]bool{
	"id": true, "created": true, "updated": true, "user": true, "links": true,
}

// system.* principals pass validation and are then ignored by rbac.LegacyACL.
var principalPattern = regexp.MustCompile(`^(acct:|group:|system\.)\S+$`)

// Has reports whether the request body carried field.
func (in AnnotationInput) Has(field string) bool {
	return in.present[field]
}

// DecodeInput parses a JSON request body. Malformed bodies and field values
// are validation errors.
func DecodeInput(raw []byte) (AnnotationInput, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return AnnotationInput{}, validationError("", "request body must be a JSON object")
	}

	var in AnnotationInput
	if err := json.Unmarshal(raw, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return AnnotationInput{}, validationError(typeErr.Field, fmt.Sprintf("must be of type %s", typeErr.Type))
		}
		return AnnotationInput{}, validationError("", err.Error())
	}

	in.present = make(map[string]bool, len(fields))
	for k, v := range fields {
		switch {
		case inputFields[k]:
			in.present[k] = true
		case protectedFields[k]:
		default:
			var value any
			if err := json.Unmarshal(v, &value); err != nil {
				return AnnotationInput{}, validationError(k, err.Error())
			}
			if in.Extra == nil {
				in.Extra = make(map[string]any)
			}
			in.Extra[k] = value
		}
	}

	in.URI = strings.TrimSpace(in.URI)
	if err := validatePermissions(in.Permissions); err != nil {
		return AnnotationInput{}, err
	}
	return in, nil
}

func validatePermissions(p *rbac.Permissions) error {
	if p == nil {
		return nil
	}
	lists := []struct {
		name   string
		values []string
	}{
		{"read", p.Read}, {"update", p.Update}, {"delete", p.Delete}, {"admin", p.Admin},
	}
	for _, l := range lists {
		for i, principal := range l.values {
			if !principalPattern.MatchString(principal) {
				return validationError(fmt.Sprintf("permissions.%s.%d", l.name, i),
					fmt.Sprintf("%q is not a valid principal", principal))
			}
		}
	}
	return nil
}

func (in AnnotationInput) selectors() []map[string]any {
	if len(in.Target) == 0 {
		return nil
	}
	return in.Target[0].Selector
}
