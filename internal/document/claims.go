package document

import (
	"fmt"
	"sort"
	"strings"
)

// URIsFromData turns a client document object into URI claims. The claimant
// always gets a self-claim, last.
func URIsFromData(data map[string]any, claimant string) []URIClaim {
	var claims []URIClaim

	links, _ := data["link"].([]any)
	for _, raw := range links {
		link, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		href := strings.TrimSpace(stringValue(link["href"]))
		if href == "" {
			continue
		}
		// Bare doi links are claimed through highwire and dc below.
		if len(link) == 1 && strings.HasPrefix(href, "doi:") {
			continue
		}
		claim := URIClaim{Claimant: claimant, URI: href, ContentType: stringValue(link["type"])}
		if rel := stringValue(link["rel"]); rel != "" {
			claim.Type = "rel-" + rel
		}
		claims = append(claims, claim)
	}

	if highwire, ok := data["highwire"].(map[string]any); ok {
		for _, doi := range stringValues(highwire["doi"]) {
			claims = append(claims, URIClaim{Claimant: claimant, URI: doiURI(doi), Type: "highwire-doi"})
		}
		for _, pdf := range stringValues(highwire["pdf_url"]) {
			claims = append(claims, URIClaim{Claimant: claimant, URI: pdf, Type: "highwire-pdf", ContentType: "application/pdf"})
		}
	}

	if dc, ok := data["dc"].(map[string]any); ok {
		for _, id := range stringValues(dc["identifier"]) {
			if strings.HasPrefix(strings.ToLower(id), "doi:") || strings.HasPrefix(id, "10.") {
				claims = append(claims, URIClaim{Claimant: claimant, URI: doiURI(id), Type: "dc-doi"})
			}
		}
	}

	return append(claims, URIClaim{Claimant: claimant, URI: claimant, Type: TypeSelfClaim})
}

// MetasFromData flattens nested objects into dotted types, for example
// {"twitter": {"url": {"main_url": ...}}} becomes "twitter.url.main_url".
// The link list is not metadata. Claims are sorted by type.
func MetasFromData(data map[string]any, claimant string) []MetaClaim {
	var claims []MetaClaim
	var walk func(prefix string, v map[string]any)
	walk = func(prefix string, v map[string]any) {
		for key, value := range v {
			if prefix == "" && key == "link" {
				continue
			}
			typ := key
			if prefix != "" {
				typ = prefix + "." + key
			}
			if nested, ok := value.(map[string]any); ok {
				walk(typ, nested)
				continue
			}
			values := stringValues(value)
			if typ == "title" {
				for i := range values {
					values[i] = strings.TrimSpace(values[i])
				}
			}
			if len(values) == 0 {
				continue
			}
			claims = append(claims, MetaClaim{Claimant: claimant, Type: typ, Value: values})
		}
	}
	walk("", data)
	sort.Slice(claims, func(i, j int) bool { return claims[i].Type < claims[j].Type })
	return claims
}

func doiURI(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(strings.ToLower(v), "doi:") {
		v = v[len("doi:"):]
	}
	return "doi:" + v
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func stringValues(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			out = append(out, stringValue(item))
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return []string{stringValue(t)}
	}
}
