package text

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"drip-engine/internal/domain/entity"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render expands {{key}} tokens against metadata. Keys are matched without
// regard to case, and a dotted key such as {{address.city}} walks nested
// maps one segment at a time. Tokens that do not resolve render as "".
func Render(template string, metadata map[string]any) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(tok string) string {
		key := tokenPattern.FindStringSubmatch(tok)[1]
		v, _ := Lookup(metadata, key)
		return v
	})
}

// Lookup resolves key in metadata. An exact key wins over a case-folded
// one, and a whole key (which may itself contain dots) wins over a path.
func Lookup(metadata map[string]any, key string) (string, bool) {
	if key == "" || metadata == nil {
		return "", false
	}
	if v, ok := lookupKey(metadata, key); ok {
		return Stringify(v), true
	}
	if !strings.Contains(key, ".") {
		return "", false
	}

	var cur any = metadata
	for _, seg := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return "", false
		}
		if cur, ok = lookupKey(m, seg); !ok {
			return "", false
		}
	}
	return Stringify(cur), true
}

func lookupKey(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	// Deterministic pick among case variants.
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.EqualFold(k, key) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, false
	}
	sort.Strings(keys)
	return m[keys[0]], true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Stringify formats a metadata value for output. Nil becomes "".
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

// FlattenContact turns a contact record into rendering metadata. Scalar
// detail fields become top-level keys. Nested objects are flattened one
// level so that each field is reachable both directly ({{city}}) and
// qualified by its parent ({{address_city}}). Nil values become "".
// Direct fields win over flattened ones when names collide.
func FlattenContact(c *entity.Contact) map[string]any {
	out := make(map[string]any)
	if c == nil {
		return out
	}

	parents := make([]string, 0, len(c.Details))
	for k := range c.Details {
		parents = append(parents, k)
	}
	sort.Strings(parents)

	nested := make(map[string]any)
	for _, k := range parents {
		v := c.Details[k]
		m, ok := asMap(v)
		if !ok {
			out[k] = Stringify(v)
			continue
		}
		children := make([]string, 0, len(m))
		for ck := range m {
			children = append(children, ck)
		}
		sort.Strings(children)
		for _, ck := range children {
			s := Stringify(m[ck])
			out[k+"_"+ck] = s
			if _, taken := nested[ck]; !taken {
				nested[ck] = s
			}
		}
	}
	for k, v := range nested {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}

	out["name"] = c.Name
	out["phone"] = c.Phone
	out["email"] = c.Email
	if first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " "); first != "" {
		if _, taken := out["first_name"]; !taken {
			out["first_name"] = first
		}
	}
	return out
}

// Enrich returns metadata merged over the flattened contact. Existing
// metadata keys are kept as they are.
func Enrich(metadata map[string]any, c *entity.Contact) map[string]any {
	out := FlattenContact(c)
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
