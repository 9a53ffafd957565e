package text_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/utils/text"
)

/* ───────── Rendering ───────── */

func TestRender(t *testing.T) {
	md := map[string]any{
		"name":  "Ana",
		"Plan":  "gold",
		"count": float64(3),
		"address": map[string]any{
			"City": "Lisbon",
			"geo":  map[string]any{"lat": 38.7},
		},
		"missing":    nil,
		"dotted.key": "flat wins",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"case-insensitive key", "Hi {{Name}}", "Hi Ana"},
		{"case-insensitive stored key", "{{plan}}", "gold"},
		{"whitespace inside braces", "{{  name }}!", "Ana!"},
		{"nested path", "from {{ADDRESS.city}}", "from Lisbon"},
		{"deep path", "{{address.geo.lat}}", "38.7"},
		{"flat dotted key wins", "{{dotted.key}}", "flat wins"},
		{"number formatting", "{{count}} left", "3 left"},
		{"nil renders empty", "[{{missing}}]", "[]"},
		{"unresolved renders empty", "Hi {{nobody}}", "Hi "},
		{"path through scalar", "{{name.first}}", ""},
		{"empty token", "a{{}}b", "ab"},
		{"no tokens", "plain text", "plain text"},
		{"multiple tokens", "{{name}} in {{address.city}}", "Ana in Lisbon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, text.Render(tt.template, md))
		})
	}
}

func TestRender_EmptyMetadata(t *testing.T) {
	assert.Equal(t, "Hi ", text.Render("Hi {{Name}}", map[string]any{}))
	assert.Equal(t, "Hi ", text.Render("Hi {{Name}}", nil))
}

func TestLookup_ExactBeforeFolded(t *testing.T) {
	md := map[string]any{"name": "lower", "NAME": "upper"}
	v, ok := text.Lookup(md, "NAME")
	assert.True(t, ok)
	assert.Equal(t, "upper", v)

	v, ok = text.Lookup(md, "Name")
	assert.True(t, ok)
	assert.Equal(t, "upper", v, "case variants resolve deterministically")
}

/* ───────── Enrichment ───────── */

func TestFlattenContact(t *testing.T) {
	c := &entity.Contact{
		ID:    1,
		Name:  "Ana Lima",
		Phone: "+351900",
		Email: "ana@example.com",
		Details: map[string]any{
			"company":  "Acme",
			"address":  map[string]any{"city": "Porto", "zip": nil},
			"nickname": nil,
		},
	}

	got := text.FlattenContact(c)

	assert.Equal(t, "Ana Lima", got["name"])
	assert.Equal(t, "Ana", got["first_name"])
	assert.Equal(t, "+351900", got["phone"])
	assert.Equal(t, "Acme", got["company"])
	assert.Equal(t, "Porto", got["city"])
	assert.Equal(t, "Porto", got["address_city"])
	assert.Equal(t, "", got["zip"])
	assert.Equal(t, "", got["address_zip"])
	assert.Equal(t, "", got["nickname"])

	assert.Equal(t, "Porto / ", text.Render("{{City}} / {{zip}}", got))
}

func TestFlattenContact_DirectFieldWins(t *testing.T) {
	c := &entity.Contact{Details: map[string]any{
		"city": "Direct",
		"home": map[string]any{"city": "Nested"},
	}}
	got := text.FlattenContact(c)
	assert.Equal(t, "Direct", got["city"])
	assert.Equal(t, "Nested", got["home_city"])
}

func TestFlattenContact_Nil(t *testing.T) {
	assert.Empty(t, text.FlattenContact(nil))
}

func TestEnrich_KeepsExistingMetadata(t *testing.T) {
	c := &entity.Contact{Name: "Contact Name", Details: map[string]any{"city": "Porto"}}
	got := text.Enrich(map[string]any{"name": "Override"}, c)
	assert.Equal(t, "Override", got["name"])
	assert.Equal(t, "Porto", got["city"])
}

/* ───────── Truncation ───────── */

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", text.Truncate("hello", 10))
	assert.Equal(t, "hell…", text.Truncate("hello world", 5))
	assert.Equal(t, "こん…", text.Truncate("こんにちは", 3))
	assert.Equal(t, "…", text.Truncate("abc", 1))
	assert.Equal(t, "abc", text.Truncate("abc", 0))
}
