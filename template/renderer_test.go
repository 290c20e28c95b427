package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer()

	result := r.Render("Hello {{name}}", map[string]string{"name": "Ana"})
	assert.Equal(t, "Hello Ana", result)
}

func TestRenderer_RenderMultipleVars(t *testing.T) {
	r := NewRenderer()

	result := r.Render(
		"Hi {{name}}, this is {{agent}} calling about your {{product}} order.",
		map[string]string{"name": "Ana", "agent": "Maya", "product": "espresso machine"},
	)
	assert.Equal(t, "Hi Ana, this is Maya calling about your espresso machine order.", result)
}

func TestRenderer_UnresolvedLeftLiteral(t *testing.T) {
	r := NewRenderer()

	result := r.Render("Hello {{name}}", map[string]string{})
	assert.Equal(t, "Hello {{name}}", result)
}

func TestRenderer_PartialResolution(t *testing.T) {
	r := NewRenderer()

	result := r.Render("{{greeting}}, {{name}}!", map[string]string{"greeting": "Hola"})
	assert.Equal(t, "Hola, {{name}}!", result)
}

func TestRenderer_NestedSubstitution(t *testing.T) {
	r := NewRenderer()

	result := r.Render("{{outer}}", map[string]string{
		"outer": "value is {{inner}}",
		"inner": "42",
	})
	assert.Equal(t, "value is 42", result)
}

func TestRenderer_EmptyTemplate(t *testing.T) {
	r := NewRenderer()

	assert.Equal(t, "", r.Render("", map[string]string{"name": "Ana"}))
}

func TestRenderer_Unresolved(t *testing.T) {
	r := NewRenderer()

	unresolved := r.Unresolved("Hello {{name}}, your {{item}} is ready")
	assert.Equal(t, []string{"{{name}}", "{{item}}"}, unresolved)
}

func TestRenderer_UnresolvedNone(t *testing.T) {
	r := NewRenderer()

	assert.Empty(t, r.Unresolved("no placeholders here"))
}

func TestMergeVars(t *testing.T) {
	defaults := map[string]string{"color": "blue", "size": "medium"}
	overrides := map[string]string{"color": "red"}

	result := MergeVars(defaults, overrides)
	assert.Equal(t, map[string]string{"color": "red", "size": "medium"}, result)
}
