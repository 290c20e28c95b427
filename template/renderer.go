// Package template provides variable substitution for agent prompt templates.
//
// Templates use {{variable}} syntax. Substitution is pure: the caller supplies
// the variable map and the rendered string is returned. Placeholders with no
// matching variable are left literal, because agent templates are often
// prepared before all call variables are known and must survive a partial
// render intact.
package template

import (
	"fmt"
	"strings"
)

// Renderer handles variable substitution in prompt templates.
type Renderer struct{}

// NewRenderer creates a new template renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render substitutes {{variable}} placeholders in templateText using vars.
//
// Multiple passes handle nested substitution (a variable value may itself
// contain placeholders). Placeholders without a matching variable are left
// untouched — rendering never fails.
func (r *Renderer) Render(templateText string, vars map[string]string) string {
	result := templateText

	maxPasses := 3
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		for key, value := range vars {
			placeholder := fmt.Sprintf("{{%s}}", key)
			if strings.Contains(result, placeholder) {
				result = strings.ReplaceAll(result, placeholder, value)
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return result
}

// Unresolved returns the {{variable}} placeholders remaining in text.
// Useful for logging which call variables were missing after a render.
func (r *Renderer) Unresolved(text string) []string {
	var placeholders []string

	for i := 0; i < len(text)-3; i++ {
		if text[i:i+2] == "{{" {
			for j := i + 2; j < len(text)-1; j++ {
				if text[j:j+2] == "}}" {
					placeholders = append(placeholders, text[i:j+2])
					i = j + 1
					break
				}
			}
		}
	}

	return placeholders
}

// MergeVars merges multiple variable maps with later maps taking precedence.
// Used to combine agent-level defaults with per-call variables.
func MergeVars(varMaps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, vars := range varMaps {
		for k, v := range vars {
			result[k] = v
		}
	}
	return result
}
