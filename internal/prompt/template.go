// Package prompt renders generation prompt templates. Templates use
// {{variable}} expansion and {{#if variable}}...{{/if}} conditionals;
// project-level overrides under the config dir take precedence over the
// built-ins.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/panoforge/panoforge/internal/pipeline"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// ForStep renders the generation prompt for a pipeline step. Constraint
// sentences are joined one per line under the template's constraints
// block; an empty list drops the block entirely.
func ForStep(step int, vars Vars, constraints []string) (string, error) {
	if !pipeline.ValidStep(step) {
		return "", fmt.Errorf("invalid step %d", step)
	}
	name := pipeline.StepName(step) + ".md"
	tmpl, err := LoadTemplate(name)
	if err != nil {
		return "", err
	}
	if vars == nil {
		vars = Vars{}
	}
	vars["constraints"] = strings.Join(constraints, "\n")
	return Render(tmpl, vars)
}

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing required variables cause an error.
// {{#if variable}}...{{/if}} blocks are included only if the variable is non-empty.
func Render(tmpl string, vars Vars) (string, error) {
	resolved, err := resolveConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	var missing []string
	last := 0
	for _, m := range varRe.FindAllStringSubmatchIndex(resolved, -1) {
		out.WriteString(resolved[last:m[0]])
		name := resolved[m[2]:m[3]]
		val, ok := vars[name]
		if !ok {
			missing = append(missing, name)
		}
		out.WriteString(val)
		last = m[1]
	}
	out.WriteString(resolved[last:])

	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out.String(), nil
}

// resolveConditionals strips or keeps {{#if var}}...{{/if}} blocks. A
// block stays when its variable is set and non-empty. Blocks may nest;
// the first {{/if}} pairs with the nearest {{#if}} before it, so the
// innermost block resolves first each round.
func resolveConditionals(tmpl string, vars Vars) (string, error) {
	for {
		closeIdx := strings.Index(tmpl, ifCloseStr)
		if closeIdx == -1 {
			if open := ifOpenRe.FindString(tmpl); open != "" {
				return "", fmt.Errorf("unclosed conditional block: %s", open)
			}
			return tmpl, nil
		}

		opens := ifOpenRe.FindAllStringSubmatchIndex(tmpl[:closeIdx], -1)
		if opens == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		m := opens[len(opens)-1]
		name := tmpl[m[2]:m[3]]

		body := ""
		if vars[name] != "" {
			body = tmpl[m[1]:closeIdx]
		}
		tmpl = tmpl[:m[0]] + body + tmpl[closeIdx+len(ifCloseStr):]
	}
}

// LoadTemplate reads a template by name, preferring a user override under
// the templates dir and falling back to the built-ins shipped with the
// binary.
func LoadTemplate(name string) (string, error) {
	if dir := templateDir(); dir != "" {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), nil
		}
	}
	if content, ok := builtinTemplates[name]; ok {
		return content, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

func templateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".panoforge", "templates")
}

// InstallBuiltinTemplates writes the built-in templates to the templates
// dir so users can inspect and override them. Existing files are kept.
func InstallBuiltinTemplates() error {
	dir := templateDir()
	if dir == "" {
		return fmt.Errorf("could not determine home directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}
