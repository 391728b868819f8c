package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// Guardrails enforces the tool allowlist and output redaction.
type Guardrails struct {
	allowlist     map[ports.ToolName]bool // empty means the whole catalogue
	outputFilters []*regexp.Regexp
	jsonValidator *JSONValidator
}

// NewGuardrails creates guardrails with default redaction patterns.
func NewGuardrails() *Guardrails {
	return &Guardrails{
		allowlist: make(map[ports.ToolName]bool),
		outputFilters: []*regexp.Regexp{
			regexp.MustCompile(`(?i)password\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)secret\s*[:=]\s*\S+`),
			regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-_.=]{16,}`),
		},
		jsonValidator: NewJSONValidator(),
	}
}

// AddAllowedTool adds a tool to the allowlist.
func (g *Guardrails) AddAllowedTool(name ports.ToolName) {
	g.allowlist[name] = true
}

// AddBlockedWord redacts "word: value" style leaks of an additional keyword.
func (g *Guardrails) AddBlockedWord(word string) {
	word = strings.TrimSpace(word)
	if word == "" {
		return
	}
	g.outputFilters = append(g.outputFilters, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(word)+`\s*[:=]\s*\S+`))
}

// ValidateToolCall checks catalogue membership, the allowlist and the argument schema.
func (g *Guardrails) ValidateToolCall(call ports.ToolCall, schema []byte) error {
	if call.Name == "" {
		return &ToolArgumentError{Tool: call.Name, Reason: "tool name cannot be empty"}
	}
	if !call.Name.Valid() {
		return &ToolArgumentError{Tool: call.Name, Reason: "unknown tool"}
	}
	if len(g.allowlist) > 0 && !g.allowlist[call.Name] {
		return &ToolArgumentError{Tool: call.Name, Reason: "tool is not in allowlist"}
	}
	if err := g.jsonValidator.Validate(call.Name, call.Arguments, schema); err != nil {
		return &ToolArgumentError{Tool: call.Name, Reason: "schema validation failed", Err: err}
	}
	return nil
}

// SanitizeOutput masks credentials that leaked into text.
func (g *Guardrails) SanitizeOutput(output string) string {
	sanitized := output
	for _, filter := range g.outputFilters {
		sanitized = filter.ReplaceAllString(sanitized, "[REDACTED]")
	}
	return sanitized
}

// JSONValidator validates tool arguments, compiling each tool schema once.
type JSONValidator struct {
	mu      sync.RWMutex
	schemas map[ports.ToolName]*gojsonschema.Schema
}

// NewJSONValidator creates a validator with an empty schema cache.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{schemas: make(map[ports.ToolName]*gojsonschema.Schema)}
}

// Validate checks data against schema. An empty schema accepts any JSON object.
func (v *JSONValidator) Validate(name ports.ToolName, data json.RawMessage, schema []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.compiled(name, schema)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (v *JSONValidator) compiled(name ports.ToolName, schema []byte) (*gojsonschema.Schema, error) {
	v.mu.RLock()
	s, ok := v.schemas[name]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", name, err)
	}
	v.mu.Lock()
	v.schemas[name] = s
	v.mu.Unlock()
	return s, nil
}
