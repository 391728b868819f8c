package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

var (
	// Function call format: tool_name({"arg": "value"})
	functionCallPattern = regexp.MustCompile(`(?s)\b([a-z_]+)\s*\(\s*(\{.*?\})\s*\)`)
	// Fenced or bare JSON object/array
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// OutputParser extracts structured data from model text for providers that do
// not return native tool calls.
type OutputParser struct{}

// NewOutputParser creates a parser.
func NewOutputParser() *OutputParser {
	return &OutputParser{}
}

type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ParseToolCalls extracts catalogue tool calls from a model response text.
// Unknown names are dropped.
func (p *OutputParser) ParseToolCalls(text string) []ports.ToolCall {
	var calls []ports.ToolCall

	// JSON array format: [{"name": "tool", "arguments": {...}}]
	if start := strings.Index(text, "["); start >= 0 {
		if end := strings.LastIndex(text, "]"); end > start {
			var parsed []textToolCall
			if err := json.Unmarshal([]byte(p.repair(text[start:end+1])), &parsed); err == nil {
				for _, c := range parsed {
					name := ports.ToolName(strings.TrimSpace(c.Name))
					if !name.Valid() {
						continue
					}
					calls = append(calls, ports.ToolCall{Name: name, Arguments: c.Arguments, Status: ports.ToolPending})
				}
			}
		}
	}
	if len(calls) > 0 {
		return calls
	}

	for _, match := range functionCallPattern.FindAllStringSubmatch(text, -1) {
		name := ports.ToolName(match[1])
		if !name.Valid() {
			continue
		}
		args, err := p.RepairArguments(json.RawMessage(match[2]))
		if err != nil {
			continue
		}
		calls = append(calls, ports.ToolCall{Name: name, Arguments: args, Status: ports.ToolPending})
	}
	return calls
}

// ParseJSONOutput extracts one JSON value from text, tolerating code fences and
// common syntax slips.
func (p *OutputParser) ParseJSONOutput(text string) (json.RawMessage, error) {
	candidate := text
	if m := jsonBlockPattern.FindStringSubmatch(text); len(m) == 2 {
		candidate = m[1]
	} else if start := strings.IndexAny(text, "{["); start >= 0 {
		candidate = text[start:]
	} else {
		return nil, fmt.Errorf("no JSON found in response")
	}

	cleaned := p.repair(strings.TrimSpace(candidate))
	if !json.Valid([]byte(cleaned)) {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return json.RawMessage(cleaned), nil
}

// RepairArguments returns args unchanged when valid, otherwise a repaired copy.
func (p *OutputParser) RepairArguments(args json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid(args) {
		return args, nil
	}
	fixed, err := jsonrepair.JSONRepair(string(args))
	if err != nil {
		return nil, fmt.Errorf("repair tool arguments: %w", err)
	}
	if !json.Valid([]byte(fixed)) {
		return nil, fmt.Errorf("tool arguments are not valid JSON")
	}
	return json.RawMessage(fixed), nil
}

func (p *OutputParser) repair(s string) string {
	if json.Valid([]byte(s)) {
		return s
	}
	if fixed, err := jsonrepair.JSONRepair(s); err == nil {
		return fixed
	}
	return s
}
