package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

func TestSanitizeOutput(t *testing.T) {
	g := NewGuardrails()
	tests := []struct {
		in   string
		want string
	}{
		{"login dengan password: rahasia123", "login dengan [REDACTED]"},
		{"API_KEY=sk-abc", "[REDACTED]"},
		{"header Bearer abcdefghijklmnopqrstuvwxyz", "header [REDACTED]"},
		{"tidak ada rahasia di sini", "tidak ada rahasia di sini"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.SanitizeOutput(tt.in))
	}

	g.AddBlockedWord("community")
	g.AddBlockedWord("  ")
	assert.Equal(t, "snmp [REDACTED]", g.SanitizeOutput("snmp community=public"))
}

func TestValidateToolCall(t *testing.T) {
	g := NewGuardrails()
	args := json.RawMessage(`{"sql":"SELECT 1"}`)

	require.NoError(t, g.ValidateToolCall(ports.ToolCall{Name: ports.ToolQueryAssets, Arguments: args}, []byte(sqlSchema)))

	var argErr *ToolArgumentError
	err := g.ValidateToolCall(ports.ToolCall{Arguments: args}, nil)
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "tool name cannot be empty", argErr.Reason)

	err = g.ValidateToolCall(ports.ToolCall{Name: "shell", Arguments: args}, nil)
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "unknown tool", argErr.Reason)

	err = g.ValidateToolCall(ports.ToolCall{Name: ports.ToolQueryAssets, Arguments: json.RawMessage(`{"sql": 5}`)}, []byte(sqlSchema))
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "schema validation failed", argErr.Reason)

	g.AddAllowedTool(ports.ToolSearchDocuments)
	err = g.ValidateToolCall(ports.ToolCall{Name: ports.ToolQueryAssets, Arguments: args}, []byte(sqlSchema))
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "tool is not in allowlist", argErr.Reason)
}

func TestJSONValidatorCachesSchema(t *testing.T) {
	v := NewJSONValidator()
	require.NoError(t, v.Validate(ports.ToolQueryAssets, json.RawMessage(`{"sql":"x"}`), []byte(sqlSchema)))
	assert.Len(t, v.schemas, 1)

	assert.Error(t, v.Validate(ports.ToolQueryAssets, json.RawMessage(`{`), []byte(sqlSchema)))
	assert.Error(t, v.Validate(ports.ToolVisualize, json.RawMessage(`{}`), []byte(`{"type": 12}`)))
	assert.NoError(t, v.Validate(ports.ToolVisualize, json.RawMessage(`{}`), nil))
}
