package agent

import (
	"fmt"
	"strings"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

const dialogueSystemPrompt = `You are the assistant of the ICONNET telecom infrastructure database.
Answer in the language of the user. Use the available tools whenever the question needs
asset data, internal documentation, charts, current information from the web, or a
spreadsheet ETL run. Never invent numbers that a tool should provide.`

const synthesisSystemPrompt = `Write the final answer to the user's latest message using only the tool
results provided as context. Mention which tool each fact came from (database query,
internal documents, chart, web search, ETL workflow). If a tool failed, say plainly that
that part could not be completed instead of guessing.`

const judgeSystemPrompt = `You review an assistant answer. Reply with JSON only:
{"on_topic": true|false, "reason": "<short reason>"}.
on_topic is true when the answer directly addresses the user's latest message.`

// PromptBuilder assembles provider-ready inputs from state, tool results and guidance.
type PromptBuilder struct {
	historyWindow int
}

// NewPromptBuilder returns a builder that keeps the last historyWindow turns.
func NewPromptBuilder(historyWindow int) *PromptBuilder {
	if historyWindow <= 0 {
		historyWindow = 20
	}
	return &PromptBuilder{historyWindow: historyWindow}
}

// Build normalizes system text, messages and context into a PromptInput.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, contextSnippets []string, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	// Normalize newlines and trim whitespace
	for i := range messages {
		messages[i].Content = normalize(messages[i].Content)
	}
	for i := range contextSnippets {
		contextSnippets[i] = normalize(contextSnippets[i])
	}

	return ports.PromptInput{
		System:   normalize(system),
		Messages: messages,
		Context:  contextSnippets,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}

// Dialogue builds the decision prompt: windowed history, the tool catalogue and,
// on retries, corrective guidance appended to the system text.
func (b *PromptBuilder) Dialogue(state *ports.ConversationState, toolSpecs []ports.ToolSpec, guidance string) ports.PromptInput {
	system := dialogueSystemPrompt
	if guidance != "" {
		system += "\n\nA previous answer to this message was rejected. Fix these problems:\n" + guidance
	}
	return b.Build(system, b.history(state), nil, toolSpecs, map[string]string{
		"thread_id": state.ThreadID,
		"stage":     "dialogue",
	})
}

// Synthesis builds the prompt that merges tool results into narrative text.
func (b *PromptBuilder) Synthesis(state *ports.ConversationState, packed []string) ports.PromptInput {
	system := synthesisSystemPrompt
	if uc := state.UserContext; uc.DisplayName != "" || uc.Role != "" {
		system += fmt.Sprintf("\n\nThe user is %s (role: %s).", orDefault(uc.DisplayName, "unknown"), orDefault(uc.Role, "unknown"))
	}
	messages := []ports.PromptMessage{{Role: ports.RoleUser, Content: state.LastUserMessage()}}
	return b.Build(system, messages, packed, nil, map[string]string{
		"thread_id": state.ThreadID,
		"stage":     "synthesis",
	})
}

// Judge builds the topic-drift check prompt.
func (b *PromptBuilder) Judge(question, candidate string) ports.PromptInput {
	content := fmt.Sprintf("User message:\n%s\n\nAssistant answer:\n%s", question, candidate)
	return b.Build(judgeSystemPrompt, []ports.PromptMessage{{Role: ports.RoleUser, Content: content}}, nil, nil, map[string]string{
		"stage": "quality_gate",
	})
}

// history converts the last turns into prompt messages. Tool turns are folded
// into assistant text so providers never see orphaned tool responses.
func (b *PromptBuilder) history(state *ports.ConversationState) []ports.PromptMessage {
	turns := state.History
	if len(turns) > b.historyWindow {
		turns = turns[len(turns)-b.historyWindow:]
	}
	messages := make([]ports.PromptMessage, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case ports.RoleUser:
			messages = append(messages, ports.PromptMessage{Role: ports.RoleUser, Content: t.Content})
		case ports.RoleAssistant:
			content := t.Content
			if content == "" && len(t.ToolCalls) > 0 {
				content = "Requested tools: " + joinToolNames(t.ToolCalls)
			}
			messages = append(messages, ports.PromptMessage{Role: ports.RoleAssistant, Content: content})
		case ports.RoleTool:
			messages = append(messages, ports.PromptMessage{Role: ports.RoleAssistant, Content: "Tool results: " + t.Content})
		}
	}
	return messages
}

func joinToolNames(calls []ports.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = string(c.Name)
	}
	return strings.Join(names, ", ")
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
