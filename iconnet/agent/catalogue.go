package agent

import (
	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// toolLabels are the user-facing names used in degradation notes.
var toolLabels = map[ports.ToolName]string{
	ports.ToolQueryAssets:     "asset database query",
	ports.ToolSearchDocuments: "internal document search",
	ports.ToolVisualize:       "chart generation",
	ports.ToolWebSearch:       "web search",
	ports.ToolTriggerETL:      "spreadsheet ETL workflow",
}

// toolReferenceTerms are the words that count as citing a tool in an answer.
var toolReferenceTerms = map[ports.ToolName][]string{
	ports.ToolQueryAssets:     {"database", "basis data", "query", "data aset", "asset data", "records", "rows"},
	ports.ToolSearchDocuments: {"document", "dokumen", "documentation", "dokumentasi", "internal"},
	ports.ToolVisualize:       {"chart", "grafik", "visualization", "visualisasi", "diagram", "plot"},
	ports.ToolWebSearch:       {"web", "internet", "source", "sumber", "search", "http"},
	ports.ToolTriggerETL:      {"etl", "workflow", "pipeline", "spreadsheet", "airflow"},
}

func toolLabel(name ports.ToolName) string {
	if l, ok := toolLabels[name]; ok {
		return l
	}
	return string(name)
}
