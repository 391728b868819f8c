package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// VisualizationSchema defines the JSON schema for create_visualization.
const VisualizationSchema = `{
  "type": "object",
  "properties": {
    "chart_type": {"type": "string", "enum": ["bar", "line", "pie", "scatter"]},
    "title": {"type": "string"},
    "data": {
      "type": "array",
      "minItems": 1,
      "maxItems": 500,
      "items": {"type": "object"},
      "description": "Rows to plot, usually the rows returned by query_asset_database"
    },
    "x": {"type": "string", "description": "Column used for the category or x axis"},
    "y": {"type": "string", "description": "Numeric column used for values"},
    "color": {"type": "string", "description": "Optional column used to split series"}
  },
  "required": ["chart_type", "data", "y"],
  "additionalProperties": false
}`

// ChartSpec is a renderer-agnostic chart description the web client draws.
type ChartSpec struct {
	ChartType string           `json:"chart_type"`
	Title     string           `json:"title"`
	Encoding  ChartEncoding    `json:"encoding"`
	Data      []map[string]any `json:"data"`
	Summary   ChartSummary     `json:"summary"`
}

type ChartEncoding struct {
	X     string `json:"x,omitempty"`
	Y     string `json:"y"`
	Color string `json:"color,omitempty"`
}

// ChartSummary describes the plotted values.
type ChartSummary struct {
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// VisualizationTool turns tabular rows into a chart specification.
type VisualizationTool struct{}

func NewVisualizationTool() *VisualizationTool { return &VisualizationTool{} }

func (t *VisualizationTool) Name() ports.ToolName { return ports.ToolVisualize }

func (t *VisualizationTool) Description() string {
	return "Build a bar, line, pie or scatter chart specification from rows of data (for example asset counts per city)."
}

func (t *VisualizationTool) Schema() []byte { return []byte(VisualizationSchema) }

func (t *VisualizationTool) Timeout() time.Duration { return 5 * time.Second }

func (t *VisualizationTool) Invoke(_ context.Context, args json.RawMessage) (any, error) {
	var params struct {
		ChartType string           `json:"chart_type"`
		Title     string           `json:"title"`
		Data      []map[string]any `json:"data"`
		X         string           `json:"x"`
		Y         string           `json:"y"`
		Color     string           `json:"color"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	chart := strings.ToLower(strings.TrimSpace(params.ChartType))
	switch chart {
	case "bar", "line", "pie", "scatter":
	default:
		return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("unsupported chart_type %q", params.ChartType)}
	}
	if len(params.Data) == 0 {
		return nil, &ports.InvalidArgumentsError{Reason: "data must contain at least one row"}
	}
	if params.Y == "" {
		return nil, &ports.InvalidArgumentsError{Reason: "y column is required"}
	}
	if params.X == "" && chart != "pie" {
		return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("x column is required for %s charts", chart)}
	}

	values := make([]float64, 0, len(params.Data))
	for i, row := range params.Data {
		for _, col := range []string{params.X, params.Color} {
			if col == "" {
				continue
			}
			if _, ok := row[col]; !ok {
				return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("row %d has no column %q", i, col)}
			}
		}
		raw, ok := row[params.Y]
		if !ok {
			return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("row %d has no column %q", i, params.Y)}
		}
		v, ok := toFloat(raw)
		if !ok {
			return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("column %q must be numeric, got %v in row %d", params.Y, raw, i)}
		}
		if chart == "pie" && v < 0 {
			return nil, &ports.InvalidArgumentsError{Reason: "pie charts cannot plot negative values"}
		}
		values = append(values, v)
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = params.Y
		if params.X != "" {
			title = fmt.Sprintf("%s by %s", params.Y, params.X)
		}
	}

	return ChartSpec{
		ChartType: chart,
		Title:     title,
		Encoding:  ChartEncoding{X: params.X, Y: params.Y, Color: params.Color},
		Data:      params.Data,
		Summary:   summarize(values),
	}, nil
}

func summarize(values []float64) ChartSummary {
	s := ChartSummary{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Sum = floats.Sum(values)
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	s.Mean = stat.Mean(values, nil)
	if len(values) > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

var _ ports.Tool = (*VisualizationTool)(nil)
