package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// QuerySchema defines the JSON schema for query_asset_database.
const QuerySchema = `{
  "type": "object",
  "properties": {
    "sql": {
      "type": "string",
      "minLength": 1,
      "description": "A single read-only PostgreSQL SELECT (or WITH ... SELECT) statement over the asset tables"
    },
    "limit": {
      "type": "integer",
      "minimum": 1,
      "maximum": 100,
      "default": 10,
      "description": "Maximum number of rows to return"
    }
  },
  "required": ["sql"],
  "additionalProperties": false
}`

// Querier is the slice of pgx used by the query tool and the pgvector index.
// *pgxpool.Pool satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// QueryResult is the tool output.
type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
}

var (
	forbiddenSQL = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke|copy|call|merge|vacuum|refresh|reindex)\b`)
	leadingSQL   = regexp.MustCompile(`(?is)^\s*(select|with)\b`)
)

// QueryAssetsTool runs read-only SQL against the asset database.
type QueryAssetsTool struct {
	db           Querier
	defaultLimit int
}

// NewQueryAssetsTool creates the tool. defaultLimit applies when the model
// omits limit.
func NewQueryAssetsTool(db Querier, defaultLimit int) *QueryAssetsTool {
	if defaultLimit <= 0 || defaultLimit > 100 {
		defaultLimit = 10
	}
	return &QueryAssetsTool{db: db, defaultLimit: defaultLimit}
}

func (t *QueryAssetsTool) Name() ports.ToolName { return ports.ToolQueryAssets }

func (t *QueryAssetsTool) Description() string {
	return "Query the ICONNET telecom asset database (customers, OLT/ODP/FAT assets, brands, cities, clusters) with one read-only SQL SELECT."
}

func (t *QueryAssetsTool) Schema() []byte { return []byte(QuerySchema) }

func (t *QueryAssetsTool) Timeout() time.Duration { return 20 * time.Second }

type queryParams struct {
	SQL   string `json:"sql"`
	Limit int    `json:"limit"`
}

func parseQueryParams(args json.RawMessage) (queryParams, string, error) {
	var params queryParams
	if err := json.Unmarshal(args, &params); err != nil {
		return params, "", &ports.InvalidArgumentsError{Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	stmt, err := ReadOnlyStatement(params.SQL)
	return params, stmt, err
}

// ValidateArguments rejects anything but a single read-only statement before
// the database is touched.
func (t *QueryAssetsTool) ValidateArguments(args json.RawMessage) error {
	_, _, err := parseQueryParams(args)
	return err
}

// Invoke validates the statement, wraps it in a row limit and returns the rows.
func (t *QueryAssetsTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	params, stmt, err := parseQueryParams(args)
	if err != nil {
		return nil, err
	}
	limit := params.Limit
	if limit <= 0 {
		limit = t.defaultLimit
	}
	if limit > 100 {
		limit = 100
	}

	// one extra row tells us whether the result was cut
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", stmt, limit+1)
	rows, err := t.db.Query(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	out := QueryResult{Columns: columns, Rows: []map[string]any{}}
	for len(out.Rows) <= limit && rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(values) {
				row[col] = normalizeValue(values[i])
			}
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	if len(out.Rows) > limit {
		out.Rows = out.Rows[:limit]
		out.Truncated = true
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// ReadOnlyStatement returns the trimmed statement or an InvalidArgumentsError
// when it is not a single SELECT.
func ReadOnlyStatement(sql string) (string, error) {
	stmt := strings.TrimSpace(sql)
	stmt = strings.TrimSpace(strings.TrimRight(stmt, ";"))
	switch {
	case stmt == "":
		return "", &ports.InvalidArgumentsError{Reason: "sql is required"}
	case strings.Contains(stmt, ";"):
		return "", &ports.InvalidArgumentsError{Reason: "only a single statement is allowed"}
	case strings.Contains(stmt, "--") || strings.Contains(stmt, "/*"):
		return "", &ports.InvalidArgumentsError{Reason: "comments are not allowed"}
	case !leadingSQL.MatchString(stmt):
		return "", &ports.InvalidArgumentsError{Reason: "only SELECT statements are allowed"}
	}
	if m := forbiddenSQL.FindString(stmt); m != "" {
		return "", &ports.InvalidArgumentsError{Reason: fmt.Sprintf("statement contains forbidden keyword %q", strings.ToUpper(m))}
	}
	return stmt, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	return v
}

var (
	_ ports.Tool              = (*QueryAssetsTool)(nil)
	_ ports.ArgumentValidator = (*QueryAssetsTool)(nil)
)
