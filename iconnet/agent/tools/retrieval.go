package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	chromem "github.com/philippgille/chromem-go"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// SearchDocumentsSchema defines the JSON schema for search_internal_documents.
const SearchDocumentsSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "minLength": 1,
      "description": "Natural language question about internal ICONNET documents and procedures"
    },
    "k": {
      "type": "integer",
      "minimum": 1,
      "maximum": 10,
      "default": 4,
      "description": "Number of passages to return"
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`

// Document is one retrieved passage.
type Document struct {
	ID         string            `json:"id,omitempty"`
	Content    string            `json:"content"`
	Source     string            `json:"source"`
	Similarity float32           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DocumentIndex finds the passages closest to a query.
type DocumentIndex interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// PGVectorIndex searches a pgvector table with (content, metadata jsonb, embedding vector) columns.
type PGVectorIndex struct {
	db       Querier
	embedder ports.Embedder
	table    string
}

// NewPGVectorIndex creates an index over table.
func NewPGVectorIndex(db Querier, embedder ports.Embedder, table string) *PGVectorIndex {
	if table == "" {
		table = "documents"
	}
	return &PGVectorIndex{db: db, embedder: embedder, table: table}
}

func (p *PGVectorIndex) Search(ctx context.Context, query string, k int) ([]Document, error) {
	vec, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	sql := fmt.Sprintf(
		`SELECT content, metadata, 1 - (embedding <=> $1::vector) AS similarity FROM %s ORDER BY embedding <=> $1::vector LIMIT $2`,
		pgx.Identifier{p.table}.Sanitize(),
	)
	rows, err := p.db.Query(ctx, sql, VectorLiteral(vec), k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			content    string
			metadata   map[string]any
			similarity float64
		)
		if err := rows.Scan(&content, &metadata, &similarity); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		meta := make(map[string]string, len(metadata))
		for key, v := range metadata {
			meta[key] = fmt.Sprint(v)
		}
		docs = append(docs, Document{
			Content:    content,
			Source:     meta["source"],
			Similarity: float32(similarity),
			Metadata:   meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return docs, nil
}

// VectorLiteral renders vec in pgvector's text input format.
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ChromemIndex keeps documents in an embedded chromem-go collection.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) a collection. An empty path keeps it in memory.
func NewChromemIndex(path, collection string, embed chromem.EmbeddingFunc) (*ChromemIndex, error) {
	if collection == "" {
		collection = "documents"
	}
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	coll, err := db.GetOrCreateCollection(collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collection, err)
	}
	return &ChromemIndex{db: db, collection: coll}, nil
}

// Add stores documents. Missing IDs fall back to the source plus position.
func (c *ChromemIndex) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for i, d := range docs {
		meta := map[string]string{}
		for k, v := range d.Metadata {
			meta[k] = v
		}
		if d.Source != "" {
			meta["source"] = d.Source
		}
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("%s#%d", d.Source, i)
		}
		batch = append(batch, chromem.Document{ID: id, Content: d.Content, Metadata: meta})
	}
	if err := c.collection.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Count returns the number of stored documents.
func (c *ChromemIndex) Count() int { return c.collection.Count() }

func (c *ChromemIndex) Search(ctx context.Context, query string, k int) ([]Document, error) {
	// chromem rejects nResults above the collection size
	n := min(k, c.collection.Count())
	if n <= 0 {
		return []Document{}, nil
	}
	results, err := c.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	docs := make([]Document, 0, len(results))
	for _, r := range results {
		docs = append(docs, Document{
			ID:         r.ID,
			Content:    r.Content,
			Source:     r.Metadata["source"],
			Similarity: r.Similarity,
			Metadata:   r.Metadata,
		})
	}
	return docs, nil
}

// SearchDocumentsTool answers questions from internal documents.
type SearchDocumentsTool struct {
	index    DocumentIndex
	defaultK int
}

func NewSearchDocumentsTool(index DocumentIndex, defaultK int) *SearchDocumentsTool {
	if defaultK <= 0 || defaultK > 10 {
		defaultK = 4
	}
	return &SearchDocumentsTool{index: index, defaultK: defaultK}
}

func (t *SearchDocumentsTool) Name() ports.ToolName { return ports.ToolSearchDocuments }

func (t *SearchDocumentsTool) Description() string {
	return "Search internal ICONNET documents (SOPs, network guides, product notes) and return the most relevant passages."
}

func (t *SearchDocumentsTool) Schema() []byte { return []byte(SearchDocumentsSchema) }

func (t *SearchDocumentsTool) Timeout() time.Duration { return 15 * time.Second }

func (t *SearchDocumentsTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, &ports.InvalidArgumentsError{Reason: fmt.Sprintf("invalid arguments: %v", err)}
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return nil, &ports.InvalidArgumentsError{Reason: "query is required"}
	}
	k := params.K
	if k <= 0 {
		k = t.defaultK
	}
	if k > 10 {
		k = 10
	}
	docs, err := t.index.Search(ctx, params.Query, k)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []Document{}
	}
	return docs, nil
}

var (
	_ ports.Tool    = (*SearchDocumentsTool)(nil)
	_ DocumentIndex = (*PGVectorIndex)(nil)
	_ DocumentIndex = (*ChromemIndex)(nil)
)
