package agent

import (
	"sort"
	"strings"
	"unicode"

	"github.com/armon/go-radix"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// IntentCategory is the coarse topic of a user message.
type IntentCategory string

const (
	IntentSpreadsheetETL        IntentCategory = "spreadsheet_etl"
	IntentWebSearch             IntentCategory = "web_search"
	IntentVisualizationWithData IntentCategory = "visualization_with_data"
	IntentVisualization         IntentCategory = "visualization"
	IntentAssetData             IntentCategory = "asset_data"
	IntentDocumentation         IntentCategory = "documentation"
	IntentGeneral               IntentCategory = "general"
)

// Intent is the classifier output. Tool is the capability the message most
// likely needs, empty for general chat.
type Intent struct {
	Category IntentCategory `json:"category"`
	Tool     ports.ToolName `json:"tool,omitempty"`
	Terms    []string       `json:"terms,omitempty"`
}

type keywordGroup int

const (
	groupSpreadsheet keywordGroup = iota
	groupInternalMarker
	groupInternet
	groupViz
	groupVizNeedsData
	groupData
	groupDoc
)

type keywordEntry struct {
	groups []keywordGroup
	exact  bool // match whole word only
}

// stems match any word they prefix; exact entries must equal the word.
var (
	stemKeywords = map[keywordGroup][]string{
		groupSpreadsheet:    {"spreadsheet", "excel", "upload", "etl", "sheet"},
		groupInternalMarker: {"spreadsheet", "internal", "file"},
		groupInternet:       {"berita", "cuaca", "news", "weather", "internet", "founded", "didirikan", "pendiri", "established"},
		groupViz:            {"grafik", "chart", "visualisasi", "visualiz", "visualis", "diagram", "plot"},
		groupVizNeedsData:   {"berapa", "jumlah", "bandingkan", "compar", "total", "pelanggan", "customer", "kota", "city", "count"},
		groupData:           {"berapa", "total", "jumlah", "bandingkan", "compar", "hitung", "count", "pelanggan", "customer", "brand", "kota", "city", "cluster", "lokasi", "location", "aset", "asset", "data"},
		groupDoc:            {"panduan", "guide", "dokumentasi", "documentation", "konfigurasi", "configur", "jelaskan", "explain", "definisi", "definition", "pengertian", "instalasi", "install"},
	}
	exactKeywords = map[keywordGroup][]string{
		groupSpreadsheet:  {"file"},
		groupViz:          {"pie", "bar", "line"},
		groupVizNeedsData: {"olt"},
		groupDoc:          {"sop"},
	}
	phraseKeywords = map[keywordGroup][]string{
		groupSpreadsheet:    {"ambil data", "ambil file", "proses data", "update data", "sync data", "data terbaru dari"},
		groupInternalMarker: {"data internal", "ambil data"},
		groupInternet:       {"cari di internet", "carikan di internet", "search the web", "search online", "informasi umum", "tahun berapa", "who founded"},
		groupDoc:            {"apa itu", "what is", "perbedaan", "difference between", "cara ", "how to"},
		groupData:           {"how many"},
	}
)

var stopwords = map[string]bool{
	"yang": true, "dan": true, "untuk": true, "dengan": true, "dari": true, "this": true,
	"that": true, "what": true, "with": true, "from": true, "please": true, "tolong": true,
	"have": true, "there": true, "about": true, "ini": true, "itu": true, "saya": true,
}

// IntentClassifier maps messages to categories with ordered keyword rules.
type IntentClassifier struct {
	tree *radix.Tree
}

// NewIntentClassifier builds the keyword index.
func NewIntentClassifier() *IntentClassifier {
	tree := radix.New()
	add := func(word string, group keywordGroup, exact bool) {
		key := word
		if exact {
			key = "=" + word
		}
		entry := &keywordEntry{exact: exact}
		if existing, ok := tree.Get(key); ok {
			entry = existing.(*keywordEntry)
		}
		entry.groups = append(entry.groups, group)
		tree.Insert(key, entry)
	}
	for group, words := range stemKeywords {
		for _, w := range words {
			add(w, group, false)
		}
	}
	for group, words := range exactKeywords {
		for _, w := range words {
			add(w, group, true)
		}
	}
	return &IntentClassifier{tree: tree}
}

// Classify returns the intent for message. Rules are checked in priority order:
// spreadsheet, internet, visualization, data, documentation.
func (c *IntentClassifier) Classify(message string) Intent {
	lower := strings.ToLower(message)
	words := tokenize(lower)
	hits := c.match(lower, words)

	switch {
	case hits[groupSpreadsheet]:
		return Intent{Category: IntentSpreadsheetETL, Tool: ports.ToolTriggerETL}
	case hits[groupInternet] && !hits[groupInternalMarker]:
		return Intent{Category: IntentWebSearch, Tool: ports.ToolWebSearch}
	case hits[groupViz] && hits[groupVizNeedsData]:
		return Intent{Category: IntentVisualizationWithData, Tool: ports.ToolQueryAssets}
	case hits[groupViz]:
		return Intent{Category: IntentVisualization, Tool: ports.ToolVisualize}
	case hits[groupData]:
		return Intent{Category: IntentAssetData, Tool: ports.ToolQueryAssets}
	case hits[groupDoc]:
		return Intent{Category: IntentDocumentation, Tool: ports.ToolSearchDocuments}
	}
	return Intent{Category: IntentGeneral, Terms: salientTerms(words)}
}

func (c *IntentClassifier) match(lower string, words []string) map[keywordGroup]bool {
	hits := make(map[keywordGroup]bool)
	for _, w := range words {
		if entry, ok := c.tree.Get("=" + w); ok {
			for _, g := range entry.(*keywordEntry).groups {
				hits[g] = true
			}
		}
		c.tree.WalkPath(w, func(key string, v interface{}) bool {
			for _, g := range v.(*keywordEntry).groups {
				hits[g] = true
			}
			return false
		})
	}
	for group, phrases := range phraseKeywords {
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				hits[group] = true
				break
			}
		}
	}
	return hits
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// salientTerms keeps the distinctive words of a general message so unrelated
// small talk does not share a signature.
func salientTerms(words []string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range words {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	sort.Strings(terms)
	if len(terms) > 8 {
		terms = terms[:8]
	}
	return terms
}

var defaultClassifier = NewIntentClassifier()

// ClassifyIntent classifies message with the built-in keyword rules.
func ClassifyIntent(message string) Intent {
	return defaultClassifier.Classify(message)
}
