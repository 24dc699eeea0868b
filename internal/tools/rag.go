package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RAG queries a document-collection retrieval service:
//
//	POST {endpoint}/query
//	{"query": ..., "collection_name": ..., "max_results": n}
//	-> {"documents": [{"content": ..., "source": ..., "score": ...}]}
//
// Collection names are validated against the configured set; the agent
// loop also checks them before dispatch so an invalid name never burns a
// tool slot.
type RAG struct {
	endpoint    string
	collections []string
	client      *http.Client
}

// NewRAG creates the rag tool.
func NewRAG(endpoint string, collections []string) *RAG {
	return &RAG{
		endpoint:    endpoint,
		collections: collections,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *RAG) Name() string { return "rag" }

func (t *RAG) Description() string {
	return "Retrieve relevant information from document collections using semantic search. " +
		"Query user-specific document collections. Documents must be uploaded first using the RAG upload API."
}

func (t *RAG) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "rag",
		"description": "Semantic search over document collections.",
		"parameters": {
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The query to search for in the document database"},
				"collection_name": {"type": "string", "description": "Name of the document collection to search in (required)"},
				"max_results": {"type": "integer", "description": "Maximum number of documents to retrieve (default: 5)"}
			},
			"required": ["query", "collection_name"]
		}
	}`)
}

// Collections returns the configured collection names.
func (t *RAG) Collections() []string {
	return append([]string{}, t.collections...)
}

// UserCollections fetches the collections owned by a user from the
// retrieval service:
//
//	GET {endpoint}/collections?username={u}
//	-> {"collections": ["a", "b"]}
//
// Without an endpoint, or when the service is unreachable, the statically
// configured set stands in so the agent loop always has something to
// validate against.
func (t *RAG) UserCollections(ctx context.Context, username string) []string {
	if t.endpoint == "" {
		return t.Collections()
	}

	reqURL := strings.TrimRight(t.endpoint, "/") + "/collections?username=" + url.QueryEscape(username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return t.Collections()
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return t.Collections()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return t.Collections()
	}

	var body struct {
		Collections []string `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return t.Collections()
	}
	return body.Collections
}

// ValidCollection reports whether name is a configured collection.
func (t *RAG) ValidCollection(name string) bool {
	for _, c := range t.collections {
		if c == name {
			return true
		}
	}
	return false
}

func (t *RAG) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Query          string `json:"query"`
		CollectionName string `json:"collection_name"`
		MaxResults     int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("rag: bad arguments: %v", err), nil
	}
	if t.endpoint == "" {
		return Errf("rag: no retrieval backend configured"), nil
	}
	if !t.ValidCollection(in.CollectionName) {
		return &Result{
			Error:  fmt.Sprintf("rag: unknown collection %q", in.CollectionName),
			Fields: map[string]any{"available_collections": t.Collections()},
		}, nil
	}
	if in.MaxResults <= 0 {
		in.MaxResults = 5
	}

	payload, err := json.Marshal(map[string]any{
		"query":           in.Query,
		"collection_name": in.CollectionName,
		"max_results":     in.MaxResults,
	})
	if err != nil {
		return Errf("rag: %v", err), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.endpoint, "/")+"/query", bytes.NewReader(payload))
	if err != nil {
		return Errf("rag: %v", err), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errf("rag: %v", err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errf("rag: backend returned %s", resp.Status), nil
	}

	var body struct {
		Documents []struct {
			Content string  `json:"content"`
			Source  string  `json:"source"`
			Score   float64 `json:"score"`
		} `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Errf("rag: bad response: %v", err), nil
	}

	docs := make([]map[string]any, 0, len(body.Documents))
	for _, d := range body.Documents {
		docs = append(docs, map[string]any{
			"content": d.Content,
			"source":  d.Source,
			"score":   d.Score,
		})
	}
	return Ok(map[string]any{
		"collection": in.CollectionName,
		"query":      in.Query,
		"documents":  docs,
		"count":      len(docs),
	}), nil
}
