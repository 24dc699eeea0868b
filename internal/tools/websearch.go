package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Websearch queries an external search service and formats the top results
// for the model. The service speaks a small JSON protocol:
//
//	GET {endpoint}?q={query}&max_results={n}
//	-> {"results": [{"title": ..., "url": ..., "snippet": ...}]}
type Websearch struct {
	endpoint string
	topN     int
	client   *http.Client
}

// NewWebsearch creates the websearch tool.
func NewWebsearch(endpoint string, topN int) *Websearch {
	if topN <= 0 {
		topN = 5
	}
	return &Websearch{
		endpoint: endpoint,
		topN:     topN,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

func (t *Websearch) Name() string { return "websearch" }

func (t *Websearch) Description() string {
	return "Search the web for current information and get answers to questions. " +
		"Use this when you need up-to-date information, facts, news, or information not in your knowledge base."
}

func (t *Websearch) Schema() json.RawMessage {
	return json.RawMessage(`{
		"name": "websearch",
		"description": "Search the web.",
		"parameters": {
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query to find information about"},
				"max_results": {"type": "integer", "description": "Maximum number of search results to return (default: 5)"}
			},
			"required": ["query"]
		}
	}`)
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func (t *Websearch) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var in struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return Errf("websearch: bad arguments: %v", err), nil
	}
	if t.endpoint == "" {
		return Errf("websearch: no search backend configured"), nil
	}

	max := in.MaxResults
	if max <= 0 || max > t.topN {
		max = t.topN
	}

	reqURL := t.endpoint + "?q=" + url.QueryEscape(in.Query) + "&max_results=" + strconv.Itoa(max)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Errf("websearch: %v", err), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Errf("websearch: %v", err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Errf("websearch: backend returned %s", resp.Status), nil
	}

	var body struct {
		Results []searchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Errf("websearch: bad response: %v", err), nil
	}
	if len(body.Results) > max {
		body.Results = body.Results[:max]
	}

	results := make([]map[string]any, 0, len(body.Results))
	for _, r := range body.Results {
		results = append(results, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"content": r.Snippet,
			"score":   r.Score,
		})
	}
	return Ok(map[string]any{
		"query":   in.Query,
		"results": results,
		"count":   len(results),
	}), nil
}
