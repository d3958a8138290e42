package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// braveEndpoint is the Brave Search web endpoint.
const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

const (
	searchCountDefault = 5
	searchCountMax     = 20
)

var searchHTTP = &http.Client{Timeout: 15 * time.Second}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// NewBraveSearchTool issues a Brave Search web query. A missing API
// key is a configuration failure the model can report, not act on.
func NewBraveSearchTool() *Tool {
	return &Tool{
		Name:        "brave-search",
		Description: "Search the web. Returns titles, URLs, and descriptions.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"count": {"type": "integer", "minimum": 1, "maximum": 20, "description": "Result count, default 5."}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage, tc *Context) any {
			var in struct {
				Query string `json:"query"`
				Count *int   `json:"count"`
			}
			if out, ok := decodeArgs(args, &in); !ok {
				return out
			}
			if issue, ok := requireString(in.Query, "query"); !ok {
				return Invalid("query is required", issue)
			}
			count := searchCountDefault
			if in.Count != nil {
				count = *in.Count
				if count < 1 || count > searchCountMax {
					return Invalid("count out of range",
						Issue{Field: "count", Message: fmt.Sprintf("count must be between 1 and %d", searchCountMax)})
				}
			}
			if tc.BraveAPIKey == "" {
				return FailureCode("not_configured", "Web search is not configured; no Brave API key is set.")
			}

			reqURL := braveEndpoint + "?q=" + url.QueryEscape(in.Query) + "&count=" + strconv.Itoa(count)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return Failure("Could not build search request: " + err.Error())
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("X-Subscription-Token", tc.BraveAPIKey)

			resp, err := searchHTTP.Do(req)
			if err != nil {
				return Failure("Search request failed: " + err.Error())
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return Failure("Could not read search response: " + err.Error())
			}
			if resp.StatusCode != http.StatusOK {
				return Failure(fmt.Sprintf("Search API returned %s.", resp.Status))
			}

			var parsed braveResponse
			if err := json.Unmarshal(body, &parsed); err != nil {
				return Failure("Could not parse search response: " + err.Error())
			}

			type result struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			}
			results := make([]result, 0, len(parsed.Web.Results))
			for _, r := range parsed.Web.Results {
				results = append(results, result(r))
			}
			return map[string]any{"success": true, "query": in.Query, "results": results}
		},
	}
}
