package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultSearchBaseURL = "https://api.tavily.com"

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func webSearchTool(deps Deps) Tool {
	baseURL := strings.TrimSuffix(deps.SearchBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSearchBaseURL
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return Tool{
		Name:        "web_search",
		Description: "Search the web and return the top results with short summaries.",
		Parameters:  []byte(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"},"max_results":{"type":"integer","description":"How many results to return, default 5"}},"required":["query"]}`),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, err := stringArg(args, "query")
			if err != nil {
				return "", err
			}
			maxResults := optionalIntArg(args, "max_results", 5)
			if maxResults < 1 || maxResults > 10 {
				maxResults = 5
			}

			body, err := json.Marshal(searchRequest{
				APIKey:     deps.SearchAPIKey,
				Query:      query,
				MaxResults: maxResults,
			})
			if err != nil {
				return "", err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/search", bytes.NewReader(body))
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := httpClient.Do(req)
			if err != nil {
				return "", fmt.Errorf("search request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 400 {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return "", fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			}

			var out searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return "", fmt.Errorf("decode search response: %w", err)
			}
			if len(out.Results) == 0 {
				return fmt.Sprintf("No results for %q.", query), nil
			}

			var b strings.Builder
			for i, r := range out.Results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
				if r.Content != "" {
					summary := r.Content
					if len(summary) > 300 {
						summary = summary[:300] + "..."
					}
					fmt.Fprintf(&b, "   %s\n", summary)
				}
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}
