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

const (
	bochaAPIURL     = "https://api.bochaai.com/v1/web-search"
	bochaMaxResults = 5
	searchTimeout   = 15 * time.Second
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet,omitempty"`
	Published string `json:"published,omitempty"`
}

// Searcher queries the Bocha web search API (api.bochaai.com).
type Searcher struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewSearcher creates a Searcher. An empty endpoint selects the public Bocha API.
func NewSearcher(apiKey, endpoint string) *Searcher {
	if endpoint == "" {
		endpoint = bochaAPIURL
	}
	return &Searcher{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: searchTimeout},
	}
}

// Enabled reports whether the searcher has credentials. Nil-safe.
func (s *Searcher) Enabled() bool {
	return s != nil && s.apiKey != ""
}

// Search runs query and returns at most bochaMaxResults hits.
//
// Expectations:
//   - Returns an error when no API key is configured
//   - Returns the hits in API order when the API responds with webPages
//   - Returns an empty slice when webPages.value is empty
//   - Caps output at bochaMaxResults results
//   - Returns an error carrying the status code on a non-200 response
func (s *Searcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("websearch: BOCHA_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]any{
		"query":     query,
		"freshness": "noLimit",
		"summary":   false,
		"count":     bochaMaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("websearch: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websearch: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("websearch: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: HTTP %d: %s", resp.StatusCode, firstN(string(body), 300))
	}

	var result bochaResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("websearch: parse response: %w", err)
	}

	return toResults(result.WebPages.Value), nil
}

type bochaResponse struct {
	WebPages struct {
		Value []bochaWebPage `json:"value"`
	} `json:"webPages"`
}

type bochaWebPage struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	Summary       string `json:"summary"`
	SiteName      string `json:"siteName"`
	DatePublished string `json:"datePublished"`
}

// toResults converts Bocha pages into SearchResults.
//
// Expectations:
//   - Prefers summary over snippet when summary is non-empty
//   - Keeps only the YYYY-MM-DD part of datePublished
//   - Caps output at bochaMaxResults results
func toResults(pages []bochaWebPage) []SearchResult {
	out := make([]SearchResult, 0, len(pages))
	for i, p := range pages {
		if i >= bochaMaxResults {
			break
		}
		text := p.Snippet
		if p.Summary != "" {
			text = p.Summary
		}
		date := p.DatePublished
		if len(date) > 10 {
			date = date[:10]
		}
		out = append(out, SearchResult{Title: p.Name, URL: p.URL, Snippet: text, Published: date})
	}
	return out
}

// FormatResults renders search hits as a readable text block.
//
// Expectations:
//   - Returns a "No results" message when results is empty
//   - Includes title, snippet, and URL for each result
//   - Omits the date when Published is empty
//   - Separates results with a blank line
func FormatResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %q", query)
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(r.Title)
		sb.WriteString("\n")
		if r.Snippet != "" {
			sb.WriteString(r.Snippet)
			sb.WriteString("\n")
		}
		if r.Published != "" {
			sb.WriteString(r.Published)
			sb.WriteString(" ")
		}
		sb.WriteString(r.URL)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
