package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFormatResults_EmptyReturnsNoResults(t *testing.T) {
	// Returns a "No results" message when results is empty
	got := FormatResults("test query", nil)
	if !strings.Contains(got, "No results") {
		t.Errorf("expected 'No results' message, got %q", got)
	}
}

func TestFormatResults_IncludesTitleSnippetURL(t *testing.T) {
	// Includes title, snippet, and URL for each result
	got := FormatResults("query", []SearchResult{
		{Title: "Example Title", Snippet: "An example snippet.", URL: "https://example.com"},
	})
	for _, want := range []string{"Example Title", "An example snippet.", "https://example.com"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output, got %q", want, got)
		}
	}
}

func TestFormatResults_OmitsDateWhenEmpty(t *testing.T) {
	// Omits the date when Published is empty
	got := FormatResults("query", []SearchResult{{Title: "Title", Snippet: "text", URL: "https://a.com"}})
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "https://a.com") && line[0] >= '0' && line[0] <= '9' {
			t.Errorf("unexpected date prefix on URL line: %q", line)
		}
	}
}

func TestFormatResults_MultipleResultsSeparatedByBlankLine(t *testing.T) {
	// Separates results with a blank line
	got := FormatResults("query", []SearchResult{
		{Title: "First", Snippet: "s1", URL: "https://a.com"},
		{Title: "Second", Snippet: "s2", URL: "https://b.com"},
	})
	if !strings.Contains(got, "\n\n") {
		t.Errorf("expected blank line between results, got %q", got)
	}
}

func TestToResults_PrefersSummaryOverSnippet(t *testing.T) {
	// Prefers summary over snippet when summary is non-empty
	got := toResults([]bochaWebPage{{Name: "Title", Snippet: "short snippet", Summary: "longer summary text", URL: "https://a.com"}})
	if got[0].Snippet != "longer summary text" {
		t.Errorf("expected summary, got %q", got[0].Snippet)
	}
}

func TestToResults_TruncatesDate(t *testing.T) {
	// Keeps only the YYYY-MM-DD part of datePublished
	got := toResults([]bochaWebPage{{Name: "Title", URL: "https://a.com", DatePublished: "2024-07-22T00:00:00+08:00"}})
	if got[0].Published != "2024-07-22" {
		t.Errorf("expected 2024-07-22, got %q", got[0].Published)
	}
}

func TestToResults_CapsAtMaxResults(t *testing.T) {
	// Caps output at bochaMaxResults results
	pages := make([]bochaWebPage, bochaMaxResults+3)
	for i := range pages {
		pages[i] = bochaWebPage{Name: "Title", URL: "https://a.com"}
	}
	if got := toResults(pages); len(got) != bochaMaxResults {
		t.Errorf("expected %d results, got %d", bochaMaxResults, len(got))
	}
}

func TestSearch_ErrorWithoutAPIKey(t *testing.T) {
	// Returns an error when no API key is configured
	if _, err := NewSearcher("", "").Search(context.Background(), "q"); err == nil {
		t.Error("expected error without API key")
	}
}

func TestSearch_ReturnsHitsFromAPI(t *testing.T) {
	// Returns the hits in API order when the API responds with webPages
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"webPages":{"value":[{"name":"Go","url":"https://go.dev","snippet":"The Go language"},{"name":"Pkg","url":"https://pkg.go.dev"}]}}`)
	}))
	defer srv.Close()

	got, err := NewSearcher("key", srv.URL).Search(context.Background(), "golang")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].URL != "https://go.dev" || got[1].Title != "Pkg" {
		t.Errorf("unexpected results: %+v", got)
	}
	if gotAuth != "Bearer key" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSearch_NonOKStatusIsError(t *testing.T) {
	// Returns an error carrying the status code on a non-200 response
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewSearcher("key", srv.URL).Search(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected HTTP 401 error, got %v", err)
	}
}
