package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestNormalizeBaseURL_StripsChatCompletionsSuffix(t *testing.T) {
	// Strips a trailing "/chat/completions" suffix
	got := normalizeBaseURL("https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions")
	want := "https://dashscope.aliyuncs.com/compatible-mode/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_StripTrailingSlash(t *testing.T) {
	// Strips a trailing slash without "/chat/completions"
	got := normalizeBaseURL("https://api.openai.com/v1/")
	want := "https://api.openai.com/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_StripSlashAndSuffix(t *testing.T) {
	// Strips trailing slash AND "/chat/completions" when both are present
	got := normalizeBaseURL("https://api.example.com/v1/chat/completions/")
	want := "https://api.example.com/v1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_NoSuffixUnchanged(t *testing.T) {
	// Returns the URL unchanged when neither suffix is present
	got := normalizeBaseURL("https://api.deepseek.com")
	want := "https://api.deepseek.com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalizeBaseURL_EmptyInput(t *testing.T) {
	// Returns "" for empty input
	if got := normalizeBaseURL(""); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestNewTier_UsesTierSpecificVars(t *testing.T) {
	// Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
	t.Setenv("PLANNER_API_KEY", "sk-planner-key")
	t.Setenv("PLANNER_BASE_URL", "https://api.deepseek.com")
	t.Setenv("PLANNER_MODEL", "deepseek-reasoner")
	t.Setenv("OPENAI_API_KEY", "sk-shared-key")
	t.Setenv("OPENAI_BASE_URL", "https://api.shared.com")
	t.Setenv("OPENAI_MODEL", "shared-model")
	c := NewTier("PLANNER")
	if c.apiKey != "sk-planner-key" {
		t.Errorf("apiKey: got %q, want sk-planner-key", c.apiKey)
	}
	if c.baseURL != "https://api.deepseek.com" {
		t.Errorf("baseURL: got %q, want https://api.deepseek.com", c.baseURL)
	}
	if c.model != "deepseek-reasoner" {
		t.Errorf("model: got %q, want deepseek-reasoner", c.model)
	}
}

func TestNewTier_FallsBackToSharedVars(t *testing.T) {
	// Falls back to OPENAI_* vars for any unset tier-specific var
	os.Unsetenv("CODE_API_KEY")
	os.Unsetenv("CODE_BASE_URL")
	os.Unsetenv("CODE_MODEL")
	t.Setenv("OPENAI_API_KEY", "sk-shared-key")
	t.Setenv("OPENAI_BASE_URL", "https://api.shared.com/v1")
	t.Setenv("OPENAI_MODEL", "shared-model")
	c := NewTier("CODE")
	if c.apiKey != "sk-shared-key" {
		t.Errorf("apiKey: got %q, want sk-shared-key", c.apiKey)
	}
	if c.model != "shared-model" {
		t.Errorf("model: got %q, want shared-model", c.model)
	}
}

func TestNewTier_EmptyPrefixReadsOnlySharedVars(t *testing.T) {
	// Empty prefix reads only OPENAI_* (identical to New())
	t.Setenv("OPENAI_API_KEY", "sk-shared-key")
	t.Setenv("OPENAI_MODEL", "shared-model")
	c := NewTier("")
	if c.apiKey != "sk-shared-key" {
		t.Errorf("apiKey: got %q, want sk-shared-key", c.apiKey)
	}
	if c.model != "shared-model" {
		t.Errorf("model: got %q, want shared-model", c.model)
	}
}

// --- StripThinkBlocks ---

func TestStripThinkBlocks_RemovesSingleBlock(t *testing.T) {
	// Removes a single <think>...</think> block
	got := StripThinkBlocks("<think>let me reason</think>\n{\"tool\": \"search\"}")
	want := "{\"tool\": \"search\"}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStripThinkBlocks_RemovesMultipleBlocks(t *testing.T) {
	// Removes multiple <think>...</think> blocks
	got := StripThinkBlocks("<think>first</think>{\"a\":1}<think>second</think>{\"b\":2}")
	if strings.Contains(got, "<think>") || strings.Contains(got, "</think>") {
		t.Errorf("expected all think blocks removed, got %q", got)
	}
}

func TestStripThinkBlocks_UnclosedBlockStrippedToEnd(t *testing.T) {
	// Strips an unclosed <think> block from its start to end of string
	got := StripThinkBlocks("{\"tool\": \"search\"}<think>orphaned reasoning")
	want := "{\"tool\": \"search\"}"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStripThinkBlocks_NoTagReturnedUnchanged(t *testing.T) {
	// Returns s unchanged when no <think> tag is present
	input := "{\"tool\": \"shell\", \"command\": \"ls\"}"
	got := StripThinkBlocks(input)
	if got != input {
		t.Errorf("expected unchanged, got %q", got)
	}
}

// ── Validate ─────────────────────────────────────────────────────────────────

func TestValidate_NilWhenAllFieldsPresent(t *testing.T) {
	// Returns nil when all three fields (baseURL, apiKey, model) are non-empty
	c := &Client{baseURL: "https://api.example.com", apiKey: "sk-key", model: "gpt-4o", label: "TEST"}
	if err := c.Validate(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestValidate_ErrorListsBaseURL(t *testing.T) {
	// Returns error listing "base URL" when baseURL is empty
	c := &Client{baseURL: "", apiKey: "sk-key", model: "gpt-4o", label: "TEST"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "base URL") {
		t.Errorf("expected 'base URL' in error, got %q", err.Error())
	}
}

func TestValidate_ErrorListsAPIKey(t *testing.T) {
	// Returns error listing "API key" when apiKey is empty
	c := &Client{baseURL: "https://api.example.com", apiKey: "", model: "gpt-4o", label: "TEST"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "API key") {
		t.Errorf("expected 'API key' in error, got %q", err.Error())
	}
}

func TestValidate_ErrorListsModel(t *testing.T) {
	// Returns error listing "model" when model is empty
	c := &Client{baseURL: "https://api.example.com", apiKey: "sk-key", model: "", label: "TEST"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "model") {
		t.Errorf("expected 'model' in error, got %q", err.Error())
	}
}

func TestValidate_ErrorListsAllMissingFieldsCommaSeparated(t *testing.T) {
	// Returns error listing all missing fields comma-separated when multiple are empty
	c := &Client{baseURL: "", apiKey: "", model: "", label: "TEST"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "base URL") || !strings.Contains(msg, "API key") || !strings.Contains(msg, "model") {
		t.Errorf("expected all three fields listed, got %q", msg)
	}
	if !strings.Contains(msg, ", ") {
		t.Errorf("expected comma-separated list, got %q", msg)
	}
}

func TestValidate_ErrorIncludesTierLabel(t *testing.T) {
	// Error message includes the tier label
	c := &Client{baseURL: "", apiKey: "sk-key", model: "gpt-4o", label: "PLANNER"}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "PLANNER") {
		t.Errorf("expected tier label 'PLANNER' in error, got %q", err.Error())
	}
}

// ── Chat ─────────────────────────────────────────────────────────────────────

func TestChat_ReturnsContentAndUsage(t *testing.T) {
	// Returns the first choice's content and the reported token usage
	var gotPath, gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[]"}}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}))
	defer srv.Close()

	c := NewWithConfig(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "m1", Label: "PLANNER"})
	out, usage, err := c.Chat(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "[]" {
		t.Errorf("content: got %q, want []", out)
	}
	if usage.TotalTokens != 10 || usage.PromptTokens != 7 {
		t.Errorf("usage: got %+v", usage)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header: got %q", gotAuth)
	}
	if gotReq.Model != "m1" || len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("unexpected request body: %+v", gotReq)
	}
}

func TestChat_NonOKStatusIsError(t *testing.T) {
	// A non-200 response is returned as an error carrying the status code
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewWithConfig(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	_, _, err := c.Chat(context.Background(), "s", "u")
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("expected HTTP 429 error, got %v", err)
	}
}

func TestChat_EmptyChoicesIsError(t *testing.T) {
	// A response without choices is an error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewWithConfig(Config{BaseURL: srv.URL, APIKey: "k", Model: "m"})
	if _, _, err := c.Chat(context.Background(), "s", "u"); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestNewWithConfig_DefaultsLabel(t *testing.T) {
	// An empty label falls back to "LLM"
	c := NewWithConfig(Config{BaseURL: "https://x/v1/chat/completions"})
	if c.Label() != "LLM" {
		t.Errorf("label: got %q, want LLM", c.Label())
	}
	if c.baseURL != "https://x/v1" {
		t.Errorf("baseURL: got %q", c.baseURL)
	}
}
