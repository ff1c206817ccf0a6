// Package browser is the web-interaction capability. It fetches the pages an
// instruction names and reports their titles and readable text; an
// instruction without a URL becomes a web search.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/haricheung/taskflow/internal/tasklog"
	"github.com/haricheung/taskflow/internal/tools"
)

const (
	DefaultAttempts   = 2
	defaultBaseDelay  = 2 * time.Second
	defaultMaxDelay   = 10 * time.Second
	defaultMaxPages   = 3
	defaultMaxBytes   = 1 << 20
	defaultExcerpt    = 600
	defaultUserAgent  = "taskflow/1.0 (+https://github.com/haricheung/taskflow)"
	perRequestTimeout = 30 * time.Second
)

// Config tunes fetching. Zero values select defaults.
type Config struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxPages   int   // URLs fetched per instruction
	MaxBytes   int64 // body bytes read per page
	ExcerptLen int   // characters of page text kept
	UserAgent  string
}

// Page is one fetched URL.
type Page struct {
	URL     string `json:"url"`
	Status  int    `json:"status"`
	Title   string `json:"title,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the payload recorded as the step result. Pages is set for
// fetched URLs; Query and Results for a search.
type Result struct {
	Success bool                 `json:"success"`
	Pages   []Page               `json:"pages,omitempty"`
	Query   string               `json:"query,omitempty"`
	Results []tools.SearchResult `json:"results,omitempty"`
}

// Browser implements types.Capability for web-interaction steps.
type Browser struct {
	http   *http.Client
	search *tools.Searcher
	cfg    Config
}

// New creates a Browser. search may be nil, in which case instructions
// without a URL fail.
func New(search *tools.Searcher, cfg Config) *Browser {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.ExcerptLen <= 0 {
		cfg.ExcerptLen = defaultExcerpt
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Browser{
		http:   &http.Client{Timeout: perRequestTimeout},
		search: search,
		cfg:    cfg,
	}
}

// Run performs instruction.
//
// Expectations:
//   - Fetches every http(s) URL in the instruction, up to Config.MaxPages, in order of appearance
//   - Succeeds when at least one page answered with a 2xx status
//   - Returns an error when every URL failed at the transport level
//   - Falls back to a web search when the instruction holds no URL
//   - Returns an error when there is no URL and search is not configured
func (b *Browser) Run(ctx context.Context, instruction string) (any, error) {
	urls := ExtractURLs(instruction)
	if len(urls) == 0 {
		return b.searchFor(ctx, instruction)
	}
	if len(urls) > b.cfg.MaxPages {
		urls = urls[:b.cfg.MaxPages]
	}

	res := Result{}
	var transportErrs []error
	for _, u := range urls {
		p, err := b.fetchWithRetry(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transportErrs = append(transportErrs, err)
			p = Page{URL: u, Error: err.Error()}
		}
		if p.Status >= 200 && p.Status < 300 {
			res.Success = true
		}
		res.Pages = append(res.Pages, p)
	}
	if len(transportErrs) == len(urls) {
		return nil, fmt.Errorf("no page could be fetched: %w", errors.Join(transportErrs...))
	}
	return res, nil
}

func (b *Browser) searchFor(ctx context.Context, query string) (any, error) {
	if !b.search.Enabled() {
		return nil, errors.New("instruction has no URL and web search is not configured")
	}
	start := time.Now()
	results, err := b.search.Search(ctx, query)
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	tasklog.FromContext(ctx).ToolCall("search", query, tools.FormatResults(query, results), errStr, time.Since(start).Milliseconds())
	if err != nil {
		return nil, err
	}
	log.Printf("[WEB] search %q returned %d results", query, len(results))
	return Result{Success: len(results) > 0, Query: query, Results: results}, nil
}

// fetchWithRetry retries transport errors and 429/5xx answers.
func (b *Browser) fetchWithRetry(ctx context.Context, url string) (Page, error) {
	var (
		p   Page
		err error
	)
	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		p, err = b.fetch(ctx, url)
		if err == nil && !retryable(p.Status) {
			return p, nil
		}
		if attempt == b.cfg.Attempts {
			break
		}
		log.Printf("[WEB] fetch %s attempt %d/%d: status=%d err=%v", url, attempt, b.cfg.Attempts, p.Status, err)
		if serr := sleep(ctx, backoff(b.cfg.BaseDelay, b.cfg.MaxDelay, attempt)); serr != nil {
			return Page{}, serr
		}
	}
	return p, err
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func (b *Browser) fetch(ctx context.Context, url string) (Page, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", b.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := b.http.Do(req)
	if err != nil {
		tasklog.FromContext(ctx).ToolCall("fetch", url, "", err.Error(), time.Since(start).Milliseconds())
		return Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.cfg.MaxBytes))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	p := Page{URL: url, Status: resp.StatusCode}
	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || looksLikeHTML(text) {
		if root, err := html.Parse(strings.NewReader(text)); err == nil {
			p.Title = pageTitle(root)
			text = pageText(root)
		}
	}
	p.Excerpt = truncate(collapseSpace(text), b.cfg.ExcerptLen)
	tasklog.FromContext(ctx).ToolCall("fetch", url, fmt.Sprintf("HTTP %d %s", p.Status, p.Title), "", time.Since(start).Milliseconds())
	log.Printf("[WEB] fetched %s status=%d bytes=%d", url, p.Status, len(body))
	return p, nil
}

var (
	urlRe      = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)
	spaceRe    = regexp.MustCompile(`\s+`)
	trailPunct = ".,;:!?)]}'\""
)

// ExtractURLs returns the distinct http(s) URLs in s in order of appearance,
// without trailing sentence punctuation.
func ExtractURLs(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range urlRe.FindAllString(s, -1) {
		u = strings.TrimRight(u, trailPunct)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// ExtractTitle returns the text of the first <title> element.
func ExtractTitle(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	return pageTitle(root)
}

// HTMLToText returns the visible text of doc: everything outside head,
// script, style and noscript elements and comments.
func HTMLToText(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	return pageText(root)
}

func pageTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		return collapseSpace(sb.String())
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := pageTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func pageText(root *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			parts = append(parts, n.Data)
			return
		case html.CommentNode:
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Head, atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return collapseSpace(strings.Join(parts, " "))
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s[:min(len(s), 512)])
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > limit || d <= 0 {
		return limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
