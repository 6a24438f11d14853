// Package sheetfetch resolves Google Sheets share URLs to direct CSV exports
// and retrieves them with fallback between the two export endpoint shapes.
package sheetfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/salespipe/leadsync/internal/sheetcsv"
)

var (
	ErrInvalidSheetURL = errors.New("invalid sheet URL")
	ErrSheetNotPublic  = errors.New("sheet is not public")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Fetcher struct {
	httpClient *http.Client
	baseURL    string
	logger     Logger
}

type FetcherOptions struct {
	HTTPClient *http.Client
	// BaseURL overrides the docs host, used by tests.
	BaseURL string
	Logger  Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://docs.google.com"
	}
	return &Fetcher{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     opts.Logger,
	}
}

// SheetID extracts the sheet identifier from a share URL: the path segment
// following "/d/".
func SheetID(shareURL string) (string, error) {
	shareURL = strings.TrimSpace(shareURL)
	marker := "/d/"
	idx := strings.Index(shareURL, marker)
	if idx < 0 {
		return "", fmt.Errorf("%w: %q has no /d/ segment", ErrInvalidSheetURL, shareURL)
	}
	rest := shareURL[idx+len(marker):]
	if end := strings.IndexAny(rest, "/?#"); end >= 0 {
		rest = rest[:end]
	}
	if rest == "" {
		return "", fmt.Errorf("%w: %q has an empty sheet identifier", ErrInvalidSheetURL, shareURL)
	}
	return rest, nil
}

// FetchRows retrieves the sheet tab as CSV, trying the published-to-web export
// first and the generic export second, then parses and maps every row. A body
// that looks like an HTML document counts as a failed attempt: both endpoint
// shapes serve login or error pages as HTML when the sheet is private.
func (f *Fetcher) FetchRows(ctx context.Context, shareURL string, tab int) ([]sheetcsv.MappedRow, error) {
	sheetID, err := SheetID(shareURL)
	if err != nil {
		return nil, err
	}
	if tab < 0 {
		tab = 0
	}

	candidates := []string{
		fmt.Sprintf("%s/spreadsheets/d/%s/pub?output=csv&gid=%d", f.baseURL, sheetID, tab),
		fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv&gid=%d", f.baseURL, sheetID, tab),
	}

	var lastErr error
	for _, endpoint := range candidates {
		body, err := f.fetchCSV(ctx, endpoint)
		if err != nil {
			lastErr = err
			f.logf("sheet fetch attempt failed: %v", err)
			continue
		}
		return sheetcsv.MapRecords(sheetcsv.Parse(body)), nil
	}
	return nil, fmt.Errorf("%w: sheet %s could not be fetched as CSV (publish it to the web or enable link sharing): %v",
		ErrSheetNotPublic, sheetID, lastErr)
}

func (f *Fetcher) fetchCSV(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("GET %s: http %d", endpoint, resp.StatusCode)
	}
	text := string(body)
	if strings.HasPrefix(strings.TrimSpace(text), "<") {
		return "", fmt.Errorf("GET %s: got an HTML document, not CSV", endpoint)
	}
	return text, nil
}

func (f *Fetcher) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
