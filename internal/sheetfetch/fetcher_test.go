package sheetfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const shareURL = "https://docs.google.com/spreadsheets/d/1AbC_def-123/edit#gid=0"

func TestSheetIDExtractsSegmentAfterD(t *testing.T) {
	id, err := SheetID(shareURL)
	if err != nil {
		t.Fatalf("sheet id failed: %v", err)
	}
	if id != "1AbC_def-123" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestSheetIDRejectsURLWithoutDSegment(t *testing.T) {
	_, err := SheetID("https://example.com/spreadsheet/12345")
	if !errors.Is(err, ErrInvalidSheetURL) {
		t.Fatalf("expected ErrInvalidSheetURL, got %v", err)
	}
}

func TestFetchRowsParsesFirstEndpoint(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path+"?"+r.URL.RawQuery)
		_, _ = w.Write([]byte("Name,Phone\nJane,555-0100\n"))
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{HTTPClient: server.Client(), BaseURL: server.URL})
	rows, err := fetcher.FetchRows(context.Background(), shareURL, 0)
	if err != nil {
		t.Fatalf("fetch rows failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "Jane" || rows[0].Phone != "555-0100" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if len(paths) != 1 || !strings.Contains(paths[0], "/pub?output=csv") {
		t.Fatalf("expected published-to-web endpoint first, got %v", paths)
	}
}

func TestFetchRowsFallsBackWhenFirstEndpointReturnsHTML(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.Contains(r.URL.Path, "/pub") {
			_, _ = w.Write([]byte("<!DOCTYPE html><html><body>Sign in</body></html>"))
			return
		}
		_, _ = w.Write([]byte("Name\nJane\n"))
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{HTTPClient: server.Client(), BaseURL: server.URL})
	rows, err := fetcher.FetchRows(context.Background(), shareURL, 0)
	if err != nil {
		t.Fatalf("fetch rows failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "Jane" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if len(paths) != 2 {
		t.Fatalf("expected both endpoints attempted, got %v", paths)
	}
}

func TestFetchRowsSurfacesNotPublicWhenBothEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{HTTPClient: server.Client(), BaseURL: server.URL})
	_, err := fetcher.FetchRows(context.Background(), shareURL, 0)
	if !errors.Is(err, ErrSheetNotPublic) {
		t.Fatalf("expected ErrSheetNotPublic, got %v", err)
	}
}

func TestFetchRowsUsesRequestedTab(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte("Name\nJane\n"))
	}))
	defer server.Close()

	fetcher := NewFetcher(FetcherOptions{HTTPClient: server.Client(), BaseURL: server.URL})
	if _, err := fetcher.FetchRows(context.Background(), shareURL, 3); err != nil {
		t.Fatalf("fetch rows failed: %v", err)
	}
	if !strings.Contains(query, "gid=3") {
		t.Fatalf("expected gid=3 in query, got %q", query)
	}
}
