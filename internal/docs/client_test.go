package docs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_SearchRendersResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("Expected /search, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "srtm elevation" {
			t.Errorf("Expected escaped query, got %q", got)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"id":"USGS/SRTMGL1_003","title":"SRTM Digital Elevation Data","description":"30m global elevation"},
			{"id":"NASA/NASADEM_HGT/001","title":"NASADEM","description":"reprocessed SRTM"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	got, err := c.Search(context.Background(), "srtm elevation")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !strings.Contains(got, "USGS/SRTMGL1_003") || !strings.Contains(got, "NASADEM") {
		t.Errorf("Expected both hits rendered, got %q", got)
	}
}

func TestClient_SearchTruncatesResultList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		b.WriteString(`{"results":[`)
		for i := 0; i < 10; i++ {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(`{"id":"ds","title":"Dataset","description":"entry"}`)
		}
		b.WriteString(`]}`)
		_, _ = w.Write([]byte(b.String()))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	got, err := c.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if n := strings.Count(got, "Dataset (ds)"); n != maxResults {
		t.Errorf("Expected %d rendered hits, got %d", maxResults, n)
	}
}

func TestClient_SearchNoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL)
	got, err := c.Search(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !strings.Contains(got, "No documentation found") {
		t.Errorf("Expected empty-result message, got %q", got)
	}
}

func TestClient_SearchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			c := NewClient(server.URL)
			if _, err := c.Search(context.Background(), "q"); err == nil {
				t.Error("Expected search to fail")
			}
		})
	}
}
