package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edward-labs/edward/internal/apperr"
)

// SearxSearcher queries a SearxNG instance's JSON API. It is the production
// Searcher; any self-hosted instance works.
type SearxSearcher struct {
	baseURL string
	http    *http.Client
}

// NewSearxSearcher builds the client against a SearxNG base URL.
func NewSearxSearcher(baseURL string) *SearxSearcher {
	return &SearxSearcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *SearxSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "build search request", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "call search endpoint", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindInfrastructure,
			"search endpoint returned %d", resp.StatusCode).WithCode("search_http_error")
	}

	var out searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "decode search response", err)
	}

	results := make([]SearchResult, 0, maxResults)
	for _, r := range out.Results {
		if len(results) == maxResults {
			break
		}
		results = append(results, SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return results, nil
}

var _ Searcher = (*SearxSearcher)(nil)
