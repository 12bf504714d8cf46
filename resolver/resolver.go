// Package resolver turns a search term or a direct URL into a fetchable
// media resource by asking an external HTTP catalog API.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	ErrNoResults = errors.New("catalog returned no results for the query")
	ErrCatalog   = errors.New("catalog request failed")
)

// Resource is something the playback side can fetch and play.
type Resource struct {
	Title    string
	MediaURL string
}

// Catalog resolves queries against one catalog API endpoint.
type Catalog struct {
	baseURL    string
	httpClient *http.Client

	log *zap.Logger
}

// NewCatalog builds a Catalog for the API rooted at baseURL. A trailing
// slash on baseURL is tolerated.
func NewCatalog(baseURL string, httpClient *http.Client, log *zap.Logger) *Catalog {
	baseURL = strings.TrimSuffix(baseURL, "/")

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Catalog{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log,
	}
}

// Resolve maps query to a Resource. A query that is already an absolute
// http(s) URL passes straight through without touching the catalog;
// anything else is searched and the first result wins.
func (c *Catalog) Resolve(ctx context.Context, query string) (*Resource, error) {
	if u, err := url.Parse(query); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return &Resource{Title: query, MediaURL: query}, nil
	}

	searchURL := fmt.Sprintf("%s/search?q=%s", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalog, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog answered %d", ErrCatalog, resp.StatusCode)
	}

	first := gjson.GetBytes(body, "results.0")
	if !first.Exists() {
		return nil, fmt.Errorf("%w: %q", ErrNoResults, query)
	}

	mediaURL := first.Get("url").String()
	if mediaURL == "" {
		return nil, fmt.Errorf("%w: first result for %q has no url", ErrCatalog, query)
	}

	c.log.Debug("Resolved query",
		zap.String("query", query),
		zap.String("url", mediaURL))

	return &Resource{
		Title:    first.Get("title").String(),
		MediaURL: mediaURL,
	}, nil
}
