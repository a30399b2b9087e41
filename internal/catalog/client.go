// Package catalog fetches and caches the remote app template catalog.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/homestack/homestack/internal/apperr"
	"github.com/homestack/homestack/internal/compose"
)

// EnvDeclaration is one declared environment variable of a template.
type EnvDeclaration struct {
	Name    string `json:"name"`
	Default string `json:"default,omitempty"`
}

// Template is a normalized catalog entry.
type Template struct {
	AppID         string           `json:"app_id"`
	TemplateName  string           `json:"template_name"`
	DisplayName   string           `json:"display_name"`
	Description   string           `json:"description"`
	Platform      string           `json:"platform"`
	Categories    []string         `json:"categories"`
	LogoURL       string           `json:"logo_url,omitempty"`
	RepositoryURL string           `json:"repository_url,omitempty"`
	StackFilePath string           `json:"stack_file_path,omitempty"`
	Env           []EnvDeclaration `json:"env,omitempty"`
}

// Category values filtered out of catalog entries. Some upstream catalogs tag
// every template with the vendor's own name.
var blockedCategories = map[string]bool{
	"portainer": true,
}

// remoteCatalog mirrors the remote catalog document shape.
type remoteCatalog struct {
	Templates []remoteTemplate `json:"templates"`
}

type remoteTemplate struct {
	Title       string   `json:"title"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Platform    string   `json:"platform"`
	Categories  []string `json:"categories"`
	Logo        string   `json:"logo"`
	Repository  struct {
		URL       string `json:"url"`
		Stackfile string `json:"stackfile"`
	} `json:"repository"`
	Env []struct {
		Name    string `json:"name"`
		Default string `json:"default"`
	} `json:"env"`
}

type cacheEntry struct {
	templates    []Template
	etag         string
	lastModified string
	fetchedAt    time.Time
}

// Client fetches the remote catalog with conditional revalidation and a
// TTL cache. Catalog staleness is preferred over total unavailability: any
// fetch failure falls back to the previous cache when one exists, since the
// catalog only gates discovery of new installs, not already-running apps.
type Client struct {
	url    string
	ttl    time.Duration
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	cache   *cacheEntry
	fetchMu sync.Mutex // collapses concurrent fetches onto one in-flight request
}

// NewClient creates a catalog Client.
func NewClient(url string, ttl time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		ttl:    ttl,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// ListTemplates returns the catalog templates. A cache entry within TTL is
// returned without any network call unless bypassCache is set.
func (c *Client) ListTemplates(ctx context.Context, bypassCache bool) ([]Template, error) {
	if !bypassCache {
		if templates, ok := c.fresh(); ok {
			return templates, nil
		}
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have refreshed the cache while we waited.
	if !bypassCache {
		if templates, ok := c.fresh(); ok {
			return templates, nil
		}
	}

	templates, err := c.fetch(ctx)
	if err != nil {
		c.mu.RLock()
		stale := c.cache
		c.mu.RUnlock()
		if stale != nil {
			c.logger.Warn("catalog fetch failed, serving cached templates",
				"url", c.url,
				"cached_at", stale.fetchedAt,
				"err", err,
			)
			return stale.templates, nil
		}
		return nil, apperr.Wrap(apperr.CodeCatalogUnavailable, "catalog fetch failed and no cache exists", err)
	}
	return templates, nil
}

// Clear drops the cache. The next ListTemplates call fetches unconditionally.
func (c *Client) Clear() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

func (c *Client) fresh() ([]Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil || c.now().Sub(c.cache.fetchedAt) > c.ttl {
		return nil, false
	}
	return c.cache.templates, true
}

func (c *Client) fetch(ctx context.Context) ([]Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.cache != nil {
		if c.cache.etag != "" {
			req.Header.Set("If-None-Match", c.cache.etag)
		}
		if c.cache.lastModified != "" {
			req.Header.Set("If-Modified-Since", c.cache.lastModified)
		}
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cache == nil {
			return nil, fmt.Errorf("304 response without cached body")
		}
		c.cache.fetchedAt = c.now()
		return c.cache.templates, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var remote remoteCatalog
	if err := json.Unmarshal(body, &remote); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	templates := make([]Template, 0, len(remote.Templates))
	for _, rt := range remote.Templates {
		templates = append(templates, normalizeTemplate(rt))
	}

	c.mu.Lock()
	c.cache = &cacheEntry{
		templates:    templates,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		fetchedAt:    c.now(),
	}
	c.mu.Unlock()

	c.logger.Info("catalog refreshed", "url", c.url, "templates", len(templates))
	return templates, nil
}

func normalizeTemplate(rt remoteTemplate) Template {
	name := rt.Name
	if name == "" {
		name = rt.Title
	}

	t := Template{
		AppID:         compose.SanitizeStackName(name),
		TemplateName:  name,
		DisplayName:   rt.Title,
		Description:   rt.Description,
		Platform:      rt.Platform,
		Categories:    normalizeCategories(rt.Categories),
		LogoURL:       rt.Logo,
		RepositoryURL: rt.Repository.URL,
		StackFilePath: rt.Repository.Stackfile,
	}
	for _, e := range rt.Env {
		t.Env = append(t.Env, EnvDeclaration{Name: e.Name, Default: e.Default})
	}
	return t
}

// normalizeCategories deduplicates category tags and drops blocklisted vendor
// artifacts, keeping a stable sorted order.
func normalizeCategories(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, cat := range in {
		cat = strings.TrimSpace(cat)
		key := strings.ToLower(cat)
		if cat == "" || seen[key] || blockedCategories[key] {
			continue
		}
		seen[key] = true
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// FindTemplate returns the template with the given appID, or nil.
func FindTemplate(templates []Template, appID string) *Template {
	for i := range templates {
		if templates[i].AppID == appID {
			return &templates[i]
		}
	}
	return nil
}

// FetchStackFile downloads a template's compose document from its repository.
func (c *Client) FetchStackFile(ctx context.Context, t *Template) (string, error) {
	rawURL, err := compose.RawStackFileURL(t.RepositoryURL, t.StackFilePath)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stack file %s returned status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
