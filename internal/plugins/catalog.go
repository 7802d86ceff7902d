package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vrsandeep/scm-server/internal/models"
)

// Catalog is the set of plugins and plugin sets offered by the plugin center.
type Catalog interface {
	Available() []models.AvailablePlugin
	AvailablePlugin(name string) (models.AvailablePlugin, bool)
	PluginSets() []models.PluginSet
}

// AccessTokenSource provides the plugin-center access token. An empty token
// means the server is not connected to the plugin center.
type AccessTokenSource interface {
	FetchAccessToken(ctx context.Context) (string, error)
}

// CenterCatalog is a Catalog backed by the plugin center HTTP API. It keeps
// the last successfully fetched document.
type CenterCatalog struct {
	url    string
	tokens AccessTokenSource
	client *http.Client

	mu         sync.RWMutex
	plugins    map[string]models.AvailablePlugin
	pluginSets []models.PluginSet
	fetchedAt  time.Time
}

var _ Catalog = (*CenterCatalog)(nil)

// NewCenterCatalog creates a catalog for the given plugin center URL. tokens
// may be nil.
func NewCenterCatalog(url string, tokens AccessTokenSource) *CenterCatalog {
	return &CenterCatalog{
		url:     url,
		tokens:  tokens,
		plugins: make(map[string]models.AvailablePlugin),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Fetch fetches and parses the plugin center document.
func (c *CenterCatalog) Fetch(ctx context.Context) (*models.PluginCenterResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create plugin center request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.FetchAccessToken(ctx)
		if err != nil {
			// Public plugins are still served without a token.
			log.Printf("Fetching plugin center without authentication: %v", err)
		} else if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plugin center: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plugin center returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin center data: %w", err)
	}

	var document models.PluginCenterResponse
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("failed to parse plugin center JSON: %w", err)
	}
	return &document, nil
}

// Refresh fetches the plugin center document and replaces the cached one.
// On failure the previous document stays in place.
func (c *CenterCatalog) Refresh(ctx context.Context) error {
	document, err := c.Fetch(ctx)
	if err != nil {
		return err
	}
	c.Replace(document)
	log.Printf("Plugin center refreshed: %d plugins, %d plugin sets", len(document.Plugins), len(document.PluginSets))
	return nil
}

// Replace swaps the cached document.
func (c *CenterCatalog) Replace(document *models.PluginCenterResponse) {
	plugins := make(map[string]models.AvailablePlugin, len(document.Plugins))
	for _, descriptor := range document.Plugins {
		if descriptor.Information.Name == "" {
			continue
		}
		descriptor.Information.State = models.PluginStateAvailable
		descriptor.Information.Category = descriptor.Information.CategoryOrDefault()
		plugins[descriptor.Information.Name] = models.AvailablePlugin{Descriptor: descriptor}
	}

	sets := make([]models.PluginSet, len(document.PluginSets))
	copy(sets, document.PluginSets)
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].Sequence < sets[j].Sequence })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = plugins
	c.pluginSets = sets
	c.fetchedAt = time.Now()
}

// FetchedAt returns when the cached document was stored.
func (c *CenterCatalog) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Available returns all catalog plugins ordered by name.
func (c *CenterCatalog) Available() []models.AvailablePlugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	available := make([]models.AvailablePlugin, 0, len(c.plugins))
	for _, plugin := range c.plugins {
		available = append(available, plugin)
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Name() < available[j].Name() })
	return available
}

// AvailablePlugin returns a single catalog plugin.
func (c *CenterCatalog) AvailablePlugin(name string) (models.AvailablePlugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plugin, ok := c.plugins[name]
	return plugin, ok
}

// PluginSets returns the plugin sets ordered by sequence.
func (c *CenterCatalog) PluginSets() []models.PluginSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sets := make([]models.PluginSet, len(c.pluginSets))
	copy(sets, c.pluginSets)
	return sets
}
