package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// CredentialEntry is one credential a plugin requires at execution time.
// ValueFrom references where the secret lives, e.g. "env:SERVICE_API_KEY".
type CredentialEntry struct {
	Key       string `json:"key"`
	ValueFrom string `json:"valueFrom,omitempty"`
	Value     string `json:"value,omitempty"`
}

// CredentialStore fetches per-plugin credential lists from the librarian
// config store, with a small in-memory TTL cache.
type CredentialStore struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]credentialCacheEntry
	ttl   time.Duration
}

type credentialCacheEntry struct {
	entries   []CredentialEntry
	fetchedAt time.Time
}

// NewCredentialStore creates a credential store client
func NewCredentialStore(librarianURL string) *CredentialStore {
	return &CredentialStore{
		baseURL: strings.TrimRight(librarianURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]credentialCacheEntry),
		ttl:     5 * time.Minute,
	}
}

// PluginCredentials returns the credential list for a plugin. A missing
// configuration is not an error; it returns an empty list.
func (cs *CredentialStore) PluginCredentials(ctx context.Context, pluginID string) ([]CredentialEntry, error) {
	cs.mu.Lock()
	if cached, ok := cs.cache[pluginID]; ok && time.Since(cached.fetchedAt) < cs.ttl {
		cs.mu.Unlock()
		return cached.entries, nil
	}
	cs.mu.Unlock()

	url := fmt.Sprintf("%s/loadData/plugin-config/%s", cs.baseURL, pluginID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := cs.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plugin config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		cs.store(pluginID, nil)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("plugin config fetch returned status %d", resp.StatusCode)
	}

	var payload struct {
		Credentials []CredentialEntry `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode plugin config: %w", err)
	}

	cs.store(pluginID, payload.Credentials)
	return payload.Credentials, nil
}

func (cs *CredentialStore) store(pluginID string, entries []CredentialEntry) {
	cs.mu.Lock()
	cs.cache[pluginID] = credentialCacheEntry{entries: entries, fetchedAt: time.Now()}
	cs.mu.Unlock()
}

// Resolve materializes a credential value. "env:NAME" references read the
// process environment; anything else is returned verbatim.
func (e CredentialEntry) Resolve() string {
	if e.Value != "" {
		return e.Value
	}
	if name, ok := strings.CutPrefix(e.ValueFrom, "env:"); ok {
		return os.Getenv(name)
	}
	return e.ValueFrom
}
