package contextmgr

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstack/capman/pkg/log"
	"github.com/capstack/capman/pkg/types"
)

const (
	// cacheTTL is how long the metadata cache is served before a refresh
	cacheTTL = 5 * time.Minute

	// emaAlpha weighs new samples into the running statistics
	emaAlpha = 0.1

	// sampleKeep caps the raw samples retained per plugin
	sampleKeep = 100
)

// MetadataLister supplies the upstream plugin listing the cache is built
// from
type MetadataLister interface {
	ListPluginMetadata() ([]types.PluginMetadata, error)
}

// Sample is one invocation observation pushed after execution
type Sample struct {
	ExecutionTime time.Duration
	Success       bool
	At            time.Time
}

// Manager ranks plugin summaries by relevance to a goal under token and
// count budgets, and accumulates per-plugin usage statistics.
type Manager struct {
	lister MetadataLister

	mu          sync.Mutex
	cache       map[string]types.PluginMetadata
	refreshedAt time.Time

	stats   map[string]*types.UsageStats
	samples map[string][]Sample

	logger zerolog.Logger
}

// New creates a context manager
func New(lister MetadataLister) *Manager {
	return &Manager{
		lister:  lister,
		cache:   make(map[string]types.PluginMetadata),
		stats:   make(map[string]*types.UsageStats),
		samples: make(map[string][]Sample),
		logger:  log.WithComponent("contextmgr"),
	}
}

// GenerateContext returns a ranked, budget-bounded plugin context for the
// goal, formatted one plugin per line.
func (m *Manager) GenerateContext(goal string, constraints types.ContextConstraints) (string, error) {
	plugins, err := m.rankedPlugins(goal, constraints)
	if err != nil {
		return "", err
	}

	lines := make([]string, 0, len(plugins))
	for _, p := range plugins {
		line := fmt.Sprintf("- %s: %s", p.Verb, p.Description)
		if len(p.RequiredInputs) > 0 {
			line += fmt.Sprintf(" (required inputs: %s)", strings.Join(p.RequiredInputs, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// rankedPlugins scores every cached plugin against the goal and selects
// greedily by descending score under both budgets
func (m *Manager) rankedPlugins(goal string, constraints types.ContextConstraints) ([]types.PluginMetadata, error) {
	if err := m.ensureFresh(); err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(constraints.ExcludedPlugins))
	for _, id := range constraints.ExcludedPlugins {
		excluded[id] = true
	}

	type scored struct {
		meta  types.PluginMetadata
		score float64
	}

	m.mu.Lock()
	candidates := make([]scored, 0, len(m.cache))
	for _, meta := range m.cache {
		if stats, ok := m.stats[meta.ID]; ok {
			meta.Stats = *stats
		}
		candidates = append(candidates, scored{meta: meta, score: score(meta, goal, constraints)})
	}
	m.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	maxPlugins := constraints.MaxPlugins
	if maxPlugins <= 0 {
		maxPlugins = len(candidates)
	}
	maxTokens := constraints.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1 << 30
	}

	var selected []types.PluginMetadata
	tokens := 0
	for _, c := range candidates {
		if len(selected) >= maxPlugins {
			break
		}
		if excluded[c.meta.ID] {
			continue
		}
		cost := tokenEstimate(c.meta.Description)
		if tokens+cost > maxTokens {
			continue
		}
		tokens += cost
		selected = append(selected, c.meta)
	}
	return selected, nil
}

// score implements the ranking formula over keyword, priority, category,
// success-rate, usage and capability signals
func score(meta types.PluginMetadata, goal string, constraints types.ContextConstraints) float64 {
	goalLower := strings.ToLower(goal)
	descLower := strings.ToLower(meta.Description)

	var s float64

	// Goal keywords found in the description
	for _, word := range strings.Fields(goalLower) {
		if len(word) < 3 {
			continue
		}
		if strings.Contains(descLower, word) {
			s += 2
		}
	}

	// Priority keywords weigh heavier
	for _, kw := range constraints.PriorityKeywords {
		if strings.Contains(descLower, strings.ToLower(kw)) {
			s += 5
		}
	}

	// Category match against the goal
	if meta.Category != "" && strings.Contains(goalLower, strings.ToLower(meta.Category)) {
		s += 3
	}

	// Reliability and adoption, both capped
	s += min2(meta.Stats.SuccessRate * 2)
	s += min1(float64(meta.Stats.TotalUses) / 10)

	// Any required capability present in the description dominates
	for _, capability := range constraints.RequiredCapabilities {
		if strings.Contains(descLower, strings.ToLower(capability)) {
			s += 10
			break
		}
	}

	return s
}

func min2(v float64) float64 {
	if v > 2 {
		return 2
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// tokenEstimate approximates the token cost of a description
func tokenEstimate(description string) int {
	return (len(description) + 3) / 4
}

// ensureFresh refreshes the metadata cache when empty or past its TTL
func (m *Manager) ensureFresh() error {
	m.mu.Lock()
	stale := len(m.cache) == 0 || time.Since(m.refreshedAt) > cacheTTL
	m.mu.Unlock()
	if !stale {
		return nil
	}

	listing, err := m.lister.ListPluginMetadata()
	if err != nil {
		return fmt.Errorf("failed to refresh plugin metadata: %w", err)
	}

	fresh := make(map[string]types.PluginMetadata, len(listing))
	for _, meta := range listing {
		fresh[meta.ID] = meta
	}

	m.mu.Lock()
	m.cache = fresh
	m.refreshedAt = time.Now()
	m.mu.Unlock()

	m.logger.Debug().Int("plugins", len(fresh)).Msg("plugin metadata cache refreshed")
	return nil
}

// RecordUsage folds one invocation outcome into the plugin's statistics.
// SuccessRate and AvgExecutionMS move as EMAs; TotalUses is monotonic.
func (m *Manager) RecordUsage(pluginID string, executionTime time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.stats[pluginID]
	if !ok {
		stats = &types.UsageStats{}
		m.stats[pluginID] = stats
	}

	successValue := 0.0
	if success {
		successValue = 1.0
	}
	ms := float64(executionTime.Milliseconds())

	if stats.TotalUses == 0 {
		stats.SuccessRate = successValue
		stats.AvgExecutionMS = ms
	} else {
		stats.SuccessRate = emaAlpha*successValue + (1-emaAlpha)*stats.SuccessRate
		stats.AvgExecutionMS = emaAlpha*ms + (1-emaAlpha)*stats.AvgExecutionMS
	}
	stats.TotalUses++
	stats.LastUsed = time.Now()

	samples := append(m.samples[pluginID], Sample{
		ExecutionTime: executionTime,
		Success:       success,
		At:            time.Now(),
	})
	if len(samples) > sampleKeep {
		samples = samples[len(samples)-sampleKeep:]
	}
	m.samples[pluginID] = samples
}

// Stats returns a copy of a plugin's usage statistics
func (m *Manager) Stats(pluginID string) (types.UsageStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.stats[pluginID]
	if !ok {
		return types.UsageStats{}, false
	}
	return *stats, true
}
