// Package federation bundles the process-lifetime components of the
// CLI: store, git driver, policy engine, stream registry, merge
// orchestrator, stabilizer, sync client and event bus.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/gitswarm/gitswarm/internal/core"
	"github.com/gitswarm/gitswarm/internal/logging"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Well-known local config keys.
const (
	KeyServerURL = "server.url"
	KeyAgentID   = "server.agentId"
	KeyAPIKey    = "server.apiKey"
	KeyLastSync  = "_lastSync"
	KeyLastPoll  = "_lastPoll"
)

// LocalConfig is the CLI-local key-value state, persisted as JSON in the
// data directory.
type LocalConfig struct {
	path string

	mu     sync.Mutex
	values map[string]interface{}
}

// LoadLocalConfig reads the config file, tolerating absence.
func LoadLocalConfig(path string) (*LocalConfig, error) {
	cfg := &LocalConfig{path: path, values: make(map[string]interface{})}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &cfg.values); err != nil {
		return nil, core.ErrValidation(core.CodeBadConfig,
			fmt.Sprintf("parsing %s: %v", path, err)).WithCause(err)
	}
	return cfg, nil
}

// GetString returns a string value, empty when absent.
func (c *LocalConfig) GetString(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, _ := c.values[key].(string)
	return s
}

// GetTime parses a stored RFC3339 timestamp, zero when absent.
func (c *LocalConfig) GetTime(key string) time.Time {
	s := c.GetString(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Set stores a value in memory; Save persists.
func (c *LocalConfig) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// SetTime stores a timestamp as RFC3339.
func (c *LocalConfig) SetTime(key string, t time.Time) {
	c.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// Save writes the config file atomically.
func (c *LocalConfig) Save() error {
	c.mu.Lock()
	data, err := json.MarshalIndent(c.values, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return err
	}
	return renameio.WriteFile(c.path, data, 0o600)
}

// repoConfigFile mirrors the repo-embedded gitswarm.yaml. Values are
// interface{} so loose typings (string bools, numeric strings) coerce
// instead of failing.
type repoConfigFile struct {
	MergeMode          string      `yaml:"merge_mode"`
	ConsensusThreshold interface{} `yaml:"consensus_threshold"`
	MinReviews         interface{} `yaml:"min_reviews"`
	HumanReviewWeight  interface{} `yaml:"human_review_weight"`
	BufferBranch       string      `yaml:"buffer_branch"`
	PromoteTarget      string      `yaml:"promote_target"`
	AutoPromoteOnGreen interface{} `yaml:"auto_promote_on_green"`
	AutoRevertOnRed    interface{} `yaml:"auto_revert_on_red"`
	StabilizeCommand   string      `yaml:"stabilize_command"`
	PluginsEnabled     interface{} `yaml:"plugins_enabled"`
}

// ApplyRepoConfig loads the repo-embedded configuration file and applies
// it onto the repo row. Idempotent; a missing file is a no-op.
func ApplyRepoConfig(ctx context.Context, st *store.Store, repoID, path string, logger *logging.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var cfg repoConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return core.ErrValidation(core.CodeBadConfig,
			fmt.Sprintf("parsing %s: %v", path, err)).WithCause(err)
	}

	repo, err := st.GetRepo(ctx, repoID)
	if err != nil {
		return err
	}

	if cfg.MergeMode != "" {
		repo.MergeMode = core.MergeMode(cfg.MergeMode)
	}
	if cfg.BufferBranch != "" {
		repo.BufferBranch = cfg.BufferBranch
	}
	if cfg.PromoteTarget != "" {
		repo.PromoteTarget = cfg.PromoteTarget
	}
	if cfg.StabilizeCommand != "" {
		repo.StabilizeCommand = cfg.StabilizeCommand
	}
	if f, ok := coerceNumber(cfg.ConsensusThreshold); ok {
		repo.ConsensusThreshold = f
	} else if cfg.ConsensusThreshold != nil {
		logger.Warn("skipping non-numeric consensus_threshold", "value", cfg.ConsensusThreshold)
	}
	if f, ok := coerceNumber(cfg.MinReviews); ok {
		repo.MinReviews = int(f)
	} else if cfg.MinReviews != nil {
		logger.Warn("skipping non-numeric min_reviews", "value", cfg.MinReviews)
	}
	if f, ok := coerceNumber(cfg.HumanReviewWeight); ok {
		repo.HumanReviewWeight = f
	} else if cfg.HumanReviewWeight != nil {
		logger.Warn("skipping non-numeric human_review_weight", "value", cfg.HumanReviewWeight)
	}
	if cfg.AutoPromoteOnGreen != nil {
		repo.AutoPromoteOnGreen = coerceBool(cfg.AutoPromoteOnGreen)
	}
	if cfg.AutoRevertOnRed != nil {
		repo.AutoRevertOnRed = coerceBool(cfg.AutoRevertOnRed)
	}
	if cfg.PluginsEnabled != nil {
		repo.PluginsEnabled = coerceBool(cfg.PluginsEnabled)
	}

	return st.UpdateRepo(ctx, repo)
}

// coerceBool treats true, "true" and 1 as true, everything else false.
func coerceBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	case int:
		return val == 1
	case float64:
		return val == 1
	}
	return false
}

// coerceNumber converts loosely-typed yaml scalars to float64. Non
// numeric values are skipped, not errors.
func coerceNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(val, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
