package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"delegation-broker/internal/identity"
	id "delegation-broker/pkg/domain"
	"delegation-broker/pkg/scope"
)

// CatalogueFile is the on-disk shape of the policy catalogue.
type CatalogueFile struct {
	Version string        `mapstructure:"version"`
	Targets []targetEntry `mapstructure:"targets"`
	Rules   []ruleEntry   `mapstructure:"rules"`
	Agents  []agentEntry  `mapstructure:"agents"`
}

type targetEntry struct {
	ID            string   `mapstructure:"id"`
	Name          string   `mapstructure:"name"`
	Audience      string   `mapstructure:"audience"`
	TokenEndpoint string   `mapstructure:"token_endpoint"`
	Scopes        []string `mapstructure:"scopes"`
}

type ruleEntry struct {
	Group  string   `mapstructure:"group"`
	Target string   `mapstructure:"target"`
	Scopes []string `mapstructure:"scopes"`
}

type agentEntry struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	ClientID string `mapstructure:"client_id"`
	// JWKS is an inline key set document; JWKSFile a path to one.
	JWKS     string `mapstructure:"jwks"`
	JWKSFile string `mapstructure:"jwks_file"`
}

// Snapshot validates the file's targets and rules.
func (f *CatalogueFile) Snapshot() (*Snapshot, error) {
	targets := make([]TargetDomain, 0, len(f.Targets))
	for _, t := range f.Targets {
		tid, err := id.ParseTargetID(t.ID)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", t.ID, err)
		}
		targets = append(targets, TargetDomain{
			ID:            tid,
			Name:          t.Name,
			Audience:      t.Audience,
			TokenEndpoint: t.TokenEndpoint,
			Scopes:        scope.New(t.Scopes...),
		})
	}
	rules := make([]Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		gid, err := id.ParseGroupID(r.Group)
		if err != nil {
			return nil, fmt.Errorf("rule group %q: %w", r.Group, err)
		}
		rules = append(rules, Rule{Target: id.TargetID(strings.TrimSpace(r.Target)), Group: gid, Scopes: scope.New(r.Scopes...)})
	}
	return NewSnapshot(f.Version, targets, rules)
}

// AgentRecords parses the registered agents and their keys.
func (f *CatalogueFile) AgentRecords() ([]identity.AgentRecord, error) {
	out := make([]identity.AgentRecord, 0, len(f.Agents))
	for _, a := range f.Agents {
		aid, err := id.ParseAgentID(a.ID)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.ID, err)
		}
		var keys *identity.KeySet
		switch {
		case a.JWKS != "":
			keys, err = identity.ParseJWKS([]byte(a.JWKS))
		case a.JWKSFile != "":
			keys, err = identity.LoadJWKS(a.JWKSFile)
		default:
			err = errors.New("jwks or jwks_file is required")
		}
		if err != nil {
			return nil, fmt.Errorf("agent %q keys: %w", aid, err)
		}
		out = append(out, identity.AgentRecord{ID: aid, DisplayName: a.Name, ClientID: a.ClientID, Keys: keys})
	}
	return out, nil
}

// ReadCatalogue loads and decodes a catalogue file (YAML, JSON or TOML by
// extension).
func ReadCatalogue(path string) (*CatalogueFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	return decodeCatalogue(v)
}

func decodeCatalogue(v *viper.Viper) (*CatalogueFile, error) {
	var f CatalogueFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode catalogue: %w", err)
	}
	if f.Version == "" {
		f.Version = "unversioned"
	}
	return &f, nil
}

// CatalogueSource keeps the snapshot store and agent registry in sync with a
// catalogue file. A file that fails validation never replaces a good one.
type CatalogueSource struct {
	path   string
	store  *SnapshotStore
	agents *identity.MemoryAgentRegistry
	logger *slog.Logger

	mu sync.Mutex
	v  *viper.Viper
}

func NewCatalogueSource(path string, store *SnapshotStore, agents *identity.MemoryAgentRegistry, logger *slog.Logger) *CatalogueSource {
	v := viper.New()
	v.SetConfigFile(path)
	return &CatalogueSource{path: path, store: store, agents: agents, logger: logger, v: v}
}

// Reload re-reads the file and installs it. Returns the active version.
func (c *CatalogueSource) Reload(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read catalogue %s: %w", c.path, err)
	}
	return c.apply(ctx)
}

func (c *CatalogueSource) apply(ctx context.Context) (string, error) {
	f, err := decodeCatalogue(c.v)
	if err != nil {
		return "", err
	}
	snap, err := f.Snapshot()
	if err != nil {
		return "", fmt.Errorf("invalid catalogue: %w", err)
	}
	agents, err := f.AgentRecords()
	if err != nil {
		return "", fmt.Errorf("invalid catalogue: %w", err)
	}

	prev := c.store.Replace(snap)
	c.agents.Replace(agents)

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version()
	}
	c.logger.InfoContext(ctx, "policy catalogue loaded",
		"path", c.path,
		"version", snap.Version(),
		"previous_version", prevVersion,
		"targets", len(snap.Targets()),
		"agents", len(agents),
	)
	return snap.Version(), nil
}

// Watch reloads on file changes for the life of the process. ctx is used
// for logging only.
func (c *CatalogueSource) Watch(ctx context.Context) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, err := c.apply(ctx); err != nil {
			c.logger.ErrorContext(ctx, "catalogue reload rejected",
				"path", e.Name,
				"error", err,
			)
		}
	})
	c.v.WatchConfig()
}

// Exists reports whether a catalogue file is present at path.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
