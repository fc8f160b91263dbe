// Package namespace maintains the host/tag/constraint catalog as an
// in-memory cache rehydrated from the Coordination Store: a YAML document of
// record, cached and refreshed on explicit reload rather than polled.
package namespace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pogo-fleet/pogo/pkg/cs"
	"github.com/pogo-fleet/pogo/pkg/pogoerr"
	"github.com/pogo-fleet/pogo/pkg/types"
)

const basePath = "/pogo/ns"

func configPath(name string) string { return basePath + "/" + name + "/config" }

// LockPath returns the CS path for the ephemeral lock record a scheduler
// admission holds for one (tag-class, sequence-number) slot:
// /pogo/ns/<ns>/locks/<tag>/<seq>.
func LockPath(ns, tag string, seq int) string {
	return fmt.Sprintf("%s/%s/locks/%s/%d", basePath, ns, tag, seq)
}

// LockBasePath returns the Sequential-create base for new lock records under
// tag: Create(LockBasePath(ns, tag), nil, Sequential|Ephemeral) yields a path
// of the LockPath shape above.
func LockBasePath(ns, tag string) string {
	return fmt.Sprintf("%s/%s/locks/%s/", basePath, ns, tag)
}

// Cache holds the namespaces the dispatcher process has loaded, refreshed
// from the Coordination Store via Load or Reload.
type Cache struct {
	adapter *cs.Adapter

	mu   sync.RWMutex
	sets map[string]*types.Namespace
}

// NewCache returns an empty Cache backed by adapter.
func NewCache(adapter *cs.Adapter) *Cache {
	return &Cache{adapter: adapter, sets: make(map[string]*types.Namespace)}
}

// Get returns the cached namespace, if loaded.
func (c *Cache) Get(name string) (*types.Namespace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ns, ok := c.sets[name]
	return ns, ok
}

// Load fetches name from the Coordination Store, parses its YAML config
// document, caches it, and returns it. Returns UnknownNamespace if no
// config document exists at the expected path.
func (c *Cache) Load(ctx context.Context, name string) (*types.Namespace, error) {
	data, _, err := c.adapter.Get(ctx, configPath(name))
	if err != nil {
		if err == cs.ErrNotFound {
			return nil, pogoerr.New(pogoerr.UnknownNamespace, "namespace not found: "+name)
		}
		return nil, err
	}

	ns, err := parse(name, data)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sets[name] = ns
	c.mu.Unlock()
	return ns, nil
}

// LoadConf validates and writes a new YAML config document for name,
// creating it if absent, and updates the cache. This backs the frontend's
// loadconf operation.
func (c *Cache) LoadConf(ctx context.Context, name string, yamlDoc []byte) (*types.Namespace, error) {
	ns, err := parse(name, yamlDoc)
	if err != nil {
		return nil, err
	}

	path := configPath(name)
	_, _, err = c.adapter.Get(ctx, path)
	switch {
	case err == cs.ErrNotFound:
		if _, err := c.adapter.Create(ctx, path, yamlDoc, 0); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := c.adapter.CASUpdate(ctx, path, func([]byte) ([]byte, error) {
			return yamlDoc, nil
		}); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.sets[name] = ns
	c.mu.Unlock()
	return ns, nil
}

// List returns the names of every namespace currently known to the
// Coordination Store (not just those cached).
func (c *Cache) List(ctx context.Context) ([]string, error) {
	return c.adapter.Children(ctx, basePath)
}

func parse(name string, data []byte) (*types.Namespace, error) {
	var ns types.Namespace
	if err := yaml.Unmarshal(data, &ns); err != nil {
		return nil, pogoerr.Wrap(pogoerr.InvalidSpec, "parsing namespace config for "+name, err)
	}
	if ns.Name == "" {
		ns.Name = name
	}
	if err := validate(&ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

func validate(ns *types.Namespace) error {
	tagSet := make(map[string]struct{})
	for _, tags := range ns.Hosts {
		for _, t := range tags {
			tagSet[t] = struct{}{}
		}
	}
	for _, c := range ns.Constraints {
		if c.AppliesTo == "" {
			return pogoerr.Invalid("constraint missing applies_to in namespace %s", ns.Name)
		}
		if c.MaxParallel <= 0 && c.MaxParallelPct <= 0 && len(c.SequenceBefore) == 0 {
			return pogoerr.Invalid("constraint on %s has no effect (no cap or sequence)", c.AppliesTo)
		}
	}
	switch ns.EffectivePolicy() {
	case types.OnPredecessorSkip, types.OnPredecessorDeadlock, types.OnPredecessorProceed:
	default:
		return pogoerr.Invalid("invalid on_predecessor_failure value for namespace %s", ns.Name)
	}
	return nil
}

// ExpandTags returns the hostnames in ns carrying tag, sorted so that tag
// expansion is stable across calls: Go map iteration order is randomized per
// iteration, and target expansion must be a pure, deterministic function of
// its inputs.
func ExpandTags(ns *types.Namespace, tag string) []string {
	var out []string
	for host, tags := range ns.Hosts {
		for _, t := range tags {
			if t == tag {
				out = append(out, host)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
