package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"livefeed/internal/event"
)

// DefaultExecutionTimeout is the default time budget for one filter call
const DefaultExecutionTimeout = 100 * time.Millisecond

// kindDirectiveRegex matches @kind directives in comments
var kindDirectiveRegex = regexp.MustCompile(`(?m)^//\s*@kind\s+(\S+)`)

// Chain holds the loaded filters and evaluates them in load order
type Chain struct {
	filters []*Filter
	logger  zerolog.Logger
	timeout time.Duration
	mu      sync.RWMutex
	stats   Stats
}

// NewChain creates an empty Chain
func NewChain(logger zerolog.Logger) *Chain {
	return &Chain{
		logger:  logger.With().Str("component", "filter-chain").Logger(),
		timeout: DefaultExecutionTimeout,
	}
}

// SetTimeout sets the execution timeout for each filter call
func (c *Chain) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeout > 0 {
		c.timeout = timeout
	}
}

// LoadFromDirectory loads all .js filters from a directory in name order
func (c *Chain) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		c.logger.Warn().Str("directory", dir).Msg("filters directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat filters directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("filters path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read filters directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			c.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to read filter")
			continue
		}
		if err := c.Add(strings.TrimSuffix(entry.Name(), ".js"), string(content)); err != nil {
			c.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to load filter")
			continue
		}
		loadedCount++
	}

	c.logger.Info().
		Int("loaded", loadedCount).
		Str("directory", dir).
		Msg("filters loaded")

	return nil
}

// Add compiles script and appends it to the chain
func (c *Chain) Add(name, script string) error {
	program, err := goja.Compile(name+".js", script, false)
	if err != nil {
		return fmt.Errorf("failed to compile filter: %w", err)
	}

	f := &Filter{
		Name:    name,
		Kinds:   extractKindDirectives(script),
		program: program,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.filters {
		if existing.Name == name {
			return fmt.Errorf("duplicate filter: %s", name)
		}
	}
	c.filters = append(c.filters, f)

	c.logger.Info().
		Str("name", name).
		Int("kinds", len(f.Kinds)).
		Msg("filter loaded")
	return nil
}

// extractKindDirectives returns the kinds named by @kind directives
func extractKindDirectives(script string) []event.Kind {
	var kinds []event.Kind
	for _, m := range kindDirectiveRegex.FindAllStringSubmatch(script, -1) {
		kinds = append(kinds, event.Kind(m[1]))
	}
	return kinds
}

// Len returns the number of loaded filters
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Allow reports whether every applicable filter accepts ev.
// Filter failures are logged and treated as acceptance.
func (c *Chain) Allow(ev event.Event) bool {
	c.mu.RLock()
	filters := make([]*Filter, 0, len(c.filters))
	for _, f := range c.filters {
		if f.AppliesTo(ev.Kind) {
			filters = append(filters, f)
		}
	}
	timeout := c.timeout
	c.mu.RUnlock()

	for _, f := range filters {
		allowed, err := c.run(f, ev, timeout)

		c.mu.Lock()
		c.stats.Evaluated++
		if err != nil {
			c.stats.Failed++
		} else if !allowed {
			c.stats.Rejected++
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("filter", f.Name).
				Str("topic", ev.Topic).
				Str("kind", string(ev.Kind)).
				Msg("filter failed, allowing event")
			continue
		}
		if !allowed {
			return false
		}
	}
	return true
}

// run evaluates one filter in a fresh VM, interrupting it after timeout
func (c *Chain) run(f *Filter, ev event.Event, timeout time.Duration) (bool, error) {
	runtime := NewRuntime(c.logger.With().Str("filter", f.Name).Logger())

	t := time.AfterFunc(timeout, func() {
		runtime.VM().Interrupt("filter execution timed out")
	})
	defer t.Stop()

	return runtime.Allow(f.program, ev)
}

// Stats returns a snapshot of the chain counters
func (c *Chain) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close drops all loaded filters
func (c *Chain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = nil
	c.logger.Info().Msg("filter chain closed")
}
