// Package rulefile loads business rules from a YAML file and hot-reloads
// them on change.
package rulefile

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/schedule"
)

// File is the top-level YAML structure of a rules file.
type File struct {
	Version int     `yaml:"version"`
	Rules   []Entry `yaml:"rules"`
}

// Entry is one rule in the file. When holds a condition expression such as
// `status == "completed" AND priority > 3` and is an alternative to writing
// trigger_conditions out as groups.
type Entry struct {
	rule.Rule `yaml:",inline"`
	When      string `yaml:"when,omitempty"`
}

// Loader reads a rules file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  []*rule.Rule
	onChange []func([]*rule.Rule)
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	rules, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = rules
	return l, nil
}

// Rules returns the rules of the latest successful load.
func (l *Loader) Rules() []*rule.Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the rules reload.
func (l *Loader) OnChange(fn func([]*rule.Rule)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the rules on file
// changes. A file that fails to load leaves the previous rules in place.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Error("rules reload failed, keeping previous rules", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("rules watcher error", "path", l.path, "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the rules file.
func (l *Loader) Reload() ([]*rule.Rule, error) {
	rules, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = rules
	callbacks := make([]func([]*rule.Rule), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	slog.Info("rules loaded", "path", l.path, "count", len(rules))
	for _, fn := range callbacks {
		fn(rules)
	}
	return rules, nil
}

func (l *Loader) load() ([]*rule.Rule, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, fmt.Errorf("stat rules %s: %w", l.path, err)
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", l.path, err)
	}
	rules, err := Parse(data, info.ModTime().UTC())
	if err != nil {
		return nil, fmt.Errorf("rules %s: %w", l.path, err)
	}
	return rules, nil
}

// Parse decodes a rules file. Entries without created_at are stamped with
// loadedAt plus their position so file order is the firing order.
//
// Structural problems that make the file ambiguous (missing or duplicate
// ids, a bad when expression) fail the whole load. Rules that are merely
// malformed are kept and fail at match time with a logged firing.
func Parse(data []byte, loadedAt time.Time) ([]*rule.Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	seen := make(map[string]int, len(f.Rules))
	out := make([]*rule.Rule, 0, len(f.Rules))
	for i := range f.Rules {
		e := &f.Rules[i]
		if e.ID == "" {
			return nil, fmt.Errorf("rules[%d]: id is required", i)
		}
		if j, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("rules[%d]: duplicate id %q (first at rules[%d])", i, e.ID, j)
		}
		seen[e.ID] = i

		if e.When != "" {
			if len(e.TriggerConditions) > 0 {
				return nil, fmt.Errorf("rule %s: when and trigger_conditions are mutually exclusive", e.ID)
			}
			groups, err := condition.ParseGroups(e.When)
			if err != nil {
				return nil, fmt.Errorf("rule %s: when: %w", e.ID, err)
			}
			e.TriggerConditions = groups
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = loadedAt.Add(time.Duration(i) * time.Millisecond)
		}
		e.UpdatedAt = loadedAt

		r := e.Rule
		if err := r.Validate(); err != nil {
			slog.Warn("malformed rule in rules file", "rule_id", r.ID, "err", err)
		}
		if r.TriggerType == rule.TriggerTimeBased && r.Schedule != "" {
			if err := schedule.ValidSchedule(r.Schedule); err != nil {
				slog.Warn("rule schedule will not run", "rule_id", r.ID, "schedule", r.Schedule, "err", err)
			}
		}
		out = append(out, &r)
	}
	return out, nil
}
