// Package teams holds the static team registry and runs one worker per
// assignment.
package teams

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aegis-agents/chatbot/internal/state"
	"github.com/aegis-agents/chatbot/internal/tools"
)

//go:embed teams.yaml
var defaultCatalog []byte

var (
	ErrUnknownTeam   = errors.New("teams: unknown team")
	ErrUnknownWorker = errors.New("teams: unknown worker")
)

// Kind selects how a worker is executed.
type Kind string

const (
	KindTools Kind = "tools"
	KindRAG   Kind = "rag"
)

// WorkerDef describes one worker.
type WorkerDef struct {
	Name        string   `yaml:"name"`
	Kind        Kind     `yaml:"kind"`
	Description string   `yaml:"description"`
	Briefing    string   `yaml:"briefing"`
	Tools       []string `yaml:"tools"`
}

// OwnsConversationTool reports whether any of the worker's tools emits a
// conversation card.
func (w *WorkerDef) OwnsConversationTool() bool {
	for _, t := range w.Tools {
		if state.CardType(t).IsConversation() {
			return true
		}
	}
	return false
}

// TeamDef groups workers under one name.
type TeamDef struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Workers     []WorkerDef `yaml:"workers"`
}

// Catalog is the resolved team registry.
type Catalog struct {
	teams []TeamDef
	index map[string]map[string]*WorkerDef
}

// DefaultCatalog parses the embedded team definitions, checking tool names
// against reg when given.
func DefaultCatalog(reg ...*tools.Registry) (*Catalog, error) {
	return LoadCatalog(defaultCatalog, reg...)
}

// LoadCatalog parses YAML team definitions. When reg is non-nil, every tool a
// worker names must be registered.
func LoadCatalog(data []byte, reg ...*tools.Registry) (*Catalog, error) {
	var doc struct {
		Teams []TeamDef `yaml:"teams"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse team catalog: %w", err)
	}
	if len(doc.Teams) == 0 {
		return nil, fmt.Errorf("team catalog is empty")
	}

	c := &Catalog{teams: doc.Teams, index: make(map[string]map[string]*WorkerDef, len(doc.Teams))}
	for ti := range c.teams {
		t := &c.teams[ti]
		if _, dup := c.index[t.Name]; dup {
			return nil, fmt.Errorf("duplicate team %q", t.Name)
		}
		workers := make(map[string]*WorkerDef, len(t.Workers))
		for wi := range t.Workers {
			w := &t.Workers[wi]
			if w.Kind == "" {
				w.Kind = KindTools
			}
			if w.Kind != KindTools && w.Kind != KindRAG {
				return nil, fmt.Errorf("worker %s/%s: unknown kind %q", t.Name, w.Name, w.Kind)
			}
			if w.Kind == KindTools && len(w.Tools) == 0 {
				return nil, fmt.Errorf("worker %s/%s has no tools", t.Name, w.Name)
			}
			if _, dup := workers[w.Name]; dup {
				return nil, fmt.Errorf("duplicate worker %s/%s", t.Name, w.Name)
			}
			for _, r := range reg {
				if r == nil {
					continue
				}
				if _, err := r.Specs(w.Tools); err != nil {
					return nil, fmt.Errorf("worker %s/%s: %w", t.Name, w.Name, err)
				}
			}
			workers[w.Name] = w
		}
		c.index[t.Name] = workers
	}
	return c, nil
}

// Teams returns the team definitions in catalog order.
func (c *Catalog) Teams() []TeamDef {
	return c.teams
}

// Worker resolves a worker by team and name.
func (c *Catalog) Worker(team, worker string) (*WorkerDef, error) {
	workers, ok := c.index[team]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTeam, team)
	}
	w, ok := workers[worker]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownWorker, team, worker)
	}
	return w, nil
}

// Describe renders the numbered team roster used in prompts.
func (c *Catalog) Describe() string {
	var b strings.Builder
	for i, t := range c.teams {
		fmt.Fprintf(&b, " - Team %d: %s\n", i+1, t.Name)
		for _, w := range t.Workers {
			fmt.Fprintf(&b, "   * [%s]: %s\n", w.Name, strings.TrimSpace(w.Description))
		}
	}
	return b.String()
}

// TeamNames lists team names in catalog order.
func (c *Catalog) TeamNames() []string {
	out := make([]string, len(c.teams))
	for i, t := range c.teams {
		out[i] = t.Name
	}
	return out
}

// WorkerNames lists every worker name in catalog order.
func (c *Catalog) WorkerNames() []string {
	var out []string
	for _, t := range c.teams {
		for _, w := range t.Workers {
			out = append(out, w.Name)
		}
	}
	return out
}

// ToolNames lists every tool a worker can call, in catalog order.
func (c *Catalog) ToolNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range c.teams {
		for _, w := range t.Workers {
			for _, name := range w.Tools {
				if !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}

// HasTool reports whether w may call the named tool.
func (w *WorkerDef) HasTool(name string) bool {
	for _, t := range w.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// IsWorker reports whether role names a worker.
func (c *Catalog) IsWorker(role state.Role) bool {
	for _, t := range c.teams {
		for _, w := range t.Workers {
			if w.Name == string(role) {
				return true
			}
		}
	}
	return false
}

// ConversationTools lists tool names that emit conversation cards.
func (c *Catalog) ConversationTools() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range c.teams {
		for _, w := range t.Workers {
			for _, name := range w.Tools {
				if state.CardType(name).IsConversation() && !seen[name] {
					seen[name] = true
					out = append(out, name)
				}
			}
		}
	}
	return out
}
