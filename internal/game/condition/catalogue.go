// Package condition holds the condition catalogue used to label conditions
// and the ordered set of conditions active on a participant.
package condition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Definition is the static description of a condition.
type Definition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// OnApply names a Lua function run when the condition is applied.
	OnApply string `yaml:"on_apply"`
}

// Registry is the condition catalogue. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition

	// cases.Caser is stateful and not safe for concurrent use.
	titleMu sync.Mutex
	title   cases.Caser
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[string]Definition),
		title: cases.Title(language.English),
	}
}

// Register adds def, replacing any definition with the same id.
//
// Precondition: def.ID must be non-empty.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return errors.New("condition definition has no id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// All returns every definition sorted by id.
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Label returns the display name of id: the catalogue name when one is
// defined, otherwise the id title-cased with separators turned into spaces.
func (r *Registry) Label(id string) string {
	r.mu.RLock()
	d, ok := r.defs[id]
	r.mu.RUnlock()
	if ok && d.Name != "" {
		return d.Name
	}
	words := strings.NewReplacer("_", " ", "-", " ").Replace(id)
	r.titleMu.Lock()
	defer r.titleMu.Unlock()
	return r.title.String(words)
}

// LoadDirectory reads every *.yaml file in dir. A file may hold several
// definitions as separate YAML documents.
//
// Postcondition: Returns a populated Registry, or an error naming the first
// file that fails to parse or that repeats an id.
func LoadDirectory(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading condition dir %q: %w", dir, err)
	}
	reg := NewRegistry()
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		defs, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if prev, dup := seen[def.ID]; dup {
				return nil, fmt.Errorf("condition %q defined in both %q and %q", def.ID, prev, path)
			}
			seen[def.ID] = path
			if err := reg.Register(def); err != nil {
				return nil, fmt.Errorf("%q: %w", path, err)
			}
		}
	}
	return reg, nil
}

func decodeFile(path string) ([]Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var defs []Definition
	for {
		var def Definition
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			return defs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		defs = append(defs, def)
	}
}
