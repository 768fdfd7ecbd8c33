package dice

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// SeverityBand maps an inclusive range of roll totals to a severity label.
type SeverityBand struct {
	Min   int    `yaml:"min"`
	Max   int    `yaml:"max"`
	Label string `yaml:"label"`
}

// SeverityTable is a wound severity table rolled when a wound is created.
type SeverityTable struct {
	Name  string         `yaml:"name"`
	Die   string         `yaml:"die"`
	Bands []SeverityBand `yaml:"bands"`

	expr Expression
}

// LoadSeverityTable reads and validates a YAML severity table.
//
// Postcondition: Returns a table whose bands cover every total of its die
// exactly once, or an error.
func LoadSeverityTable(path string) (*SeverityTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading severity table %q: %w", path, err)
	}
	var t SeverityTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parsing severity table %q: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("severity table %q: %w", path, err)
	}
	return &t, nil
}

// Validate checks that the die parses and the bands partition its range.
func (t *SeverityTable) Validate() error {
	e, err := Parse(t.Die)
	if err != nil {
		return err
	}
	if len(t.Bands) == 0 {
		return fmt.Errorf("no bands")
	}
	bands := make([]SeverityBand, len(t.Bands))
	copy(bands, t.Bands)
	sort.Slice(bands, func(i, j int) bool { return bands[i].Min < bands[j].Min })

	next := e.Min()
	for _, b := range bands {
		if b.Label == "" {
			return fmt.Errorf("band %d-%d has no label", b.Min, b.Max)
		}
		if b.Min != next || b.Max < b.Min {
			return fmt.Errorf("band %d-%d leaves a gap or overlap at %d", b.Min, b.Max, next)
		}
		next = b.Max + 1
	}
	if next != e.Max()+1 {
		return fmt.Errorf("bands end at %d, die reaches %d", next-1, e.Max())
	}
	t.expr = e
	t.Bands = bands
	return nil
}

// Roll rolls the table's die with r and returns the matching label.
//
// Precondition: t passed Validate.
func (t *SeverityTable) Roll(r *Roller) (string, RollResult) {
	res := r.Roll(t.expr)
	total := res.Total()
	for _, b := range t.Bands {
		if total >= b.Min && total <= b.Max {
			return b.Label, res
		}
	}
	return t.Bands[len(t.Bands)-1].Label, res
}
