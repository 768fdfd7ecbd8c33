package session

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RosterEntry is one participant in a roster file.
type RosterEntry struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Owner          string   `yaml:"owner"`
	WoundThreshold int      `yaml:"wound_threshold"`
	Conditions     []string `yaml:"conditions"`
	AttackBonus    int      `yaml:"attack_bonus"`
	DefenceBonus   int      `yaml:"defence_bonus"`
	// Damage is a dice expression such as "1d6+1"; empty uses the rules default.
	Damage string `yaml:"damage"`
}

// Spec returns the session view of e.
func (e RosterEntry) Spec() ParticipantSpec {
	return ParticipantSpec{
		ID:             e.ID,
		Name:           e.Name,
		Owner:          e.Owner,
		WoundThreshold: e.WoundThreshold,
		Conditions:     e.Conditions,
	}
}

// ScriptedAttack is one attack the CLI plays against the session.
type ScriptedAttack struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Manual bool   `yaml:"manual"`
}

// Roster is the decoded content of a roster file.
type Roster struct {
	Participants []RosterEntry    `yaml:"participants"`
	Attacks      []ScriptedAttack `yaml:"attacks"`
}

// LoadRoster reads and validates the roster at path.
//
// Postcondition: Returns an error naming the file on any read, decode, or
// validation failure.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster %s: %w", path, err)
	}
	r, err := ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// ParseRoster decodes and validates a roster document. Unknown keys are rejected.
func ParseRoster(data []byte) (*Roster, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var r Roster
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks that ids are present and unique and that every scripted
// attack names known participants.
func (r *Roster) Validate() error {
	seen := make(map[string]bool, len(r.Participants))
	for i, p := range r.Participants {
		if p.ID == "" {
			return fmt.Errorf("participant %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		if p.WoundThreshold < 0 {
			return fmt.Errorf("participant %q: wound_threshold must be >= 0", p.ID)
		}
		seen[p.ID] = true
	}
	for i, a := range r.Attacks {
		if !seen[a.Source] {
			return fmt.Errorf("attack %d: unknown source %q", i, a.Source)
		}
		if !seen[a.Target] {
			return fmt.Errorf("attack %d: unknown target %q", i, a.Target)
		}
	}
	return nil
}

// Populate adds every roster participant to m.
func (r *Roster) Populate(m *Manager) error {
	for _, p := range r.Participants {
		if err := m.AddParticipant(p.Spec()); err != nil {
			return err
		}
	}
	return nil
}
