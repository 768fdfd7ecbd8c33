package condition

// Set is the ordered set of condition ids active on one participant.
// Iteration order is application order. It is not safe for concurrent use.
type Set struct {
	ids []string
}

// NewSet creates a Set holding ids in order, skipping repeats.
func NewSet(ids ...string) *Set {
	s := &Set{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add appends id. It reports false when id was already present.
func (s *Set) Add(id string) bool {
	if s.Has(id) {
		return false
	}
	s.ids = append(s.ids, id)
	return true
}

// Remove deletes id, keeping the order of the rest. It reports false when
// id was not present.
func (s *Set) Remove(id string) bool {
	for i, cur := range s.ids {
		if cur == id {
			s.ids = append(s.ids[:i:i], s.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Has reports whether id is present.
func (s *Set) Has(id string) bool {
	for _, cur := range s.ids {
		if cur == id {
			return true
		}
	}
	return false
}

// IDs returns a copy of the ids in application order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of active conditions.
func (s *Set) Len() int { return len(s.ids) }
