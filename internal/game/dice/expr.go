package dice

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var exprPattern = regexp.MustCompile(`^(\d*)d(\d+)(?:kh(\d+))?([+-]\d+)?$`)

// Expression is a parsed dice expression such as "d20", "2d6+3" or "4d6kh3".
type Expression struct {
	Raw         string
	Count       int
	Sides       int
	Modifier    int
	KeepHighest int // 0 keeps every die
}

// Parse parses expr. Whitespace is ignored and the expression is
// case-insensitive.
//
// Postcondition: On success Count >= 1, Sides >= 2 and
// 0 <= KeepHighest < Count.
func Parse(expr string) (Expression, error) {
	s := strings.ToLower(strings.Join(strings.Fields(expr), ""))
	m := exprPattern.FindStringSubmatch(s)
	if m == nil {
		return Expression{}, fmt.Errorf("dice: malformed expression %q", expr)
	}

	e := Expression{Raw: s, Count: 1}
	if m[1] != "" {
		e.Count, _ = strconv.Atoi(m[1])
	}
	e.Sides, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		e.KeepHighest, _ = strconv.Atoi(m[3])
	}
	if m[4] != "" {
		e.Modifier, _ = strconv.Atoi(m[4])
	}

	switch {
	case e.Count < 1:
		return Expression{}, fmt.Errorf("dice: %q rolls no dice", expr)
	case e.Sides < 2:
		return Expression{}, fmt.Errorf("dice: %q needs at least two sides", expr)
	case m[3] != "" && (e.KeepHighest < 1 || e.KeepHighest >= e.Count):
		return Expression{}, fmt.Errorf("dice: keep-highest in %q must be between 1 and %d", expr, e.Count-1)
	}
	return e, nil
}

// MustParse is Parse for expressions known to be valid. It panics on error.
func MustParse(expr string) Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Roll evaluates e with src.
//
// Precondition: e came from Parse; src must be non-nil.
func (e Expression) Roll(src Source) RollResult {
	rolled := make([]int, e.Count)
	for i := range rolled {
		rolled[i] = src.Intn(e.Sides) + 1
	}
	if e.KeepHighest > 0 {
		sort.Sort(sort.Reverse(sort.IntSlice(rolled)))
		rolled = rolled[:e.KeepHighest]
	}
	return RollResult{Expression: e.Raw, Dice: rolled, Modifier: e.Modifier}
}

// Min returns the lowest possible total of e.
func (e Expression) Min() int {
	kept := e.Count
	if e.KeepHighest > 0 {
		kept = e.KeepHighest
	}
	return kept + e.Modifier
}

// Max returns the highest possible total of e.
func (e Expression) Max() int {
	kept := e.Count
	if e.KeepHighest > 0 {
		kept = e.KeepHighest
	}
	return kept*e.Sides + e.Modifier
}
