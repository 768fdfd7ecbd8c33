package dice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/skirmish/internal/game/dice"
)

// fixedSource returns values from a fixed sequence, cycling.
type fixedSource struct {
	vals []int
	i    int
}

func (f *fixedSource) Intn(n int) int {
	v := f.vals[f.i%len(f.vals)] % n
	f.i++
	return v
}

func TestParse_Forms(t *testing.T) {
	cases := map[string]dice.Expression{
		"d20":      {Raw: "d20", Count: 1, Sides: 20},
		"2d6+3":    {Raw: "2d6+3", Count: 2, Sides: 6, Modifier: 3},
		"4D8-2":    {Raw: "4d8-2", Count: 4, Sides: 8, Modifier: -2},
		"4d6kh3":   {Raw: "4d6kh3", Count: 4, Sides: 6, KeepHighest: 3},
		"1d10 + 1": {Raw: "1d10+1", Count: 1, Sides: 10, Modifier: 1},
	}
	for in, want := range cases {
		got, err := dice.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "d", "2x6", "0d6", "1d1", "2d6kh2", "2d6kh0", "d6+"} {
		_, err := dice.Parse(in)
		assert.Error(t, err, in)
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { dice.MustParse("nonsense") })
}

func TestExpression_RollKeepsHighest(t *testing.T) {
	e := dice.MustParse("4d6kh3+1")
	res := e.Roll(&fixedSource{vals: []int{0, 5, 2, 3}})
	assert.Equal(t, []int{6, 4, 3}, res.Dice)
	assert.Equal(t, 14, res.Total())
	assert.Equal(t, "4d6kh3+1: 6 4 3 (+1) = 14", res.String())
}

func TestExpression_RollWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(1, 8).Draw(rt, "count")
		sides := rapid.IntRange(2, 20).Draw(rt, "sides")
		mod := rapid.IntRange(-5, 5).Draw(rt, "mod")
		e := dice.Expression{Raw: "x", Count: count, Sides: sides, Modifier: mod}
		src := dice.NewSeededSource(rapid.Uint64().Draw(rt, "seed"))

		total := e.Roll(src).Total()
		if total < e.Min() || total > e.Max() {
			rt.Fatalf("total %d outside [%d, %d]", total, e.Min(), e.Max())
		}
	})
}

func TestSeededSource_Deterministic(t *testing.T) {
	a, b := dice.NewSeededSource(42), dice.NewSeededSource(42)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.Intn(100), b.Intn(100))
	}
}

func TestCryptoSource_InRange(t *testing.T) {
	src := dice.NewCryptoSource()
	for i := 0; i < 500; i++ {
		v := src.Intn(6)
		assert.GreaterOrEqual(t, v, 0)
		assert.Less(t, v, 6)
	}
	assert.Panics(t, func() { src.Intn(0) })
}

func TestRoller_RollExpr(t *testing.T) {
	r := dice.NewRoller(&fixedSource{vals: []int{3}}, zaptest.NewLogger(t))
	res, err := r.RollExpr("2d6")
	require.NoError(t, err)
	assert.Equal(t, 8, res.Total())

	_, err = r.RollExpr("bad")
	assert.Error(t, err)
}

func writeTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "severity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSeverityTable_LoadAndRoll(t *testing.T) {
	path := writeTable(t, `
name: wounds
die: 1d10
bands:
  - {min: 6, max: 9, label: serious}
  - {min: 1, max: 5, label: minor}
  - {min: 10, max: 10, label: critical}
`)
	table, err := dice.LoadSeverityTable(path)
	require.NoError(t, err)

	r := dice.NewRoller(&fixedSource{vals: []int{9}}, zaptest.NewLogger(t))
	label, res := table.Roll(r)
	assert.Equal(t, "critical", label)
	assert.Equal(t, 10, res.Total())

	r = dice.NewRoller(&fixedSource{vals: []int{2}}, zaptest.NewLogger(t))
	label, _ = table.Roll(r)
	assert.Equal(t, "minor", label)
}

func TestSeverityTable_RejectsGapsAndOverlaps(t *testing.T) {
	for name, body := range map[string]string{
		"gap":      "die: 1d6\nbands:\n  - {min: 1, max: 2, label: a}\n  - {min: 4, max: 6, label: b}\n",
		"overlap":  "die: 1d6\nbands:\n  - {min: 1, max: 4, label: a}\n  - {min: 3, max: 6, label: b}\n",
		"short":    "die: 1d6\nbands:\n  - {min: 1, max: 5, label: a}\n",
		"nolabel":  "die: 1d6\nbands:\n  - {min: 1, max: 6}\n",
		"badfield": "die: 1d6\ncolour: red\nbands:\n  - {min: 1, max: 6, label: a}\n",
	} {
		_, err := dice.LoadSeverityTable(writeTable(t, body))
		assert.Error(t, err, name)
	}
}

func TestLoadSeverityTable_MissingFile(t *testing.T) {
	_, err := dice.LoadSeverityTable(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
