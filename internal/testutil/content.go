// Package testutil provides helpers shared by tests that run against the
// repository's content files.
package testutil

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cory-johannsen/skirmish/internal/config"
)

// RepoRoot returns the absolute path of the repository root.
func RepoRoot(t testing.TB) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("testutil: cannot locate source file")
	}
	return filepath.Join(filepath.Dir(file), "..", "..")
}

// RepoContent returns a ContentConfig pointing at the repository content.
func RepoContent(t testing.TB) config.ContentConfig {
	t.Helper()
	root := RepoRoot(t)
	return config.ContentConfig{
		ConditionsDir: filepath.Join(root, "content", "conditions"),
		ScriptsDir:    filepath.Join(root, "content", "scripts"),
		SeverityTable: filepath.Join(root, "content", "severity.yaml"),
		Roster:        filepath.Join(root, "content", "roster.yaml"),
	}
}

// FastConfig returns the default configuration over the repository content
// with every automation wait and rules delay shortened for tests.
func FastConfig(t testing.TB) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Content = RepoContent(t)
	cfg.Automation.AttackDedupWindow = 50 * time.Millisecond
	cfg.Automation.SettleInterval = 10 * time.Millisecond
	cfg.Automation.SettleQuiet = 30 * time.Millisecond
	cfg.Automation.SettleWindow = 200 * time.Millisecond
	cfg.Automation.WoundDebounce = 20 * time.Millisecond
	cfg.Session.RulesTick = 5 * time.Millisecond
	cfg.Session.ResolveDelay = 10 * time.Millisecond
	return cfg
}
