package automation

import (
	"fmt"
	"strings"
)

// Report is the input to the summary composer for one engagement.
type Report struct {
	EngagementID string
	Attacker     string
	Defender     string
	Outcome      string
	Margin       int
	// Damage is nil when the result carried no damage.
	Damage *int
	// Applied is false when damage was present but not applied by this session.
	Applied      bool
	SourceLabels []string
	TargetLabels []string
}

// Compose formats r as one chat message. It is pure; at-most-once posting
// per engagement is enforced by the watcher.
func Compose(r Report) Message {
	var b strings.Builder

	outcome := r.Outcome
	if outcome == "" {
		outcome = "unresolved"
	}
	fmt.Fprintf(&b, "%s vs %s: %s", r.Attacker, r.Defender, outcome)
	if r.Margin != 0 {
		fmt.Fprintf(&b, " by %d", abs(r.Margin))
	}
	b.WriteString("\n")

	switch {
	case r.Damage == nil:
		b.WriteString("No damage")
	case r.Applied:
		fmt.Fprintf(&b, "Damage: %d", *r.Damage)
	default:
		fmt.Fprintf(&b, "Damage: %d (not applied)", *r.Damage)
	}

	if len(r.SourceLabels) > 0 {
		fmt.Fprintf(&b, "\n%s: %s", r.Attacker, strings.Join(r.SourceLabels, ", "))
	}
	if len(r.TargetLabels) > 0 {
		fmt.Fprintf(&b, "\n%s: %s", r.Defender, strings.Join(r.TargetLabels, ", "))
	}

	return Message{EngagementID: r.EngagementID, Text: b.String()}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
