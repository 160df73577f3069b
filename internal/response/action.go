// Package response dispatches automated response actions to external
// enforcement points when a violation is recorded.
package response

import "fmt"

// Action is a response action a policy or rule can configure.
type Action string

const (
	ActionBlock      Action = "block"
	ActionAlert      Action = "alert"
	ActionEncrypt    Action = "encrypt"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// actionPriority fixes dispatch ordering: block first so subsequent alerting
// reflects a contained state, escalation last.
var actionPriority = map[Action]int{
	ActionBlock:      0,
	ActionAlert:      1,
	ActionEncrypt:    2,
	ActionQuarantine: 2,
	ActionEscalate:   3,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := actionPriority[a]
	return ok
}

// ParseAction converts a string to an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown response action: %q", s)
	}
	return a, nil
}

// OrderActions groups actions into priority tiers, preserving the fixed
// dispatch order. Unknown and duplicate actions are dropped.
func OrderActions(actions []Action) [][]Action {
	seen := make(map[Action]bool, len(actions))
	tiers := make(map[int][]Action)
	maxTier := -1
	for _, a := range actions {
		p, ok := actionPriority[a]
		if !ok || seen[a] {
			continue
		}
		seen[a] = true
		tiers[p] = append(tiers[p], a)
		if p > maxTier {
			maxTier = p
		}
	}

	var ordered [][]Action
	for p := 0; p <= maxTier; p++ {
		if batch, ok := tiers[p]; ok {
			ordered = append(ordered, batch)
		}
	}
	return ordered
}
