// Package violation tracks policy and rule violations through their review
// lifecycle, deduplicating repeat occurrences against open cases.
package violation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/response"
)

// Common errors.
var (
	ErrViolationNotFound = errors.New("violation not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is a violation's position in the review lifecycle.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// allowedTransitions enumerates the legal lifecycle edges. Resolved and
// false_positive cases can be reopened into investigation but never jump
// straight between terminal states.
var allowedTransitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusResolved, StatusFalsePositive},
	StatusInvestigating: {StatusResolved, StatusFalsePositive},
	StatusResolved:      {StatusInvestigating},
	StatusFalsePositive: {StatusInvestigating},
}

// OriginKind distinguishes what produced a violation.
type OriginKind string

const (
	OriginRule   OriginKind = "rule"
	OriginPolicy OriginKind = "policy"
)

// Origin identifies the rule or policy a violation came from.
type Origin struct {
	Kind OriginKind `json:"kind"`
	ID   string     `json:"id"`
	Name string     `json:"name"`
}

// Violation is a tracked security case.
type Violation struct {
	ID             string            `json:"id"`
	Origin         Origin            `json:"origin"`
	EventID        string            `json:"event_id"`
	SourceIdentity string            `json:"source_identity"`
	Target         string            `json:"target"`
	Severity       event.Severity    `json:"severity"`
	Confidence     int               `json:"confidence"`
	Status         Status            `json:"status"`
	Details        string            `json:"details"`
	Actions        []response.Action `json:"actions"`
	Occurrences    int               `json:"occurrences"`
	FirstSeen      time.Time         `json:"first_seen"`
	LastSeen       time.Time         `json:"last_seen"`
	ActionFailures []string          `json:"action_failures,omitempty"`
}

func (v *Violation) open() bool {
	return v.Status == StatusOpen || v.Status == StatusInvestigating
}

type dedupKey struct {
	originKind OriginKind
	originID   string
	source     string
	target     string
}

// Tracker owns the violation store.
type Tracker struct {
	mu         sync.Mutex
	window     time.Duration
	violations map[string]*Violation
	order      []string
	openIndex  map[dedupKey]string
	logger     *zap.Logger

	// OnFalsePositive fires when a violation transitions to false_positive,
	// letting the rule layer adjust its accuracy counters.
	OnFalsePositive func(origin Origin)
}

// NewTracker creates an empty tracker. The correlation window bounds how
// long repeat occurrences are considered part of the same burst; a
// non-positive window disables the staleness signal.
func NewTracker(window time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		window:     window,
		violations: make(map[string]*Violation),
		openIndex:  make(map[dedupKey]string),
		logger:     logger,
	}
}

// Candidate is a would-be violation produced by the detection or DLP layer.
type Candidate struct {
	Origin         Origin
	EventID        string
	SourceIdentity string
	Target         string
	Severity       event.Severity
	Confidence     int
	Details        string
	Actions        []response.Action
	ObservedAt     time.Time
}

// Record stores a candidate, deduplicating against an open violation with
// the same origin, source and target. On dedup the existing case absorbs
// the occurrence: count and last-seen advance, severity and confidence only
// ever rise. Returns the violation and whether it was newly created.
func (t *Tracker) Record(c Candidate) (*Violation, bool) {
	if c.ObservedAt.IsZero() {
		c.ObservedAt = time.Now().UTC()
	}
	key := dedupKey{
		originKind: c.Origin.Kind,
		originID:   c.Origin.ID,
		source:     c.SourceIdentity,
		target:     c.Target,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.openIndex[key]; ok {
		existing := t.violations[id]
		if existing.open() {
			// The at-most-one-open invariant wins over the correlation
			// window: occurrences past the window still fold into the open
			// case, they just stop counting as part of the original burst.
			if t.window > 0 && c.ObservedAt.Sub(existing.LastSeen) > t.window {
				t.logger.Info("occurrence outside correlation window absorbed",
					zap.String("violation_id", existing.ID),
					zap.Duration("window", t.window),
				)
			}
			existing.Occurrences++
			existing.LastSeen = c.ObservedAt
			if c.Severity != existing.Severity && c.Severity.AtLeast(existing.Severity) {
				existing.Severity = c.Severity
			}
			if c.Confidence > existing.Confidence {
				existing.Confidence = c.Confidence
			}
			t.logger.Debug("violation occurrence deduplicated",
				zap.String("violation_id", existing.ID),
				zap.Int("occurrences", existing.Occurrences),
			)
			snapshot := *existing
			return &snapshot, false
		}
		delete(t.openIndex, key)
	}

	v := &Violation{
		ID:             uuid.NewString(),
		Origin:         c.Origin,
		EventID:        c.EventID,
		SourceIdentity: c.SourceIdentity,
		Target:         c.Target,
		Severity:       c.Severity,
		Confidence:     c.Confidence,
		Status:         StatusOpen,
		Details:        c.Details,
		Actions:        append([]response.Action(nil), c.Actions...),
		Occurrences:    1,
		FirstSeen:      c.ObservedAt,
		LastSeen:       c.ObservedAt,
	}
	t.violations[v.ID] = v
	t.order = append(t.order, v.ID)
	t.openIndex[key] = v.ID

	t.logger.Info("violation opened",
		zap.String("violation_id", v.ID),
		zap.String("origin_kind", string(v.Origin.Kind)),
		zap.String("origin_id", v.Origin.ID),
		zap.String("severity", string(v.Severity)),
	)
	snapshot := *v
	return &snapshot, true
}

// Transition moves a violation to a new status, enforcing the lifecycle
// edges. A transition to false_positive fires the OnFalsePositive hook.
func (t *Tracker) Transition(violationID string, to Status) (*Violation, error) {
	t.mu.Lock()
	v, ok := t.violations[violationID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrViolationNotFound, violationID)
	}

	allowed := false
	for _, next := range allowedTransitions[v.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		from := v.Status
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	v.Status = to
	key := dedupKey{
		originKind: v.Origin.Kind,
		originID:   v.Origin.ID,
		source:     v.SourceIdentity,
		target:     v.Target,
	}
	if v.open() {
		// A reopened case resumes absorbing occurrences for its tuple. If
		// a newer open case claimed the tuple in the meantime, that case
		// stays the dedup anchor.
		if holder, occupied := t.openIndex[key]; !occupied {
			t.openIndex[key] = v.ID
		} else if holder != v.ID {
			t.logger.Warn("reopened violation shares tuple with an open case",
				zap.String("violation_id", v.ID),
				zap.String("anchor_id", holder),
			)
		}
	} else if t.openIndex[key] == v.ID {
		delete(t.openIndex, key)
	}
	hook := t.OnFalsePositive
	origin := v.Origin
	snapshot := *v
	t.mu.Unlock()

	t.logger.Info("violation transitioned",
		zap.String("violation_id", violationID),
		zap.String("status", string(to)),
	)
	if to == StatusFalsePositive && hook != nil {
		hook(origin)
	}
	return &snapshot, nil
}

// RecordActionFailure attaches a failed response action to a violation so
// reviewers can see which enforcement hooks did not land.
func (t *Tracker) RecordActionFailure(violationID string, action response.Action, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.violations[violationID]
	if !ok {
		return
	}
	v.ActionFailures = append(v.ActionFailures, fmt.Sprintf("%s: %s", action, reason))
}

// Get returns a copy of a violation.
func (t *Tracker) Get(violationID string) (*Violation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.violations[violationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrViolationNotFound, violationID)
	}
	snapshot := *v
	return &snapshot, nil
}

// List returns copies of all violations, newest first. A non-empty status
// filters the result.
func (t *Tracker) List(status Status) []*Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Violation, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		v := t.violations[t.order[i]]
		if status != "" && v.Status != status {
			continue
		}
		snapshot := *v
		out = append(out, &snapshot)
	}
	return out
}

// OpenCount returns the number of violations still under review.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, v := range t.violations {
		if v.open() {
			n++
		}
	}
	return n
}

// Total returns the number of violations ever recorded.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.violations)
}
