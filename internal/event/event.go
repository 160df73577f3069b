// Package event provides the canonical security event model and the
// ingress that normalizes raw signals (login attempts, content scans,
// network probes) into it.
package event

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Common errors.
var (
	ErrMalformedEvent = errors.New("malformed event")
)

// ActionType is the canonical action observed in a signal.
type ActionType string

const (
	ActionLogin        ActionType = "login"
	ActionEmail        ActionType = "email"
	ActionDownload     ActionType = "download"
	ActionUpload       ActionType = "upload"
	ActionPrint        ActionType = "print"
	ActionCopy         ActionType = "copy"
	ActionNetworkProbe ActionType = "network_probe"
)

// knownActions is the closed set accepted at ingress.
var knownActions = map[ActionType]bool{
	ActionLogin:        true,
	ActionEmail:        true,
	ActionDownload:     true,
	ActionUpload:       true,
	ActionPrint:        true,
	ActionCopy:         true,
	ActionNetworkProbe: true,
}

// Severity classifies events, rules, policies and violations.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank orders severities for gating decisions.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Well-known attribute keys carried on events. Context-scope DLP policies
// match against these.
const (
	AttrRecipient   = "recipient"
	AttrUserGroup   = "user_group"
	AttrDeviceClass = "device_class"
)

// RawSignal is an unprocessed signal submitted to the ingress.
type RawSignal struct {
	Source         string            `json:"source"`
	Target         string            `json:"target"`
	Action         string            `json:"action"`
	Timestamp      time.Time         `json:"timestamp"`
	Classification string            `json:"classification,omitempty"`
	SeverityHint   string            `json:"severity_hint,omitempty"`
	Details        string            `json:"details,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// SecurityEvent is a normalized, immutable security event.
type SecurityEvent struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	SourceIdentity string            `json:"source_identity"` // user or IP
	Target         string            `json:"target"`
	Action         ActionType        `json:"action"`
	Classification string            `json:"classification,omitempty"` // PHI, financial, PII
	SeverityHint   Severity          `json:"severity_hint,omitempty"`
	Details        string            `json:"details,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Attribute returns the named attribute or "".
func (e *SecurityEvent) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Ingress normalizes raw signals into SecurityEvents. It assigns monotonic
// event IDs and performs no persistence of its own.
type Ingress struct {
	seq atomic.Uint64
}

// NewIngress creates a new ingress.
func NewIngress() *Ingress {
	return &Ingress{}
}

// Ingest validates and normalizes a raw signal. Signals with a missing
// source, target or timestamp, or an unrecognized action type, are rejected
// with ErrMalformedEvent and are not retried.
func (in *Ingress) Ingest(raw RawSignal) (*SecurityEvent, error) {
	if raw.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrMalformedEvent)
	}
	if raw.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrMalformedEvent)
	}
	if raw.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrMalformedEvent)
	}

	action := ActionType(raw.Action)
	if !knownActions[action] {
		return nil, fmt.Errorf("%w: unrecognized action type %q", ErrMalformedEvent, raw.Action)
	}

	hint := Severity(raw.SeverityHint)
	if raw.SeverityHint != "" && !hint.Valid() {
		hint = SeverityLow
	}

	evt := &SecurityEvent{
		ID:             fmt.Sprintf("evt-%06d", in.seq.Add(1)),
		Timestamp:      raw.Timestamp,
		SourceIdentity: raw.Source,
		Target:         raw.Target,
		Action:         action,
		Classification: raw.Classification,
		SeverityHint:   hint,
		Details:        raw.Details,
	}
	if len(raw.Attributes) > 0 {
		evt.Attributes = make(map[string]string, len(raw.Attributes))
		for k, v := range raw.Attributes {
			evt.Attributes[k] = v
		}
	}
	return evt, nil
}
