// Package dlp evaluates data-loss-prevention policies against security
// events carrying payload metadata.
package dlp

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/response"
)

// Common errors.
var (
	ErrPolicyNotFound = errors.New("dlp policy not found")
)

// PolicyScope selects which facet of an event a policy inspects.
type PolicyScope string

const (
	ScopeContent PolicyScope = "content"
	ScopeContext PolicyScope = "context"
	ScopeUser    PolicyScope = "user"
	ScopeDevice  PolicyScope = "device"
)

// Rule holds the scope-specific matching criteria of a policy.
type Rule struct {
	// ContentPatterns match against the event's payload classification
	// (content scope).
	ContentPatterns []string `yaml:"content_patterns" json:"content_patterns,omitempty"`
	// ExternalRecipient requires the event's recipient attribute to be
	// outside the organization (context scope).
	ExternalRecipient bool `yaml:"external_recipient" json:"external_recipient,omitempty"`
	// InternalDomain defines the organization boundary for recipient checks.
	InternalDomain string `yaml:"internal_domain" json:"internal_domain,omitempty"`
	// UserGroups match against the event's user_group attribute (user scope).
	UserGroups []string `yaml:"user_groups" json:"user_groups,omitempty"`
	// DeviceClasses match against the event's device_class attribute
	// (device scope).
	DeviceClasses []string `yaml:"device_classes" json:"device_classes,omitempty"`
	// Actions limits the policy to particular event actions. Empty means
	// any action.
	Actions []event.ActionType `yaml:"actions" json:"actions,omitempty"`
}

// DLPPolicy is a single data-loss-prevention policy.
type DLPPolicy struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Scope       PolicyScope       `yaml:"scope" json:"scope"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	Severity    event.Severity    `yaml:"severity" json:"severity"`
	Actions     []response.Action `yaml:"actions" json:"actions"`
	Rule        Rule              `yaml:"rule" json:"rule"`
	Description string            `yaml:"description" json:"description,omitempty"`
}

// PolicyMatch is an independent match of one policy against one event,
// carrying that policy's severity and configured actions.
type PolicyMatch struct {
	PolicyID   string            `json:"policy_id"`
	PolicyName string            `json:"policy_name"`
	Scope      PolicyScope       `json:"scope"`
	Severity   event.Severity    `json:"severity"`
	Actions    []response.Action `json:"actions"`
}

// Matcher owns the DLP policies and their evaluation.
type Matcher struct {
	mu       sync.RWMutex
	policies map[string]*DLPPolicy
	order    []string
	logger   *zap.Logger
}

// NewMatcher creates a matcher seeded with the built-in policies.
func NewMatcher(logger *zap.Logger) *Matcher {
	m := &Matcher{
		policies: make(map[string]*DLPPolicy),
		logger:   logger,
	}
	m.loadDefaultPolicies()
	return m
}

// Evaluate returns a match for every enabled policy satisfied by the event.
// Multiple policies may fire independently on one event.
func (m *Matcher) Evaluate(evt *event.SecurityEvent) []PolicyMatch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []PolicyMatch
	for _, id := range m.order {
		policy := m.policies[id]
		if !policy.Enabled {
			continue
		}
		if !m.matches(policy, evt) {
			continue
		}
		actions := make([]response.Action, len(policy.Actions))
		copy(actions, policy.Actions)
		matches = append(matches, PolicyMatch{
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			Scope:      policy.Scope,
			Severity:   policy.Severity,
			Actions:    actions,
		})
	}
	return matches
}

func (m *Matcher) matches(policy *DLPPolicy, evt *event.SecurityEvent) bool {
	rule := policy.Rule

	if len(rule.Actions) > 0 {
		found := false
		for _, a := range rule.Actions {
			if a == evt.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	switch policy.Scope {
	case ScopeContent:
		return matchesAny(evt.Classification, rule.ContentPatterns)
	case ScopeContext:
		if !rule.ExternalRecipient {
			return true
		}
		recipient := evt.Attribute(event.AttrRecipient)
		if recipient == "" {
			return false
		}
		if rule.InternalDomain != "" && strings.HasSuffix(recipient, "@"+rule.InternalDomain) {
			return false
		}
		return recipient == "external" || strings.Contains(recipient, "@")
	case ScopeUser:
		return containsFold(rule.UserGroups, evt.Attribute(event.AttrUserGroup))
	case ScopeDevice:
		return containsFold(rule.DeviceClasses, evt.Attribute(event.AttrDeviceClass))
	}
	return false
}

func matchesAny(value string, patterns []string) bool {
	lower := strings.ToLower(value)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func containsFold(set []string, value string) bool {
	if value == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(s, value) {
			return true
		}
	}
	return false
}

// Toggle flips a policy's enabled state.
func (m *Matcher) Toggle(policyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[policyID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	policy.Enabled = !policy.Enabled
	m.logger.Info("dlp policy toggled",
		zap.String("policy_id", policyID),
		zap.Bool("enabled", policy.Enabled),
	)
	return policy.Enabled, nil
}

// Get returns a copy of a policy.
func (m *Matcher) Get(policyID string) (DLPPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policy, ok := m.policies[policyID]
	if !ok {
		return DLPPolicy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, policyID)
	}
	return *policy, nil
}

// List returns copies of all policies in load order.
func (m *Matcher) List() []DLPPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DLPPolicy, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.policies[id])
	}
	return out
}

// ActiveCount returns the number of enabled policies.
func (m *Matcher) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.policies {
		if p.Enabled {
			n++
		}
	}
	return n
}

// LoadPolicies merges policies parsed from YAML into the matcher, replacing
// policies with the same ID.
func (m *Matcher) LoadPolicies(yamlData []byte) error {
	var parsed struct {
		Policies []DLPPolicy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(yamlData, &parsed); err != nil {
		return fmt.Errorf("parsing policies YAML: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range parsed.Policies {
		policy := parsed.Policies[i]
		if policy.ID == "" {
			return fmt.Errorf("policy %q has no id", policy.Name)
		}
		for _, a := range policy.Actions {
			if !a.Valid() {
				return fmt.Errorf("policy %s: unknown action %q", policy.ID, a)
			}
		}
		if _, exists := m.policies[policy.ID]; !exists {
			m.order = append(m.order, policy.ID)
		}
		m.policies[policy.ID] = &policy
	}
	m.logger.Info("dlp policies loaded", zap.Int("count", len(parsed.Policies)))
	return nil
}

func (m *Matcher) add(policy *DLPPolicy) {
	m.policies[policy.ID] = policy
	m.order = append(m.order, policy.ID)
}

func (m *Matcher) loadDefaultPolicies() {
	m.add(&DLPPolicy{
		ID:       "policy-001",
		Name:     "Patient Health Information",
		Scope:    ScopeContent,
		Enabled:  true,
		Severity: event.SeverityCritical,
		Actions:  []response.Action{response.ActionBlock, response.ActionAlert, response.ActionEncrypt},
		Rule: Rule{
			ContentPatterns: []string{"PHI", "patient", "SSN", "medical record"},
		},
		Description: "Detect and protect PHI data patterns",
	})
	m.add(&DLPPolicy{
		ID:       "policy-002",
		Name:     "Financial Data Protection",
		Scope:    ScopeContent,
		Enabled:  true,
		Severity: event.SeverityHigh,
		Actions:  []response.Action{response.ActionAlert, response.ActionEncrypt},
		Rule: Rule{
			ContentPatterns: []string{"credit card", "financial", "account number"},
		},
		Description: "Protect credit card and financial information",
	})
	m.add(&DLPPolicy{
		ID:       "policy-003",
		Name:     "External Email Monitoring",
		Scope:    ScopeContext,
		Enabled:  true,
		Severity: event.SeverityMedium,
		Actions:  []response.Action{response.ActionAlert, response.ActionQuarantine},
		Rule: Rule{
			Actions:           []event.ActionType{event.ActionEmail},
			ExternalRecipient: true,
			InternalDomain:    "hospital.com",
		},
		Description: "Monitor sensitive data in outbound emails",
	})
	m.add(&DLPPolicy{
		ID:       "policy-004",
		Name:     "USB Device Control",
		Scope:    ScopeDevice,
		Enabled:  false,
		Severity: event.SeverityHigh,
		Actions:  []response.Action{response.ActionBlock, response.ActionAlert},
		Rule: Rule{
			Actions:       []event.ActionType{event.ActionCopy, event.ActionDownload},
			DeviceClasses: []string{"usb", "removable"},
		},
		Description: "Control data transfer to USB devices",
	})
	m.logger.Info("default dlp policies loaded", zap.Int("count", len(m.policies)))
}
