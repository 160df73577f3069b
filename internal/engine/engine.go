// Package engine wires the ingest, detection, DLP, tracking and response
// subsystems into the event processing pipeline.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/detection"
	"github.com/medsentry/policyguard/internal/dlp"
	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/keys"
	"github.com/medsentry/policyguard/internal/response"
	"github.com/medsentry/policyguard/internal/violation"
)

// Hooks let the caller observe pipeline outcomes, for metrics and audit.
// All hooks are optional.
type Hooks struct {
	OnEventProcessed func(evt *event.SecurityEvent, matches int)
	OnViolation      func(v *violation.Violation, created bool)
	OnActionDispatch func(violationID string, results []response.ActionResult)
	OnKeyDue         func(report keys.DueReport)
}

// Engine owns the processing loop and the key due-check schedule.
type Engine struct {
	ingress    *event.Ingress
	buffer     *event.Buffer
	rules      *detection.RuleSet
	policies   *dlp.Matcher
	tracker    *violation.Tracker
	dispatcher *response.Dispatcher
	keys       *keys.Manager
	hooks      Hooks
	logger     *zap.Logger

	dueInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	dueDone chan struct{}
}

// Options configures engine construction.
type Options struct {
	Rules            *detection.RuleSet
	Policies         *dlp.Matcher
	Tracker          *violation.Tracker
	Dispatcher       *response.Dispatcher
	Keys             *keys.Manager
	Hooks            Hooks
	DueCheckInterval time.Duration
	Logger           *zap.Logger
}

// New assembles an engine. The caller retains ownership of the subsystems
// for direct management access (toggles, transitions, rotations).
func New(opts Options) *Engine {
	if opts.DueCheckInterval <= 0 {
		opts.DueCheckInterval = time.Hour
	}
	return &Engine{
		ingress:     event.NewIngress(),
		buffer:      event.NewBuffer(),
		rules:       opts.Rules,
		policies:    opts.Policies,
		tracker:     opts.Tracker,
		dispatcher:  opts.Dispatcher,
		keys:        opts.Keys,
		hooks:       opts.Hooks,
		dueInterval: opts.DueCheckInterval,
		logger:      opts.Logger,
	}
}

// Submit validates a raw signal and queues the normalized event for
// processing. Malformed signals are rejected immediately and never queued.
func (e *Engine) Submit(raw event.RawSignal) (*event.SecurityEvent, error) {
	evt, err := e.ingress.Ingest(raw)
	if err != nil {
		return nil, err
	}
	if !e.buffer.Publish(evt) {
		return nil, fmt.Errorf("engine is shut down")
	}
	return evt, nil
}

// Start launches the processing loop and the key due-check schedule.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.running = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.dueDone = make(chan struct{})

	go e.processLoop(runCtx)
	go e.dueCheckLoop(runCtx)

	e.logger.Info("engine started",
		zap.Duration("due_check_interval", e.dueInterval),
	)
}

// Stop closes the buffer, drains queued events and waits for both loops to
// exit. The due-check loop is cancelled only after the drain so in-flight
// dispatch keeps a live context.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	dueDone := e.dueDone
	e.mu.Unlock()

	e.buffer.Close()
	<-done
	cancel()
	<-dueDone
	e.logger.Info("engine stopped")
}

// Pause suspends event delivery. Submitted events buffer, not drop.
func (e *Engine) Pause() {
	e.buffer.Pause()
	e.logger.Info("event processing paused", zap.Int("queued", e.buffer.Len()))
}

// Resume restarts delivery of buffered and future events.
func (e *Engine) Resume() {
	e.buffer.Resume()
	e.logger.Info("event processing resumed")
}

// Paused reports whether delivery is suspended.
func (e *Engine) Paused() bool {
	return e.buffer.Paused()
}

// QueueDepth returns the number of buffered events.
func (e *Engine) QueueDepth() int {
	return e.buffer.Len()
}

func (e *Engine) processLoop(ctx context.Context) {
	defer close(e.done)
	for {
		evt := e.buffer.Next()
		if evt == nil {
			return
		}
		e.Process(ctx, evt)
	}
}

// Process runs one event through detection and DLP, records resulting
// violations and dispatches response actions for newly created ones.
// Deduplicated occurrences do not re-fire actions.
func (e *Engine) Process(ctx context.Context, evt *event.SecurityEvent) {
	matches := 0

	for _, rm := range e.rules.Evaluate(evt) {
		matches++
		e.handleCandidate(ctx, evt, violation.Candidate{
			Origin:         violation.Origin{Kind: violation.OriginRule, ID: rm.RuleID, Name: rm.RuleName},
			EventID:        evt.ID,
			SourceIdentity: evt.SourceIdentity,
			Target:         evt.Target,
			Severity:       rm.Severity,
			Confidence:     rm.Confidence,
			Details:        evt.Details,
			Actions:        []response.Action{response.ActionAlert, response.ActionEscalate},
			ObservedAt:     evt.Timestamp,
		})
	}

	for _, pm := range e.policies.Evaluate(evt) {
		matches++
		e.handleCandidate(ctx, evt, violation.Candidate{
			Origin:         violation.Origin{Kind: violation.OriginPolicy, ID: pm.PolicyID, Name: pm.PolicyName},
			EventID:        evt.ID,
			SourceIdentity: evt.SourceIdentity,
			Target:         evt.Target,
			Severity:       pm.Severity,
			Confidence:     100,
			Details:        evt.Details,
			Actions:        pm.Actions,
			ObservedAt:     evt.Timestamp,
		})
	}

	if e.hooks.OnEventProcessed != nil {
		e.hooks.OnEventProcessed(evt, matches)
	}
}

func (e *Engine) handleCandidate(ctx context.Context, evt *event.SecurityEvent, c violation.Candidate) {
	v, created := e.tracker.Record(c)
	if e.hooks.OnViolation != nil {
		e.hooks.OnViolation(v, created)
	}
	if !created {
		return
	}

	results := e.dispatcher.Dispatch(ctx, response.Request{
		ViolationID:    v.ID,
		Severity:       v.Severity,
		SourceIdentity: v.SourceIdentity,
		Target:         v.Target,
		Actions:        v.Actions,
	})
	for _, r := range results {
		if !r.Success {
			e.tracker.RecordActionFailure(v.ID, r.Action, r.Error)
		}
	}
	if e.hooks.OnActionDispatch != nil {
		e.hooks.OnActionDispatch(v.ID, results)
	}
}

// dueCheckLoop runs the periodic key rotation due-check. This is the
// engine's only hidden schedule.
func (e *Engine) dueCheckLoop(ctx context.Context) {
	defer close(e.dueDone)
	ticker := time.NewTicker(e.dueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := e.keys.CheckDue()
			if len(report.DueSoon) > 0 || len(report.Expired) > 0 {
				e.logger.Warn("key rotation attention needed",
					zap.Int("due_soon", len(report.DueSoon)),
					zap.Int("expired", len(report.Expired)),
				)
			}
			if e.hooks.OnKeyDue != nil {
				e.hooks.OnKeyDue(report)
			}
		}
	}
}
