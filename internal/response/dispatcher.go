package response

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/event"
)

// Enforcer is the capability interface to external enforcement points.
// The dispatcher only decides when and in what order to call them.
type Enforcer interface {
	// BlockSource blocks the offending user or IP.
	BlockSource(ctx context.Context, identity string) error
	// Quarantine isolates the affected target.
	Quarantine(ctx context.Context, target string) error
	// Encrypt forces encryption of the affected target's content.
	Encrypt(ctx context.Context, target string) error
	// Escalate pages the violation to a human review queue.
	Escalate(ctx context.Context, violationID string, severity event.Severity) error
	// Notify raises an alert on the configured channel.
	Notify(ctx context.Context, identity, channel string) error
}

// Request carries everything the dispatcher needs to act on a violation.
type Request struct {
	ViolationID    string
	Severity       event.Severity
	SourceIdentity string
	Target         string
	Actions        []Action
}

// ActionResult records the outcome of a single dispatched action.
type ActionResult struct {
	Action   Action        `json:"action"`
	Success  bool          `json:"success"`
	Skipped  bool          `json:"skipped,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Config holds dispatcher settings.
type Config struct {
	RetryCount      int            `yaml:"retry_count"`
	BaseBackoff     time.Duration  `yaml:"base_backoff"`
	ActionTimeout   time.Duration  `yaml:"action_timeout"`
	EscalateAtLeast event.Severity `yaml:"escalate_at_least"`
	AlertChannel    string         `yaml:"alert_channel"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryCount:      3,
		BaseBackoff:     250 * time.Millisecond,
		ActionTimeout:   10 * time.Second,
		EscalateAtLeast: event.SeverityHigh,
		AlertChannel:    "security_team",
	}
}

// Dispatcher issues response actions in fixed priority order with
// partial-failure semantics: a broken integration is recorded but never
// suppresses the remaining actions.
type Dispatcher struct {
	config   Config
	enforcer Enforcer
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, enforcer Enforcer, logger *zap.Logger) *Dispatcher {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.EscalateAtLeast == "" {
		cfg.EscalateAtLeast = event.SeverityHigh
	}
	return &Dispatcher{config: cfg, enforcer: enforcer, logger: logger}
}

// Dispatch runs the request's actions. Priority tiers execute sequentially;
// actions within a tier run concurrently so a timeout on one hook cannot
// block the others. Results come back in tier order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) []ActionResult {
	var results []ActionResult

	for _, tier := range OrderActions(req.Actions) {
		tierResults := make([]ActionResult, len(tier))
		var wg sync.WaitGroup
		for i, action := range tier {
			wg.Add(1)
			go func(i int, action Action) {
				defer wg.Done()
				tierResults[i] = d.runAction(ctx, req, action)
			}(i, action)
		}
		wg.Wait()
		results = append(results, tierResults...)
	}

	return results
}

// runAction executes one action with bounded exponential backoff.
func (d *Dispatcher) runAction(ctx context.Context, req Request, action Action) ActionResult {
	result := ActionResult{Action: action}

	// Severity gates escalation: medium/low violations are logged only.
	if action == ActionEscalate && !req.Severity.AtLeast(d.config.EscalateAtLeast) {
		result.Skipped = true
		result.Success = true
		d.logger.Info("escalation skipped below severity gate",
			zap.String("violation_id", req.ViolationID),
			zap.String("severity", string(req.Severity)),
		)
		return result
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.config.RetryCount; attempt++ {
		if attempt > 0 {
			backoff := d.config.BaseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				result.Attempts = attempt
				result.Duration = time.Since(start)
				result.Error = ctx.Err().Error()
				return result
			}
		}

		actionCtx, cancel := context.WithTimeout(ctx, d.config.ActionTimeout)
		err := d.invoke(actionCtx, req, action)
		cancel()

		result.Attempts = attempt + 1
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err
	}

	result.Duration = time.Since(start)
	result.Error = lastErr.Error()
	d.logger.Warn("response action failed",
		zap.String("violation_id", req.ViolationID),
		zap.String("action", string(action)),
		zap.Int("attempts", result.Attempts),
		zap.Error(lastErr),
	)
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, req Request, action Action) error {
	switch action {
	case ActionBlock:
		return d.enforcer.BlockSource(ctx, req.SourceIdentity)
	case ActionAlert:
		return d.enforcer.Notify(ctx, req.SourceIdentity, d.config.AlertChannel)
	case ActionEncrypt:
		return d.enforcer.Encrypt(ctx, req.Target)
	case ActionQuarantine:
		return d.enforcer.Quarantine(ctx, req.Target)
	case ActionEscalate:
		return d.enforcer.Escalate(ctx, req.ViolationID, req.Severity)
	}
	return nil
}

// LogEnforcer is an Enforcer that records calls to the logger. It stands in
// for real network integrations in development deployments.
type LogEnforcer struct {
	Logger *zap.Logger
}

func (l *LogEnforcer) BlockSource(ctx context.Context, identity string) error {
	l.Logger.Info("enforcement: block source", zap.String("identity", identity))
	return nil
}

func (l *LogEnforcer) Quarantine(ctx context.Context, target string) error {
	l.Logger.Info("enforcement: quarantine", zap.String("target", target))
	return nil
}

func (l *LogEnforcer) Encrypt(ctx context.Context, target string) error {
	l.Logger.Info("enforcement: encrypt", zap.String("target", target))
	return nil
}

func (l *LogEnforcer) Escalate(ctx context.Context, violationID string, severity event.Severity) error {
	l.Logger.Info("enforcement: escalate",
		zap.String("violation_id", violationID),
		zap.String("severity", string(severity)),
	)
	return nil
}

func (l *LogEnforcer) Notify(ctx context.Context, identity, channel string) error {
	l.Logger.Info("enforcement: notify",
		zap.String("identity", identity),
		zap.String("channel", channel),
	)
	return nil
}
