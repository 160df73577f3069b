// Package main provides the entry point for the PolicyGuard server.
// This is a security policy and event engine: detection rules, DLP policy
// matching, violation tracking, response dispatch and credential lifecycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medsentry/policyguard/internal/api/gateway"
	"github.com/medsentry/policyguard/internal/config"
	"github.com/medsentry/policyguard/internal/detection"
	"github.com/medsentry/policyguard/internal/dlp"
	"github.com/medsentry/policyguard/internal/engine"
	"github.com/medsentry/policyguard/internal/enroll"
	"github.com/medsentry/policyguard/internal/event"
	"github.com/medsentry/policyguard/internal/keys"
	"github.com/medsentry/policyguard/internal/observability"
	"github.com/medsentry/policyguard/internal/response"
	"github.com/medsentry/policyguard/internal/stats"
	"github.com/medsentry/policyguard/internal/violation"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

type app struct {
	logger     *zap.Logger
	telemetry  *observability.Telemetry
	engine     *engine.Engine
	rules      *detection.RuleSet
	policies   *dlp.Matcher
	registry   *dlp.Registry
	tracker    *violation.Tracker
	keys       *keys.Manager
	mfa        *enroll.MFAManager
	sso        *enroll.SSOManager
	aggregator *stats.Aggregator
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PolicyGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "policyguard",
		ServiceVersion: Version,
		Environment:    os.Getenv("ENVIRONMENT"),
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init: %v\n", err)
		os.Exit(1)
	}
	logger := telemetry.Logger()
	logger.Info("starting policyguard", zap.String("version", Version))

	a := buildApp(cfg, telemetry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	telemetry.StartSystemMetricsCollector(ctx)
	a.engine.Start(ctx)

	r := a.router(cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	a.engine.Stop()
	telemetry.Shutdown(shutdownCtx)
	logger.Info("server stopped")
}

func buildApp(cfg *config.Config, telemetry *observability.Telemetry) *app {
	logger := telemetry.Logger()
	metrics := telemetry.Metrics()

	rules := detection.NewRuleSet(logger)
	if data, err := os.ReadFile(cfg.Detection.RulesPath); err == nil {
		if err := rules.LoadRules(data); err != nil {
			logger.Warn("loading detection rules", zap.Error(err))
		}
	}
	policies := dlp.NewMatcher(logger)
	if data, err := os.ReadFile(cfg.Detection.PoliciesPath); err == nil {
		if err := policies.LoadPolicies(data); err != nil {
			logger.Warn("loading dlp policies", zap.Error(err))
		}
	}
	registry := dlp.NewRegistry(logger)

	tracker := violation.NewTracker(cfg.Detection.CorrelationWindow, logger)
	tracker.OnFalsePositive = func(origin violation.Origin) {
		if origin.Kind == violation.OriginRule {
			rules.MarkFalsePositive(origin.ID)
		}
	}

	dispatcher := response.NewDispatcher(response.Config{
		RetryCount:      cfg.Response.RetryCount,
		BaseBackoff:     cfg.Response.BaseBackoff,
		ActionTimeout:   cfg.Response.ActionTimeout,
		EscalateAtLeast: event.Severity(cfg.Response.EscalateAtLeast),
		AlertChannel:    cfg.Response.AlertChannel,
	}, &response.LogEnforcer{Logger: logger}, logger)

	keyManager := keys.NewManager(keys.Config{
		RotationInterval: cfg.Keys.RotationInterval,
		WarningWindow:    cfg.Keys.WarningWindow,
		KeyBits:          cfg.Keys.KeyBits,
	}, nil, logger)

	mfa := enroll.NewMFAManager(enroll.Config{
		Issuer:          cfg.MFA.Issuer,
		MaxAttempts:     cfg.MFA.MaxAttempts,
		BackupCodeCount: cfg.MFA.BackupCodeCount,
	}, logger)
	sso := enroll.NewSSOManager(nil, logger)

	hooks := engine.Hooks{}
	if metrics != nil {
		hooks.OnEventProcessed = func(evt *event.SecurityEvent, matches int) {
			metrics.EventsIngested.WithLabelValues(string(evt.Action)).Inc()
		}
		hooks.OnViolation = func(v *violation.Violation, created bool) {
			if created {
				metrics.ViolationsOpened.WithLabelValues(string(v.Origin.Kind), string(v.Severity)).Inc()
			} else {
				metrics.Deduplicated.Inc()
			}
		}
		hooks.OnActionDispatch = func(violationID string, results []response.ActionResult) {
			for _, r := range results {
				status := "success"
				if r.Skipped {
					status = "skipped"
				} else if !r.Success {
					status = "failed"
				}
				metrics.ActionsDispatched.WithLabelValues(string(r.Action), status).Inc()
				metrics.ActionDuration.WithLabelValues(string(r.Action)).Observe(r.Duration.Seconds())
			}
		}
		hooks.OnKeyDue = func(report keys.DueReport) {
			metrics.KeysDueSoon.Set(float64(len(report.DueSoon)))
			metrics.KeysExpired.Set(float64(len(report.Expired)))
		}
	}

	eng := engine.New(engine.Options{
		Rules:            rules,
		Policies:         policies,
		Tracker:          tracker,
		Dispatcher:       dispatcher,
		Keys:             keyManager,
		Hooks:            hooks,
		DueCheckInterval: cfg.Keys.DueCheckInterval,
		Logger:           logger,
	})

	return &app{
		logger:     logger,
		telemetry:  telemetry,
		engine:     eng,
		rules:      rules,
		policies:   policies,
		registry:   registry,
		tracker:    tracker,
		keys:       keyManager,
		mfa:        mfa,
		sso:        sso,
		aggregator: stats.NewAggregator(rules, policies, registry, tracker, keyManager, mfa, sso),
	}
}

func (a *app) router(cfg *config.Config) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		limiter := gateway.NewRateLimiter(rdb, gateway.RateLimitConfig{
			Endpoints:      gateway.DefaultEndpointLimits(),
			IncludeHeaders: true,
		}, a.logger)
		r.Use(limiter.Middleware(
			func(*http.Request) string { return "basic" },
			func(*http.Request) string { return "" },
		))
	}

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Handle("/metrics", a.telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleIngestEvent)

		r.Get("/rules", a.handleListRules)
		r.Post("/rules/{id}/toggle", a.handleToggleRule)

		r.Get("/policies", a.handleListPolicies)
		r.Post("/policies/{id}/toggle", a.handleTogglePolicy)
		r.Get("/classifications", a.handleListClassifications)

		r.Get("/violations", a.handleListViolations)
		r.Get("/violations/{id}", a.handleGetViolation)
		r.Post("/violations/{id}/transition", a.handleTransitionViolation)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", a.handleListKeys)
			r.Get("/due", a.handleKeysDue)
			r.Post("/{id}/rotate", a.handleRotateKey)
			r.Post("/{id}/revoke", a.handleRevokeKey)
		})
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", a.handleListTargets)
			r.Post("/{name}/encryption", a.handleSetEncryption)
			r.Post("/{name}/key", a.handleReassignTarget)
		})

		r.Route("/mfa", func(r chi.Router) {
			r.Get("/methods", a.handleListMethods)
			r.Post("/{method}/enroll", a.handleBeginEnrollment)
			r.Post("/{method}/confirm", a.handleConfirmEnrollment)
			r.Post("/{method}/cancel", a.handleCancelEnrollment)
			r.Post("/{method}/enabled", a.handleSetMethodEnabled)
			r.Post("/verify", a.handleVerify)
			r.Post("/backup-codes", a.handleGenerateBackupCodes)
			r.Post("/backup-codes/redeem", a.handleRedeemBackupCode)
		})

		r.Route("/sso", func(r chi.Router) {
			r.Get("/providers", a.handleListProviders)
			r.Post("/sync", a.handleSyncAll)
			r.Post("/{id}/sync", a.handleSyncProvider)
		})

		r.Get("/stats", a.handleStats)

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/status", a.handleMonitorStatus)
			r.Post("/pause", a.handleMonitorPause)
			r.Post("/resume", a.handleMonitorResume)
		})
	})

	return r
}

// Health and readiness handlers

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Event handlers

func (a *app) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var raw event.RawSignal
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	evt, err := a.engine.Submit(raw)
	if err != nil {
		if errors.Is(err, event.ErrMalformedEvent) {
			if m := a.telemetry.Metrics(); m != nil {
				m.EventsRejected.WithLabelValues("malformed").Inc()
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, evt)
}

// Detection handlers

func (a *app) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := a.rules.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "count": len(rules)})
}

func (a *app) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	enabled, err := a.rules.Toggle(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
}

// DLP handlers

func (a *app) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies := a.policies.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies, "count": len(policies)})
}

func (a *app) handleTogglePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	enabled, err := a.policies.Toggle(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
}

func (a *app) handleListClassifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"classifications": a.registry.List(),
		"protection_rate": a.registry.OverallProtectionRate(),
	})
}

// Violation handlers

func (a *app) handleListViolations(w http.ResponseWriter, r *http.Request) {
	status := violation.Status(r.URL.Query().Get("status"))
	violations := a.tracker.List(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"violations": violations, "count": len(violations)})
}

func (a *app) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	v, err := a.tracker.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *app) handleTransitionViolation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status violation.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	v, err := a.tracker.Transition(chi.URLParam(r, "id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, violation.ErrViolationNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, violation.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Key lifecycle handlers

func (a *app) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ks := a.keys.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": ks, "count": len(ks)})
}

func (a *app) handleKeysDue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.keys.CheckDue())
}

func (a *app) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.keys.Rotate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, keys.ErrRotationInProgress):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	if m := a.telemetry.Metrics(); m != nil {
		m.KeyRotations.Inc()
	}
	writeJSON(w, http.StatusOK, key)
}

func (a *app) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.keys.Revoke(id); err != nil {
		switch {
		case errors.Is(err, keys.ErrKeyNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, keys.ErrKeyInUse), errors.Is(err, keys.ErrRotationInProgress):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}

func (a *app) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"targets": a.keys.Targets()})
}

func (a *app) handleSetEncryption(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	name := chi.URLParam(r, "name")
	if err := a.keys.SetEncryption(name, req.Enabled); err != nil {
		switch {
		case errors.Is(err, keys.ErrTargetNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, keys.ErrKeyUnavailable):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"target": name, "enabled": req.Enabled})
}

func (a *app) handleReassignTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeyID string `json:"key_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	name := chi.URLParam(r, "name")
	if err := a.keys.ReassignTarget(name, req.KeyID); err != nil {
		switch {
		case errors.Is(err, keys.ErrTargetNotFound), errors.Is(err, keys.ErrKeyNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, keys.ErrKeyUnavailable):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": name, "key_id": req.KeyID})
}

// MFA handlers

func (a *app) handleListMethods(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"methods": a.mfa.Methods()})
}

func (a *app) handleBeginEnrollment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	method := enroll.MethodType(chi.URLParam(r, "method"))
	material, err := a.mfa.BeginEnrollment(method, req.Account)
	if err != nil {
		a.writeMFAError(w, err)
		return
	}
	a.recordEnrollMetric(method, "started")
	writeJSON(w, http.StatusOK, map[string]string{"method": string(method), "provisioning": material})
}

func (a *app) handleConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	method := enroll.MethodType(chi.URLParam(r, "method"))
	if err := a.mfa.Confirm(method); err != nil {
		a.writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"method": string(method), "state": "verifying"})
}

func (a *app) handleCancelEnrollment(w http.ResponseWriter, r *http.Request) {
	method := enroll.MethodType(chi.URLParam(r, "method"))
	if err := a.mfa.Cancel(method); err != nil {
		a.writeMFAError(w, err)
		return
	}
	a.recordEnrollMetric(method, "cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"method": string(method), "state": "configuring"})
}

func (a *app) handleSetMethodEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	method := enroll.MethodType(chi.URLParam(r, "method"))
	if err := a.mfa.SetEnabled(method, req.Enabled); err != nil {
		a.writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"method": string(method), "enabled": req.Enabled})
}

func (a *app) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method enroll.MethodType `json:"method"`
		Code   string            `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if err := a.mfa.Verify(req.Method, req.Code); err != nil {
		a.recordEnrollMetric(req.Method, "verify_failed")
		a.writeMFAError(w, err)
		return
	}
	a.recordEnrollMetric(req.Method, "enrolled")
	writeJSON(w, http.StatusOK, map[string]string{"method": string(req.Method), "state": "enrolled"})
}

func (a *app) handleGenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := a.mfa.GenerateBackupCodes()
	if err != nil {
		a.writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

func (a *app) handleRedeemBackupCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}
	if err := a.mfa.RedeemBackupCode(req.Code); err != nil {
		a.writeMFAError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"redeemed":  true,
		"remaining": a.mfa.BackupCodesRemaining(),
	})
}

func (a *app) writeMFAError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enroll.ErrMethodNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, enroll.ErrMethodDisabled), errors.Is(err, enroll.ErrInvalidState),
		errors.Is(err, enroll.ErrCodesAlreadyIssued):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, enroll.ErrCodeMismatch), errors.Is(err, enroll.ErrVerificationFailed),
		errors.Is(err, enroll.ErrCodeAlreadyUsed), errors.Is(err, enroll.ErrBackupCodeUnknown):
		writeError(w, http.StatusForbidden, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *app) recordEnrollMetric(method enroll.MethodType, status string) {
	if m := a.telemetry.Metrics(); m != nil {
		m.MFAEnrollments.WithLabelValues(string(method), status).Inc()
	}
}

// SSO handlers

func (a *app) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": a.sso.Providers()})
}

func (a *app) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	providers := a.sso.SyncAll(r.Context())
	if m := a.telemetry.Metrics(); m != nil {
		for _, p := range providers {
			m.SSOSyncs.WithLabelValues(p.ID, "success").Inc()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

func (a *app) handleSyncProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := a.sso.Sync(r.Context(), id)
	if err != nil {
		if m := a.telemetry.Metrics(); m != nil {
			m.SSOSyncs.WithLabelValues(id, "failed").Inc()
		}
		if errors.Is(err, enroll.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if m := a.telemetry.Metrics(); m != nil {
		m.SSOSyncs.WithLabelValues(id, "success").Inc()
	}
	writeJSON(w, http.StatusOK, p)
}

// Stats handler

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := a.aggregator.Snapshot()
	if m := a.telemetry.Metrics(); m != nil {
		m.ViolationsOpen.Set(float64(snap.OpenViolations))
		m.QueueDepth.Set(float64(a.engine.QueueDepth()))
	}
	writeJSON(w, http.StatusOK, snap)
}

// Monitor handlers

func (a *app) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"paused": a.engine.Paused(),
		"queued": a.engine.QueueDepth(),
	})
}

func (a *app) handleMonitorPause(w http.ResponseWriter, r *http.Request) {
	a.engine.Pause()
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": true, "queued": a.engine.QueueDepth()})
}

func (a *app) handleMonitorResume(w http.ResponseWriter, r *http.Request) {
	a.engine.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// Response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
