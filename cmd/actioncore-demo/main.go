// Command actioncore-demo is a minimal chi-routed HTTP surface exposing the
// ActionSystem embedding API over JSON for manual exploration. It carries
// no wire-format guarantees and is not part of the kernel's contract.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/actionauth/core/internal/echohandler"
	"github.com/actionauth/core/pkg/actionsystem"
	"github.com/actionauth/core/pkg/audit"
	"github.com/actionauth/core/pkg/clock"
	"github.com/actionauth/core/pkg/config"
	"github.com/actionauth/core/pkg/contracts"
	"github.com/actionauth/core/pkg/eventbus"
	"github.com/actionauth/core/pkg/handlers"
	"github.com/actionauth/core/pkg/observability"
	"github.com/actionauth/core/pkg/permissions"
	"github.com/actionauth/core/pkg/store"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	obsConfig := observability.DefaultConfig()
	obsConfig.Enabled = cfg.ObservabilityOn
	obsConfig.OTLPEndpoint = cfg.OTelEndpoint
	obsProvider, err := observability.New(ctx, obsConfig)
	if err != nil {
		log.Error("observability setup failed", "error", err)
		obsProvider = nil
	} else {
		defer func() { _ = obsProvider.Shutdown(context.Background()) }()
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	registry := handlers.NewRegistry()
	permMgr := permissions.NewManager(db, clock.Wall{}, registry)
	bus := eventbus.New()
	auditLog := audit.NewLogger()

	sys := actionsystem.New(db, registry, permMgr, bus, auditLog, obsProvider)

	if err := sys.RegisterHandler(echohandler.New()); err != nil {
		log.Error("register echo handler failed", "error", err)
		os.Exit(1)
	}

	bus.On(eventbus.PermissionNeeded, func(payload any) {
		log.Info("permission needed", "payload", payload)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(sys),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("actioncore-demo starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down actioncore-demo")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

func newRouter(sys *actionsystem.System) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Post("/v1/actions", handleRequestAction(sys))
	r.Post("/v1/actions/{id}/approve", handleApproveAction(sys))
	r.Post("/v1/actions/{id}/deny", handleDenyAction(sys))
	r.Get("/v1/actions/{id}", handleGetAction(sys))
	r.Get("/v1/actions/pending", handleListPending(sys))
	r.Post("/v1/permissions/grant", handleGrantPermission(sys))
	r.Post("/v1/permissions/revoke", handleRevokePermission(sys))
	r.Get("/v1/permissions/grants", handleListGrants(sys))

	return r
}

type requestActionBody struct {
	HandlerID  string         `json:"handler_id"`
	ActionName string         `json:"action_name"`
	Params     map[string]any `json:"params"`
}

func handleRequestAction(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body requestActionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		result, err := sys.RequestAction(r.Context(), body.HandlerID, body.ActionName, body.Params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleApproveAction(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		result, err := sys.ApproveAction(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type denyActionBody struct {
	Reason string `json:"reason"`
}

func handleDenyAction(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body denyActionBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		result, err := sys.DenyAction(r.Context(), id, body.Reason)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func handleGetAction(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		action, err := sys.GetAction(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, action)
	}
}

func handleListPending(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending, err := sys.ListPendingActions(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

type grantPermissionBody struct {
	HandlerID      string            `json:"handler_id"`
	PermissionName string            `json:"permission_name"`
	Scope          map[string]string `json:"scope"`
	Expiration     string            `json:"expiration"`
	GrantedBy      string            `json:"granted_by"`
}

func handleGrantPermission(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body grantPermissionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		grantID, err := sys.GrantPermission(r.Context(), body.HandlerID, body.PermissionName, body.Scope,
			contracts.ExpirationMode(body.Expiration), body.GrantedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"grant_id": grantID})
	}
}

type revokePermissionBody struct {
	GrantID string `json:"grant_id"`
}

func handleRevokePermission(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body revokePermissionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		revoked, err := sys.RevokePermission(r.Context(), body.GrantID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"revoked": revoked})
	}
}

func handleListGrants(sys *actionsystem.System) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grants, err := sys.ListGrants(r.Context(), r.URL.Query().Get("handler_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, grants)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
