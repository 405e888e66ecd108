package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cibofdevs/envpilot-sub000/internal/domain"
	"github.com/cibofdevs/envpilot-sub000/internal/repository"
	"github.com/cibofdevs/envpilot-sub000/internal/service/reconcile"
	"github.com/cibofdevs/envpilot-sub000/internal/service/webhook"
	"github.com/cibofdevs/envpilot-sub000/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateLimitSync      = 60
	rateLimitWebhook   = 120
	rateLimitRead      = 240
	healthCheckTimeout = 2 * time.Second
	webhookSyncTimeout = time.Minute
	signatureHeader    = "X-EnvPilot-Signature"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	engine        Syncer
	monitor       Watcher
	deployments   repository.DeploymentRepository
	projects      repository.ProjectRepository
	notifications repository.NotificationRepository
	webhook       webhook.Service
	hub           *ws.Hub
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Syncer is the engine surface the HTTP layer invokes.
type Syncer interface {
	Reconcile(ctx context.Context, deploymentID string) error
	SyncAll(ctx context.Context) (int, error)
}

// Watcher registers bounded build watches.
type Watcher interface {
	Watch(job, deploymentID string, buildNumber int)
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, engine Syncer, monitor Watcher, deployments repository.DeploymentRepository, projects repository.ProjectRepository, notifications repository.NotificationRepository, webhookSvc webhook.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		engine:        engine,
		monitor:       monitor,
		deployments:   deployments,
		projects:      projects,
		notifications: notifications,
		webhook:       webhookSvc,
		hub:           hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/deployments/sync", r.audit(r.withRateLimit("/deployments/sync", rateLimitSync, rateWindowDefault, r.handleSyncAll)))
	r.mux.HandleFunc("/deployments/", r.audit(r.withRateLimit("/deployments/", rateLimitSync, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/projects/", r.audit(r.handleProjectSubroutes))
	r.mux.HandleFunc("/hooks/ci", r.audit(r.withRateLimit("/hooks/ci", rateLimitWebhook, rateWindowDefault, r.handleCIWebhook)))
	r.mux.HandleFunc("/users/", r.audit(r.withRateLimit("/users/", rateLimitRead, rateWindowDefault, r.handleUserSubroutes)))
	r.mux.HandleFunc("/notifications/", r.audit(r.handleNotificationSubroutes))
	r.mux.HandleFunc("/ws/notifications", r.audit(r.handleNotificationsWS))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// handleSyncAll reconciles every active deployment in the background.
func (r *Router) handleSyncAll(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		count, err := r.engine.SyncAll(ctx)
		if err != nil {
			r.logger.Warn("sync all failed", "error", err)
			return
		}
		r.logger.Info("sync all completed", "deployments", count)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		r.handleGetDeployment(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "sync":
		r.handleSyncOne(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load deployment")
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse(*deployment))
}

// handleSyncOne runs an on-demand reconciliation for a single deployment.
func (r *Router) handleSyncOne(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load deployment")
		return
	}
	if err := r.engine.Reconcile(req.Context(), deploymentID); err != nil {
		if errors.Is(err, reconcile.ErrSyncInFlight) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		writeError(w, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}
	deployment, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload deployment")
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse(*deployment))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "webhook":
		r.handleWebhookSecret(w, req, parts[0])
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleListProjectDeployments(w, req, parts[0])
	default:
		r.notFound(w)
	}
}

func (r *Router) handleListProjectDeployments(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.projects.GetProjectByID(req.Context(), projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	deployments, err := r.deployments.ListDeploymentsByProject(req.Context(), projectID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}
	items := make([]map[string]any, 0, len(deployments))
	for _, d := range deployments {
		items = append(items, deploymentResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": items})
}

// handleWebhookSecret stores the shared secret the CI server signs pushes with.
func (r *Router) handleWebhookSecret(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut && req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if _, err := r.projects.GetProjectByID(req.Context(), projectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}
	if err := r.webhook.UpsertSecret(req.Context(), projectID, payload.Secret); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "secret stored"})
}

// CIWebhookPayload is the push the CI server sends on build phase changes.
type CIWebhookPayload struct {
	JobName string `json:"jobName"`
	Build   struct {
		Status string `json:"status"`
		Number int    `json:"number"`
		URL    string `json:"url"`
	} `json:"build"`
}

func (r *Router) handleCIWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := readBody(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var payload CIWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.JobName) == "" || payload.Build.Number <= 0 {
		writeError(w, http.StatusBadRequest, "jobName and build.number are required")
		return
	}

	project, err := r.projects.GetProjectByCIJob(req.Context(), payload.JobName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("webhook for unknown job", "job", payload.JobName)
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve project")
		return
	}

	signature := strings.TrimSpace(req.Header.Get(signatureHeader))
	if err := r.webhook.CheckSignature(req.Context(), project.ID, body, signature); err != nil {
		r.logger.Warn("webhook signature rejected", "job", payload.JobName, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	deployment, err := r.deployments.FindDeploymentByProjectAndBuild(req.Context(), project.ID, payload.Build.Number)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// A build we did not trigger; acknowledge so the CI server
			// does not retry.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve deployment")
		return
	}

	if r.monitor != nil && strings.EqualFold(payload.Build.Status, "started") {
		r.monitor.Watch(project.CIJobName, deployment.ID, payload.Build.Number)
	}

	deploymentID := deployment.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookSyncTimeout)
		defer cancel()
		if err := r.engine.Reconcile(ctx, deploymentID); err != nil && !errors.Is(err, reconcile.ErrSyncInFlight) {
			r.logger.Warn("webhook sync failed", "deployment_id", deploymentID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync scheduled", "deployment_id": deploymentID})
}

func (r *Router) handleUserSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/users/"), "/"), "/")
	if len(parts) == 2 && parts[1] == "notifications" {
		r.handleListNotifications(w, req, parts[0])
		return
	}
	r.notFound(w)
}

func (r *Router) handleListNotifications(w http.ResponseWriter, req *http.Request, userID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	notifications, err := r.notifications.ListNotificationsByUser(req.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, map[string]any{
			"id":         n.ID,
			"title":      n.Title,
			"body":       n.Body,
			"severity":   n.Severity,
			"read":       n.Read,
			"created_at": n.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (r *Router) handleNotificationSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/notifications/"), "/"), "/")
	if len(parts) == 2 && parts[1] == "read" {
		r.handleMarkRead(w, req, parts[0])
		return
	}
	r.notFound(w)
}

func (r *Router) handleMarkRead(w http.ResponseWriter, req *http.Request, notificationID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.notifications.MarkNotificationRead(req.Context(), notificationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// handleNotificationsWS streams bell notifications to a user's feed clients.
func (r *Router) handleNotificationsWS(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "notification feed unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(userID, client)
	go func() {
		defer func() {
			r.hub.Unregister(userID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// routeLabel collapses id segments so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return path
	}
	switch parts[0] {
	case "deployments", "projects", "users", "notifications":
		if len(parts) > 1 {
			parts[1] = ":id"
		}
		return "/" + strings.Join(parts, "/")
	}
	return path
}

func deploymentResponse(d domain.Deployment) map[string]any {
	payload := map[string]any{
		"id":             d.ID,
		"project_id":     d.ProjectID,
		"environment_id": d.EnvironmentID,
		"triggered_by":   d.TriggeredByID,
		"version":        d.Version,
		"status":         d.Status,
		"notes":          d.Notes,
		"build_url":      d.BuildURL,
		"created_at":     d.CreatedAt.Format(time.RFC3339),
	}
	if d.BuildNumber != nil {
		payload["build_number"] = *d.BuildNumber
	}
	if d.CompletedAt != nil {
		payload["completed_at"] = d.CompletedAt.Format(time.RFC3339)
	}
	return payload
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func readBody(req *http.Request) ([]byte, error) {
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
