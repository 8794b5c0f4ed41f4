package http

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wronai/pactown/internal/domain"
)

// maxFileReadBytes caps sandbox file reads served over the API.
const maxFileReadBytes = 200_000

// RunServiceRequest starts a service from raw Markdown content.
type RunServiceRequest struct {
	Name           string            `json:"name"`
	Content        string            `json:"content" binding:"required"`
	Port           int               `json:"port"`
	Env            map[string]string `json:"env"`
	UserID         string            `json:"user_id"`
	HealthCheck    string            `json:"health_check"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	SkipHealth     bool              `json:"skip_health"`
}

// ServiceInfo is one service as reported by the runner API.
type ServiceInfo struct {
	ID            string  `json:"id"`
	State         string  `json:"state"`
	Port          int     `json:"port,omitempty"`
	PID           int     `json:"pid,omitempty"`
	URL           string  `json:"url,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	Sandbox       string  `json:"sandbox,omitempty"`
}

// ValidateRequest carries raw Markdown content to check.
type ValidateRequest struct {
	Content string `json:"content" binding:"required"`
}

// ValidateResponse reports whether the content defines a runnable
// service.
type ValidateResponse struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Title    string   `json:"title,omitempty"`
	Files    int      `json:"files"`
	Deps     []string `json:"deps,omitempty"`
	Tests    int      `json:"tests"`
}

// WriteFileRequest carries the content for a sandbox file write.
type WriteFileRequest struct {
	Content string `json:"content"`
}

// ErrorResponse is the error envelope of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable error code and the human
// message.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// handleHealth answers liveness checks.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"services": len(s.sandbox.List()),
	})
}

// handleRunService starts a service from Markdown content.
func (s *Server) handleRunService(c *gin.Context) {
	var req RunServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	id := req.Name
	if id == "" {
		id = "svc-" + uuid.New().String()[:8]
	}
	if err := validateServiceID(id); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_SERVICE_ID", err.Error())
		return
	}

	artifact, err := s.parser.Parse([]byte(req.Content))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_ARTIFACT", err.Error())
		return
	}

	spec := domain.ServiceSpec{
		Name:        id,
		Port:        req.Port,
		HealthCheck: req.HealthCheck,
		Env:         req.Env,
		UserID:      req.UserID,
	}
	if spec.HealthCheck == "" {
		spec.HealthCheck = "/health"
	}
	if req.TimeoutSeconds > 0 {
		spec.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	if !s.admit(c, spec) {
		return
	}

	rec := &serviceRecord{spec: spec, artifact: artifact}
	state, err := s.runRecord(c.Request.Context(), rec, req.SkipHealth)
	if err != nil {
		s.logger.Error("failed to run service",
			zap.String("service", id),
			zap.Error(err))
		s.writeRunError(c, err)
		return
	}
	s.remember(id, rec)

	c.JSON(http.StatusCreated, s.serviceInfo(state, rec))
}

// admit runs the policy admission check, writing the denial response
// itself. True means the request may proceed.
func (s *Server) admit(c *gin.Context, spec domain.ServiceSpec) bool {
	if s.policy == nil {
		return true
	}
	decision := s.policy.CheckCanStart(userOf(spec), spec.Name, spec.Port)
	if !decision.Allowed {
		errorJSON(c, http.StatusForbidden, "POLICY_DENIED", decision.Reason)
		return false
	}
	if decision.Delay > 0 {
		select {
		case <-time.After(decision.Delay):
		case <-c.Request.Context().Done():
			errorJSON(c, http.StatusRequestTimeout, "CANCELLED", "request cancelled while throttled")
			return false
		}
	}
	return true
}

// runRecord starts the recorded service and registers the policy slot.
func (s *Server) runRecord(ctx context.Context, rec *serviceRecord, skipHealth bool) (domain.ServiceState, error) {
	var (
		state domain.ServiceState
		err   error
	)
	if skipHealth {
		state, err = s.sandbox.Launch(ctx, rec.spec, rec.artifact, rec.env)
	} else {
		state, err = s.sandbox.Run(ctx, rec.spec, rec.artifact, rec.env)
	}
	if err != nil {
		return domain.ServiceState{}, err
	}
	if s.policy != nil {
		s.policy.RegisterStart(userOf(rec.spec), rec.spec.Name)
	}
	return state, nil
}

// writeRunError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeRunError(c *gin.Context, err error) {
	switch e := err.(type) {
	case *domain.ConfigError:
		errorJSON(c, http.StatusBadRequest, "INVALID_ARTIFACT", e.Error())
	case *domain.AlreadyRunningError:
		errorJSON(c, http.StatusConflict, "ALREADY_RUNNING", e.Error())
	case *domain.PolicyDeniedError:
		errorJSON(c, http.StatusForbidden, "POLICY_DENIED", e.Error())
	case *domain.ProcessExitedError:
		errorJSON(c, http.StatusUnprocessableEntity, "PROCESS_EXITED", e.Error())
	case *domain.HealthTimeoutError:
		errorJSON(c, http.StatusUnprocessableEntity, "HEALTH_TIMEOUT", e.Error())
	case *domain.NoFreePortError:
		errorJSON(c, http.StatusServiceUnavailable, "NO_FREE_PORT", e.Error())
	default:
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// handleListServices lists every service the runner knows, merged with
// snapshots persisted by earlier runs.
func (s *Server) handleListServices(c *gin.Context) {
	userFilter := c.Query("user_id")

	seen := make(map[string]bool)
	services := make([]ServiceInfo, 0)
	for _, state := range s.sandbox.List() {
		seen[state.Name] = true
		rec, _ := s.record(state.Name)
		info := s.serviceInfo(state, rec)
		if userFilter != "" && info.UserID != userFilter {
			continue
		}
		services = append(services, info)
	}

	if s.store != nil {
		names, err := s.store.List(c.Request.Context())
		if err != nil {
			s.logger.Warn("failed to list persisted services", zap.Error(err))
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			state, err := s.store.Load(c.Request.Context(), name)
			if err != nil {
				continue
			}
			info := s.serviceInfo(state, nil)
			if userFilter != "" && info.UserID != userFilter {
				continue
			}
			services = append(services, info)
		}
	}

	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
	c.JSON(http.StatusOK, gin.H{"services": services})
}

// handleGetService reports one service.
func (s *Server) handleGetService(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	state, known := s.sandbox.Status(id)
	if !known {
		if s.store == nil {
			errorJSON(c, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("service %q not found", id))
			return
		}
		var err error
		state, err = s.store.Load(c.Request.Context(), id)
		if err != nil {
			errorJSON(c, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("service %q not found", id))
			return
		}
	}

	rec, _ := s.record(id)
	info := s.serviceInfo(state, rec)

	if state.State == domain.StateRunning {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
		defer cancel()
		healthy := s.sandbox.CheckHealth(ctx, id)
		c.JSON(http.StatusOK, gin.H{"service": info, "healthy": healthy})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": info})
}

// handleStopService stops a running service. With ?purge=true the
// sandbox directory is removed as well.
func (s *Server) handleStopService(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	if rec, known := s.record(id); known && s.policy != nil {
		defer s.policy.UnregisterStop(userOf(rec.spec), id)
	}

	var err error
	if c.Query("purge") == "true" {
		err = s.sandbox.Destroy(c.Request.Context(), id)
	} else {
		err = s.sandbox.Stop(c.Request.Context(), id)
	}
	if err != nil {
		s.logger.Error("failed to stop service",
			zap.String("service", id),
			zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
}

// handleServiceLogs returns the tail of the service's combined output.
func (s *Server) handleServiceLogs(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	tail := 100
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "tail must be an integer")
			return
		}
		tail = n
	}

	logs, err := s.sandbox.Logs(id, tail)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", logs)
}

// handleRestartService stops the service and starts it again with the
// spec and artifact of its original run.
func (s *Server) handleRestartService(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	rec, known := s.record(id)
	if !known {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("service %q was not started by this runner", id))
		return
	}

	if err := s.sandbox.Stop(c.Request.Context(), id); err != nil {
		errorJSON(c, http.StatusInternalServerError, "STOP_FAILED", err.Error())
		return
	}
	if s.policy != nil {
		s.policy.UnregisterStop(userOf(rec.spec), id)
	}

	if !s.admit(c, rec.spec) {
		return
	}
	state, err := s.runRecord(c.Request.Context(), rec, false)
	if err != nil {
		s.writeRunError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.serviceInfo(state, rec))
}

// handleTestService runs the artifact's declared HTTP checks.
func (s *Server) handleTestService(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), statusTimeout)
	defer cancel()

	results, err := s.sandbox.TestEndpoints(ctx, id)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"passed":  passed,
		"total":   len(results),
	})
}

// handleValidate checks Markdown content without materializing it.
func (s *Server) handleValidate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	artifact, err := s.parser.Parse([]byte(req.Content))
	if err != nil {
		c.JSON(http.StatusOK, ValidateResponse{Valid: false, Errors: []string{err.Error()}})
		return
	}

	resp := ValidateResponse{
		Title: artifact.Title,
		Files: len(artifact.Files),
		Deps:  artifact.Deps,
		Tests: len(artifact.Tests),
	}
	if strings.TrimSpace(artifact.Run) == "" {
		resp.Errors = append(resp.Errors, "artifact declares no run command")
	}
	if len(artifact.Files) == 0 {
		resp.Warnings = append(resp.Warnings, "artifact declares no files")
	}
	resp.Valid = len(resp.Errors) == 0
	c.JSON(http.StatusOK, resp)
}

// handleListFiles lists every file in the service's sandbox.
func (s *Server) handleListFiles(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}

	root := s.sandbox.Dir(id)
	if _, err := os.Stat(root); err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "sandbox not found")
		return
	}

	type fileEntry struct {
		Path  string `json:"path"`
		Size  int64  `json:"size"`
		MTime int64  `json:"mtime"`
	}
	files := make([]fileEntry, 0)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		files = append(files, fileEntry{Path: rel, Size: info.Size(), MTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	c.JSON(http.StatusOK, gin.H{"files": files})
}

// handleReadFile returns one sandbox file, truncated to the read cap.
func (s *Server) handleReadFile(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}
	target, ok := s.sandboxPath(c, id)
	if !ok {
		return
	}

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "file not found")
		return
	}

	data, err := os.ReadFile(target)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if len(data) > maxFileReadBytes {
		data = data[:maxFileReadBytes]
	}
	c.JSON(http.StatusOK, gin.H{"path": c.Query("path"), "content": string(data)})
}

// handleWriteFile creates or replaces one sandbox file.
func (s *Server) handleWriteFile(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}
	target, ok := s.sandboxPath(c, id)
	if !ok {
		return
	}

	var req WriteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": c.Query("path"), "written": true})
}

// handleDeleteFile removes one sandbox file. Directories are refused.
func (s *Server) handleDeleteFile(c *gin.Context) {
	id, ok := s.serviceID(c)
	if !ok {
		return
	}
	target, ok := s.sandboxPath(c, id)
	if !ok {
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"path": c.Query("path"), "deleted": false})
		return
	}
	if info.IsDir() {
		errorJSON(c, http.StatusBadRequest, "INVALID_PATH", "path is a directory")
		return
	}
	if err := os.Remove(target); err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": c.Query("path"), "deleted": true})
}

// handleAnomalies returns the most recent security anomalies.
func (s *Server) handleAnomalies(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	if s.policy == nil {
		c.JSON(http.StatusOK, gin.H{"anomalies": []domain.AnomalyEvent{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": s.policy.Anomalies().Recent(limit)})
}

// handleCacheStats reports dependency cache effectiveness.
func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sandbox.CacheStats())
}

// serviceID extracts and validates the :id path parameter, writing the
// error response itself when the id is unusable.
func (s *Server) serviceID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := validateServiceID(id); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_SERVICE_ID", err.Error())
		return "", false
	}
	return id, true
}

// sandboxPath resolves the ?path= query inside the service's sandbox,
// rejecting anything that could escape it.
func (s *Server) sandboxPath(c *gin.Context, id string) (string, bool) {
	rel := c.Query("path")
	if rel == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_PATH", "path query parameter required")
		return "", false
	}
	if !filepath.IsLocal(rel) {
		errorJSON(c, http.StatusBadRequest, "INVALID_PATH", "path escapes sandbox")
		return "", false
	}
	return filepath.Join(s.sandbox.Dir(id), rel), true
}

// serviceInfo converts a runtime snapshot into the API shape.
func (s *Server) serviceInfo(state domain.ServiceState, rec *serviceRecord) ServiceInfo {
	info := ServiceInfo{
		ID:      state.Name,
		State:   string(state.State),
		Port:    state.Port,
		PID:     state.PID,
		Sandbox: state.Sandbox,
	}
	if state.Port != 0 {
		info.URL = fmt.Sprintf("http://127.0.0.1:%d", state.Port)
	}
	if rec != nil {
		info.UserID = userOf(rec.spec)
	}
	if up := state.Uptime(time.Now()); up > 0 {
		info.UptimeSeconds = up.Seconds()
	}
	return info
}

// validateServiceID rejects ids that could address another sandbox.
func validateServiceID(id string) error {
	if id == "" {
		return fmt.Errorf("service id required")
	}
	if len(id) > 64 {
		return fmt.Errorf("service id too long")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid service id %q", id)
	}
	return nil
}
