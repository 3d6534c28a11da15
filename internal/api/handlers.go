package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/venvdeck/internal/export"
	"github.com/mattjoyce/venvdeck/internal/journal"
	"github.com/mattjoyce/venvdeck/internal/operation"
	"github.com/mattjoyce/venvdeck/internal/pkgmgr"
	"github.com/mattjoyce/venvdeck/internal/venv"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, op := range s.coord.Operations() {
		if !op.State.Terminal() {
			running++
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:            "ok",
		Version:           s.config.Version,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Environments:      len(s.registry.List()),
		RunningOperations: running,
	})
}

// handleListEnvironments handles GET /environments. ?size=1 adds on-disk
// sizes, which walks every environment.
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	withSize := queryBool(r, "size")
	envs := s.registry.List()
	resp := EnvironmentListResponse{Environments: make([]EnvironmentResponse, 0, len(envs))}
	for _, env := range envs {
		resp.Environments = append(resp.Environments, s.environmentResponse(env, withSize))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetEnvironment handles GET /environments/{name}.
func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	env, err := s.registry.Lookup(name)
	if err != nil {
		if hint := s.registry.Suggest(name); len(hint) > 0 {
			s.writeError(w, http.StatusNotFound, err.Error()+" (did you mean "+strings.Join(hint, ", ")+"?)")
			return
		}
		s.writeOpError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.environmentResponse(env, true))
}

func (s *Server) environmentResponse(env venv.Environment, withSize bool) EnvironmentResponse {
	out := EnvironmentResponse{Environment: env}
	if id, ok := s.coord.Busy(env.Path); ok {
		out.BusyWith = id
	}
	if withSize {
		out.SizeBytes = venv.DirSize(env.Path)
	}
	return out
}

// handleCreate handles POST /environments.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Create(ctx, operation.CreateRequest{
			Name:               req.Name,
			Python:             req.Python,
			WithoutPip:         req.WithoutPip,
			SystemSitePackages: req.SystemSitePackages,
			Packages:           req.Packages,
		})
	})
}

// handleDelete handles DELETE /environments/{name}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Delete(ctx, chi.URLParam(r, "name"))
	})
}

// handleInstall handles POST /environments/{name}/install.
func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !s.decode(w, r, &req) {
		return
	}
	switch {
	case req.Requirements != "" && len(req.Packages) > 0:
		s.writeError(w, http.StatusBadRequest, "packages and requirements are mutually exclusive")
		return
	case req.Requirements != "":
		if !filepath.IsAbs(req.Requirements) {
			s.writeError(w, http.StatusBadRequest, "requirements must be an absolute path")
			return
		}
		s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
			return s.coord.InstallFile(ctx, chi.URLParam(r, "name"), req.Requirements)
		})
		return
	case len(req.Packages) == 0:
		s.writeError(w, http.StatusBadRequest, "packages is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Install(ctx, chi.URLParam(r, "name"), req.Packages)
	})
}

// handleUninstall handles POST /environments/{name}/uninstall.
func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	var req PackagesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Packages) == 0 {
		s.writeError(w, http.StatusBadRequest, "packages is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Uninstall(ctx, chi.URLParam(r, "name"), req.Packages)
	})
}

// handleRefresh handles POST /environments/{name}/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Refresh(ctx, chi.URLParam(r, "name"))
	})
}

// handleOutdated handles POST /environments/{name}/outdated.
func (s *Server) handleOutdated(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Outdated(ctx, chi.URLParam(r, "name"))
	})
}

// handleInfo handles POST /environments/{name}/info.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req PackageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Package) == "" {
		s.writeError(w, http.StatusBadRequest, "package is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Info(ctx, chi.URLParam(r, "name"), req.Package)
	})
}

// handleClone handles POST /environments/{name}/clone.
func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Clone(ctx, chi.URLParam(r, "name"), req.Target)
	})
}

// handleRename handles POST /environments/{name}/rename.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req TargetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Rename(ctx, chi.URLParam(r, "name"), req.Target)
	})
}

// handleExport handles POST /environments/{name}/export. The server has no
// useful working directory, so dir must be absolute.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !filepath.IsAbs(req.Dir) {
		s.writeError(w, http.StatusBadRequest, "dir must be an absolute path")
		return
	}
	s.dispatch(w, r, func(ctx context.Context) (*operation.Operation, error) {
		return s.coord.Export(ctx, chi.URLParam(r, "name"), operation.ExportRequest{
			Format:    export.Format(req.Format),
			Dir:       req.Dir,
			Overwrite: req.Overwrite,
		})
	})
}

// handleListOperations handles GET /operations.
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops := s.coord.Operations()
	if ops == nil {
		ops = []operation.Snapshot{}
	}
	respondJSON(w, http.StatusOK, OperationListResponse{Operations: ops})
}

// handleGetOperation handles GET /operations/{id}.
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, ok := s.coord.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	respondJSON(w, http.StatusOK, OperationResponse{Snapshot: op.Snapshot(), Output: op.Output()})
}

// handleCancelOperation handles POST /operations/{id}/cancel.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wait, err := s.parseWait(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.Cancel(id); err != nil {
		s.writeOpError(w, err)
		return
	}
	op, ok := s.coord.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	s.respondOperation(w, r, op, wait)
}

// handleHistory handles GET /history?env=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, HistoryResponse{Entries: []HistoryEntry{}})
		return
	}
	f := journal.Filter{Env: r.URL.Query().Get("env")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	entries, err := s.history.Recent(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	resp := HistoryResponse{Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, HistoryEntry{
			ID:          e.ID,
			Kind:        e.Kind,
			Env:         e.Env,
			Target:      e.Target,
			Status:      e.Status,
			Step:        e.Step,
			ExitCode:    e.ExitCode,
			Error:       e.LastError,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
			CompletedAt: e.CompletedAt.Format(time.RFC3339),
		})
	}
	respondJSON(w, http.StatusOK, resp)
}

// dispatch starts an operation detached from the request and answers
// with it.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, start func(ctx context.Context) (*operation.Operation, error)) {
	wait, err := s.parseWait(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := start(detach(r))
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.respondOperation(w, r, op, wait)
}

// respondOperation answers 202 with the current snapshot, or 200 with the
// final one when wait lets the operation finish in time.
func (s *Server) respondOperation(w http.ResponseWriter, r *http.Request, op *operation.Operation, wait time.Duration) {
	if wait <= 0 {
		respondJSON(w, http.StatusAccepted, op.Snapshot())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	snap, _ := op.Wait(ctx)
	if !snap.State.Terminal() {
		respondJSON(w, http.StatusAccepted, snap)
		return
	}
	respondJSON(w, http.StatusOK, OperationResponse{Snapshot: snap, Output: op.Output()})
}

// parseWait reads ?wait= as a duration, or "true" for the server maximum.
func (s *Server) parseWait(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	switch v {
	case "", "0", "false":
		return 0, nil
	case "1", "true":
		return s.config.MaxWait, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, errors.New("wait must be a duration such as 30s")
	}
	if d > s.config.MaxWait {
		d = s.config.MaxWait
	}
	return d, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeOpError maps coordinator and registry errors to status codes.
func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, venv.ErrNotFound), errors.Is(err, operation.ErrUnknownOperation):
		status = http.StatusNotFound
	case errors.Is(err, venv.ErrAlreadyExists), errors.Is(err, operation.ErrBusy), errors.Is(err, export.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, venv.ErrInvalidName), errors.Is(err, venv.ErrInvalidInterpreter),
		errors.Is(err, pkgmgr.ErrInvalidRequirement), errors.Is(err, export.ErrUnknownFormat),
		errors.Is(err, operation.ErrRequirementsFile):
		status = http.StatusBadRequest
	case errors.Is(err, venv.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err.Error())
}

// detach keeps request values but not its cancellation, so an operation
// outlives the request that started it.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
