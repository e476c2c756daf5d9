package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ternarybob/workshopd/internal/urlparse"
	"github.com/ternarybob/workshopd/pkg/orchestrator"
	"github.com/ternarybob/workshopd/pkg/registry"
	"github.com/ternarybob/workshopd/pkg/scraper"
)

// version is set via -ldflags at build time.
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// Response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest is the request body for submitting a Workshop item.
type SubmitRequest struct {
	URL string `json:"url"`
}

// SubmitResponse is returned on successful submission.
type SubmitResponse struct {
	JobID      string            `json:"jobId"`
	ItemID     string            `json:"itemId"`
	Metadata   registry.Metadata `json:"metadata"`
	StatusPath string            `json:"statusPath"`
}

// StatusResponse is the Job snapshot returned for status polling.
type StatusResponse struct {
	registry.Snapshot
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// SessionResponse is returned on observer session issuance.
type SessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	StreamURL string    `json:"streamUrl"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "workshopd",
	})
}

// handleSubmit accepts a Workshop item URL, resolves its metadata, and
// admits a job for download.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "InvalidUrl")
		return
	}

	itemID, err := urlparse.ItemID(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidUrl")
		return
	}

	meta, err := s.scraper.Fetch(r.Context(), itemID)
	if err != nil {
		if scrapeErr, ok := err.(*scraper.Error); ok && scrapeErr.Kind == scraper.ErrorInvalidItem {
			writeError(w, http.StatusBadRequest, "InvalidItem")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to resolve item metadata: "+err.Error())
		return
	}
	if !meta.Valid {
		writeError(w, http.StatusBadRequest, "InvalidItem")
		return
	}
	if meta.ApplicationID != "" && s.cfg.Steam.ApplicationID != "" && meta.ApplicationID != s.cfg.Steam.ApplicationID {
		writeError(w, http.StatusBadRequest, "WrongApplication")
		return
	}

	regMeta := registry.Metadata{
		Title:             meta.Title,
		Author:            meta.Author,
		ApplicationID:     meta.ApplicationID,
		PreviewImageURL:   meta.PreviewImageURL,
		DeclaredSizeBytes: meta.DeclaredSizeBytes,
		Valid:             meta.Valid,
	}

	jobID, err := s.orch.Submit(itemID, regMeta)
	if err != nil {
		if _, ok := err.(*orchestrator.ErrCapacityExhausted); ok {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:      jobID,
		ItemID:     itemID,
		Metadata:   regMeta,
		StatusPath: "/jobs/" + jobID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	snap, ok := s.registry.Status(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	resp := StatusResponse{Snapshot: snap}
	if snap.State == registry.JobCompleted {
		resp.DownloadURL = "/jobs/" + jobID + "/archive"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleFetch streams a Completed job's archive, supporting byte-range
// requests so clients can resume interrupted downloads.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	handle, err := s.registry.Fetch(jobID)
	if err != nil {
		if registry.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if registry.IsNotReady(err) {
			writeError(w, http.StatusConflict, "archive not ready")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	f, err := os.Open(handle.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "archive unavailable: "+err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.zip"`)
	w.Header().Set("ETag", fmt.Sprintf(`"%d-%d"`, handle.Size, handle.ModTime.UnixMilli()))

	isRangeRequest := r.Header.Get("Range") != ""
	http.ServeContent(w, r, jobID+".zip", handle.ModTime, f)

	if !isRangeRequest {
		s.registry.NotifyDelivered(jobID, func(workspacePath string) {
			s.orch.DisposeWorkspace(workspacePath)
		})
	}
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	if err := s.orch.Forget(jobID); err != nil {
		if registry.IsNotFound(err) {
			writeJSON(w, http.StatusNoContent, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleIssueSession mints an observer session token gating access to the
// live log stream.
func (s *Server) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Issue()
	writeJSON(w, http.StatusCreated, SessionResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		StreamURL: "/logs/stream?token=" + sess.Token,
	})
}

// handleLogStream upgrades the connection to a WebSocket carrying the live
// Log Bus, gated by an observer session token.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	s.bus.ServeWS(w, r, s.sessions.Validate, s.logger)
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
