package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/storage"
)

// createTargetRequest registers a new engagement scope
type createTargetRequest struct {
	Name         string   `json:"name" validate:"required,max=128"`
	Domain       string   `json:"domain" validate:"required,fqdn"`
	ScopeInclude []string `json:"scope_include" validate:"omitempty,dive,min=1"`
	ScopeExclude []string `json:"scope_exclude" validate:"omitempty,dive,min=1"`
	IPRanges     []string `json:"ip_ranges" validate:"omitempty,dive,cidr"`
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req createTargetRequest
	if !s.decode(w, r, &req) {
		return
	}

	target := models.NewTarget(req.Name, strings.ToLower(req.Domain))
	if len(req.ScopeInclude) > 0 {
		target.ScopeInclude = append(target.ScopeInclude, req.ScopeInclude...)
	}
	target.ScopeExclude = req.ScopeExclude
	target.IPRanges = req.IPRanges

	if err := s.store.SaveTarget(target); err != nil {
		if errors.Is(err, storage.ErrDomainTaken) {
			s.writeError(w, http.StatusConflict, err.Error(), "")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	s.events.Publish("target_created", target)
	s.writeJSON(w, http.StatusCreated, target)
}

func (s *Server) handleListTargets(w http.ResponseWriter, _ *http.Request) {
	targets, err := s.store.ListTargets()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if targets == nil {
		targets = []*models.Target{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if target == nil {
		s.writeError(w, http.StatusNotFound, "target not found", "")
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

type updateScopeRequest struct {
	ScopeInclude []string `json:"scope_include" validate:"required,min=1,dive,min=1"`
	ScopeExclude []string `json:"scope_exclude" validate:"omitempty,dive,min=1"`
}

func (s *Server) handleUpdateScope(w http.ResponseWriter, r *http.Request) {
	var req updateScopeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.UpdateTargetScope(id, req.ScopeInclude, req.ScopeExclude); err != nil {
		if strings.Contains(err.Error(), "not found") {
			s.writeError(w, http.StatusNotFound, err.Error(), "")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	target, err := s.store.GetTarget(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	target, err := s.store.GetTarget(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if target == nil {
		s.writeError(w, http.StatusNotFound, "target not found", "")
		return
	}
	if err := s.store.DeleteTarget(id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusNoContent, nil)
}

// startScanRequest launches a scan against a registered target, named
// either by ID or by domain.
type startScanRequest struct {
	TargetID    string `json:"target_id" validate:"omitempty,uuid4"`
	Domain      string `json:"domain" validate:"omitempty,fqdn"`
	Profile     string `json:"profile" validate:"omitempty,oneof=stealth normal aggressive"`
	StopOnError bool   `json:"stop_on_error"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TargetID == "" && req.Domain == "" {
		s.writeError(w, http.StatusBadRequest, "target_id or domain is required", "")
		return
	}

	var target *models.Target
	var err error
	if req.TargetID != "" {
		target, err = s.store.GetTarget(req.TargetID)
	} else {
		target, err = s.store.GetTargetByDomain(strings.ToLower(req.Domain))
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if target == nil {
		s.writeError(w, http.StatusNotFound, "target not found", "")
		return
	}

	profile := models.Profile(req.Profile)
	if req.Profile == "" {
		profile = models.ProfileNormal
	}

	scan := models.NewScan(target.ID, profile)
	scan.StopOnError = req.StopOnError
	if err := s.store.SaveScan(scan); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.scheduler.Enqueue(scan, target); err != nil {
		s.writeError(w, http.StatusConflict, err.Error(), "")
		return
	}

	s.events.Publish("scan_queued", scan)
	s.writeJSON(w, http.StatusAccepted, scan)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	var scans []*models.Scan
	var err error
	if targetID := r.URL.Query().Get("target_id"); targetID != "" {
		scans, err = s.store.ListScansForTarget(targetID)
	} else {
		scans, err = s.store.ListScans()
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if scans == nil {
		scans = []*models.Scan{}
	}
	s.writeJSON(w, http.StatusOK, scans)
}

// scanDetail is the scan row plus its artifact tallies
type scanDetail struct {
	*models.Scan
	Artifacts storage.ArtifactCounts `json:"artifacts"`
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	counts, err := s.store.CountArtifacts(scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scanDetail{Scan: scan, Artifacts: counts})
}

func (s *Server) handlePauseScan(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Pause(scan.ID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "pausing"})
}

func (s *Server) handleResumeScan(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	if err := s.scheduler.Resume(scan.ID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *Server) handleStopScan(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	if scan.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, "scan already finished", "")
		return
	}
	if err := s.scheduler.Stop(scan.ID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error(), "")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleScanSubdomains(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	subs, err := s.store.GetSubdomains(scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if subs == nil {
		subs = []models.Subdomain{}
	}
	s.writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleScanEndpoints(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	endpoints, err := s.store.GetEndpoints(scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if endpoints == nil {
		endpoints = []models.Endpoint{}
	}
	s.writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleScanFindings(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	findings, err := s.store.GetFindings(scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	s.writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleScanPorts(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	ports, err := s.store.GetPorts(scan.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if ports == nil {
		ports = []models.Port{}
	}
	s.writeJSON(w, http.StatusOK, ports)
}

// systemStatus is the combined monitor and queue view
type systemStatus struct {
	State  *models.SystemState `json:"state,omitempty"`
	Online bool                `json:"online"`
	Paused string              `json:"paused_reason,omitempty"`
	Queue  any                 `json:"queue"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	state, err := s.store.GetSystemState()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := systemStatus{
		State: state,
		Queue: s.scheduler.Status(),
	}
	if s.system != nil {
		status.Online = s.system.Online()
		status.Paused = s.system.PausedFor()
	}
	s.writeJSON(w, http.StatusOK, status)
}

type systemPauseRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=256"`
}

func (s *Server) handleSystemPause(w http.ResponseWriter, r *http.Request) {
	var req systemPauseRequest
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}
	if s.system == nil {
		s.writeError(w, http.StatusNotImplemented, "system control unavailable", "")
		return
	}
	s.system.TriggerPause(req.Reason)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "paused", "reason": req.Reason})
}

func (s *Server) handleSystemResume(w http.ResponseWriter, _ *http.Request) {
	if s.system == nil {
		s.writeError(w, http.StatusNotImplemented, "system control unavailable", "")
		return
	}
	s.system.TriggerResume()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// loadScan fetches the scan named in the route, writing the 404 itself
func (s *Server) loadScan(w http.ResponseWriter, r *http.Request) (*models.Scan, bool) {
	scan, err := s.store.GetScan(chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	if scan == nil {
		s.writeError(w, http.StatusNotFound, "scan not found", "")
		return nil, false
	}
	return scan, true
}

// decode parses and validates a JSON request body, writing the 400 itself
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), "")
		return false
	}
	return true
}
