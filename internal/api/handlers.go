package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		respondErr(c, &faults.ValidationFailedError{What: "invalid " + name})
		return 0, false
	}
	return id, true
}

func (s *Server) status(c *gin.Context) {
	respond(c, s.engine.Status())
}

// --- Accounts ---

type createAccountRequest struct {
	Phone string         `json:"phone" binding:"required"`
	Proxy *storage.Proxy `json:"proxy,omitempty"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	account, err := s.engine.CreateAccount(c.Request.Context(), req.Phone, req.Proxy)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, account)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.engine.ListAccounts(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, accounts)
}

func (s *Server) listAccountsWithDialogs(c *gin.Context) {
	out, err := s.engine.ListAccountsWithDialogs(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, out)
}

func (s *Server) deleteAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.DeleteAccount(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"deleted": id})
}

func (s *Server) connectAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	status, err := s.engine.ConnectAccount(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"status": status})
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) submitCode(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	status, err := s.engine.SubmitCode(c.Request.Context(), id, req.Code)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"status": status})
}

type passwordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) submitPassword(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	status, err := s.engine.SubmitPassword(c.Request.Context(), id, req.Password)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"status": status})
}

func (s *Server) disconnectAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.DisconnectAccount(id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"disconnected": id})
}

// --- Dialogs ---

func (s *Server) availableDialogs(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	dialogs, err := s.engine.AvailableDialogs(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, dialogs)
}

type addDialogsRequest struct {
	DialogIDs []int64               `json:"dialog_ids" binding:"required"`
	Options   storage.DialogOptions `json:"options"`
}

func (s *Server) addDialogs(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req addDialogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	dialogs, err := s.engine.AddDialogs(c.Request.Context(), id, req.DialogIDs, req.Options)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, dialogs)
}

func (s *Server) listDialogs(c *gin.Context) {
	var f storage.DialogFilter
	if v := c.Query("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(c, &faults.ValidationFailedError{What: "invalid account_id"})
			return
		}
		f.AccountID = &id
	}
	f.Status = c.Query("status")
	f.MonitoredOnly = c.Query("monitored") == "true"

	dialogs, err := s.engine.ListDialogs(c.Request.Context(), f)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, dialogs)
}

func (s *Server) getDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	dialog, err := s.engine.GetDialog(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, dialog)
}

type assignRequest struct {
	AccountID int64 `json:"account_id" binding:"required"`
}

func (s *Server) assignDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.AssignDialog(c.Request.Context(), id, req.AccountID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"assigned": id})
}

func (s *Server) reassignDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.ReassignDialog(c.Request.Context(), id, req.AccountID); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"reassigned": id})
}

func (s *Server) unassignDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.UnassignDialog(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"unassigned": id})
}

func (s *Server) pauseDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.PauseDialog(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"paused": id})
}

func (s *Server) resumeDialog(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.ResumeDialog(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"resumed": id})
}

func (s *Server) setDialogOptions(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var opts storage.DialogOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.SetDialogOptions(c.Request.Context(), id, opts); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, opts)
}

func (s *Server) toggleMonitoring(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	monitoring, err := s.engine.ToggleMonitoring(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"is_monitoring": monitoring})
}

// --- Backfill ---

func (s *Server) startBackfill(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.StartBackfill(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, s.engine.BackfillStatus(id))
}

func (s *Server) stopBackfill(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	s.engine.StopBackfill(id)
	respond(c, s.engine.BackfillStatus(id))
}

func (s *Server) backfillStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	respond(c, s.engine.BackfillStatus(id))
}

// --- Invites ---

type submitInviteRequest struct {
	Link        string `json:"link" binding:"required"`
	SourceGroup *int64 `json:"source_group,omitempty"`
	SourceUser  *int64 `json:"source_user,omitempty"`
}

func (s *Server) submitInvite(c *gin.Context) {
	var req submitInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	inv, err := s.engine.SubmitInvite(c.Request.Context(), req.Link, req.SourceGroup, req.SourceUser)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, inv)
}

func (s *Server) listInvites(c *gin.Context) {
	invites, err := s.engine.ListInvites(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, invites)
}

func (s *Server) resolveInvite(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	inv, err := s.engine.ResolveInvite(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, inv)
}

// joinInviteRequest names the joining account; zero (or an empty body) picks
// one by rotation.
type joinInviteRequest struct {
	AccountID int64 `json:"account_id"`
}

func (s *Server) joinInvite(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req joinInviteRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, &faults.ValidationFailedError{What: err.Error()})
			return
		}
	}
	inv, err := s.engine.JoinInvite(c.Request.Context(), id, req.AccountID)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, inv)
}

func (s *Server) deleteInvite(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.engine.DeleteInvite(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"deleted": id})
}

// --- Settings ---

func (s *Server) autojoinConfig(c *gin.Context) {
	enabled, err := s.engine.AutojoinEnabled(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"enabled": enabled})
}

type autojoinConfigRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) setAutojoinConfig(c *gin.Context) {
	var req autojoinConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.SetAutojoinEnabled(c.Request.Context(), req.Enabled); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"enabled": req.Enabled})
}

// --- Jobs ---

func (s *Server) jobStatuses(c *gin.Context) {
	respond(c, s.engine.JobStatuses())
}

func (s *Server) runJob(c *gin.Context) {
	if err := s.engine.RunJob(c.Request.Context(), c.Param("name")); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"ran": c.Param("name")})
}

// --- Detectors ---

func (s *Server) listDetectors(c *gin.Context) {
	detectors, err := s.engine.ListDetectors(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, detectors)
}

func (s *Server) addDetector(c *gin.Context) {
	var d storage.Detector
	if err := c.ShouldBindJSON(&d); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.AddDetector(c.Request.Context(), &d); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, d)
}

type activateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) setDetectorActive(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.SetDetectorActive(c.Request.Context(), id, *req.Active); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"id": id, "active": *req.Active})
}

// --- Users ---

func (s *Server) listUsers(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	users, err := s.engine.ListUsers(c.Request.Context(), offset, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, users)
}

func (s *Server) identityChanges(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	changes, err := s.engine.IdentityChanges(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, changes)
}

// --- Search ---

func (s *Server) search(c *gin.Context) {
	var f storage.SearchFilters
	if types := c.Query("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	if v := c.Query("dialog_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(c, &faults.ValidationFailedError{What: "invalid dialog_id"})
			return
		}
		f.DialogID = &id
	}
	if v := c.Query("sender_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondErr(c, &faults.ValidationFailedError{What: "invalid sender_id"})
			return
		}
		f.SenderID = &id
	}
	if v := c.Query("date_from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondErr(c, &faults.ValidationFailedError{What: "invalid date_from"})
			return
		}
		f.DateFrom = &ts
	}
	if v := c.Query("date_to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondErr(c, &faults.ValidationFailedError{What: "invalid date_to"})
			return
		}
		f.DateTo = &ts
	}
	f.MediaOnly = c.Query("media_only") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	hits, err := s.engine.Search(c.Request.Context(), c.Query("q"), f, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	respond(c, hits)
}

// --- Media ---

type resetRetriesRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

func (s *Server) resetMediaRetries(c *gin.Context) {
	var req resetRetriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, &faults.ValidationFailedError{What: err.Error()})
		return
	}
	if err := s.engine.ResetMediaRetries(c.Request.Context(), req.IDs); err != nil {
		respondErr(c, err)
		return
	}
	respond(c, gin.H{"reset": len(req.IDs)})
}
