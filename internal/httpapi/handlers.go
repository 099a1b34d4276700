package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Dispatch-AI-com/backend-sub001/internal/audit"
	"github.com/Dispatch-AI-com/backend-sub001/internal/auth"
	"github.com/Dispatch-AI-com/backend-sub001/internal/calllog"
	"github.com/Dispatch-AI-com/backend-sub001/internal/callsession"
	"github.com/Dispatch-AI-com/backend-sub001/internal/rbac"
	"github.com/Dispatch-AI-com/backend-sub001/internal/reporting"
	"github.com/Dispatch-AI-com/backend-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Finalizer re-runs call finalization for a retained session.
type Finalizer interface {
	ProcessCallCompletion(ctx context.Context, callID string, params callsession.ProviderParams) (calllog.Result, error)
}

// SessionLookup reads a live session without changing it.
type SessionLookup interface {
	Load(ctx context.Context, callID string) (callsession.CallSession, bool, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	CallLogs  calllog.Reader
	Reports   *reporting.Service
	Sessions  SessionLookup
	Finalizer Finalizer
	Audit     *audit.Service
}

const defaultReportWindow = 30 * 24 * time.Hour

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`
}

// Login issues a JWT token pair without checking credentials. Only
// registered outside production.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" || (req.CompanyID == "" && !rbac.IsSuperAdmin(req.Role)) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, company_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.CompanyID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Call logs ---

func (h Handlers) ListCallLogs(c *gin.Context) {
	companyID, ok := companyScope(c)
	if !ok {
		return
	}

	f := calllog.ListFilter{CompanyID: companyID}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s := c.Query("status"); s != "" {
		f.Status = calllog.Status(s)
		if !f.Status.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status must be Completed, FollowUp or Missed"})
			return
		}
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	logs, err := h.CallLogs.ListCallLogs(c.Request.Context(), f)
	if err != nil {
		logger.FromGin(c).Error("list call logs failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log lookup failed"})
		return
	}
	if logs == nil {
		logs = []calllog.CallLog{}
	}
	c.JSON(http.StatusOK, gin.H{"items": logs})
}

func (h Handlers) GetTranscript(c *gin.Context) {
	companyID, ok := companyScope(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// Look the call log up under the caller's company first so transcripts
	// never leak across tenants.
	entry, err := h.CallLogs.GetCallLog(ctx, companyID, c.Param("id"))
	if errors.Is(err, calllog.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call log not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("get call log failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log lookup failed"})
		return
	}

	tr, chunks, err := h.CallLogs.GetTranscript(ctx, entry.ID)
	if errors.Is(err, calllog.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "transcript not found"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("get transcript failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "transcript lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"callLog": entry, "transcript": tr, "chunks": chunks})
}

// --- Reports ---

func (h Handlers) CallsSummary(c *gin.Context) {
	companyID, ok := companyScope(c)
	if !ok {
		return
	}
	from, err := queryTime(c, "from")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultReportWindow)
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		CompanyID: companyID,
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
		return
	}
	if err != nil {
		logger.FromGin(c).Error("calls summary failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---

// RefinalizeCall re-runs finalization for a call whose session was retained
// after a failed attempt. Every attempt is audited.
// RBAC: owner or super_admin (see RequireCallAdmin).
func (h Handlers) RefinalizeCall(c *gin.Context) {
	ctx := c.Request.Context()
	callSid := strings.TrimSpace(c.Param("callSid"))
	if callSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "callSid required"})
		return
	}
	userID, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	companyID, _ := auth.CompanyID(ctx)

	sess, ok, err := h.Sessions.Load(ctx, callSid)
	if err != nil {
		logger.FromGin(c).Error("session lookup failed", "call_sid", callSid, "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
		return
	}
	if !ok || (!rbac.IsSuperAdmin(role) && sess.Company.ID != companyID) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no retained session for call"})
		return
	}
	if companyID == "" {
		companyID = sess.Company.ID
	}

	// A nil-params retry finalizes with whatever termination params the
	// session already pinned.
	res, err := h.Finalizer.ProcessCallCompletion(ctx, callSid, callsession.ProviderParams{})

	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
	}
	if h.Audit != nil {
		aerr := h.Audit.LogFinalizationRetry(ctx, audit.FinalizationRetry{
			CompanyID:   companyID,
			ActorUserID: userID,
			ActorRole:   role,
			IP:          c.ClientIP(),
			CallSid:     callSid,
			Outcome:     outcome,
			Err:         err,
		})
		if aerr != nil {
			logger.FromGin(c).Warn("audit append failed", "call_sid", callSid, "err", aerr)
		}
	}

	if err != nil {
		logger.FromGin(c).Error("refinalize failed", "call_sid", callSid, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "finalization failed; session retained"})
		return
	}
	switch res.Outcome {
	case calllog.OutcomeInProgress:
		c.JSON(http.StatusConflict, gin.H{"outcome": outcome})
	case calllog.OutcomeNoSession:
		c.JSON(http.StatusNotFound, gin.H{"outcome": outcome})
	default:
		c.JSON(http.StatusOK, gin.H{"outcome": outcome, "callLog": res.CallLog, "chunks": res.Chunks})
	}
}

// companyScope returns the company a request acts for. super_admin has no
// company of its own and must name one with ?companyId=.
func companyScope(c *gin.Context) (string, bool) {
	ctx := c.Request.Context()
	role, _ := auth.Role(ctx)
	if rbac.IsSuperAdmin(role) {
		if id := strings.TrimSpace(c.Query("companyId")); id != "" {
			return id, true
		}
	}
	id, err := auth.CompanyID(ctx)
	if err != nil || id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "company_id required"})
		return "", false
	}
	return id, true
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return t.UTC(), nil
}

// RequireCompanyAndAnyRole bundles tenant isolation with a role check.
func RequireCompanyAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireCompany(), rbac.RequireAnyRole(roles...)}
}

// RequireCallAdmin guards /admin call operations. Only the company owner
// qualifies; super_admin passes through RequireAnyRole.
func RequireCallAdmin() []gin.HandlerFunc {
	return RequireCompanyAndAnyRole(rbac.RoleOwner)
}
