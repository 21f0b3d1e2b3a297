/*
handlers.go - HTTP API handlers for the planning session service

PURPOSE:
  Exposes planning sessions via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the session service.

ENDPOINTS:
  Sessions:
    POST   /api/sessions                      Open a session for a project
    GET    /api/sessions/{id}                 Session snapshot
    DELETE /api/sessions/{id}                 Close the session

  Editing:
    PUT    /api/sessions/{id}/subprojects     Edit subproject yearly values
    PUT    /api/sessions/{id}/master-values   Set project master values
    PUT    /api/sessions/{id}/currency        Change display currency
    PUT    /api/sessions/{id}/version         Switch comparison version

  Persistence:
    POST   /api/sessions/{id}/save            Save dirty subprojects
    POST   /api/sessions/{id}/discard         Discard unsaved changes

  Approval:
    POST   /api/sessions/{id}/approval        Open the approval dialog
    POST   /api/sessions/{id}/approval/submit Submit the approval
    DELETE /api/sessions/{id}/approval        Cancel the approval

  Reference data:
    GET    /api/currencies                    Selectable currencies
    GET    /api/committees                    Review committees

PROMPT SEAM:
  The session service blocks on a Prompter for discard confirmation,
  unsaved-changes resolution and conflict notices. Over HTTP those answers
  arrive with the request (confirm flag, unsaved_decision field), so each
  session carries a prompter whose answers are staged per request.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, missing rates
  - 404: Project or session not found
  - 409: Concurrent modification conflicts
  - 410: Session already closed
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - session/session.go: The service behind every endpoint
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/igpm/css-planning/fx"
	"github.com/igpm/css-planning/planning"
	"github.com/igpm/css-planning/services"
	"github.com/igpm/css-planning/session"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services bundles the backend services a session is built from.
type Services struct {
	Projects    services.ProjectService
	Subprojects services.SubprojectService
	Actuals     services.ActualDataService
	Currencies  services.CurrencyService
	Approvals   services.ApprovalService
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services Services
	Log      *zap.Logger

	// Rates, when wired, serves the cron-refreshed forecast rate set.
	Rates *RateScheduler

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

// sessionEntry is one open session plus its per-request prompt answers and
// the approval dialog in flight, if any. Requests for the same session are
// serialized so staged prompt answers cannot interleave.
type sessionEntry struct {
	mu       sync.Mutex
	svc      *session.Service
	prompter *requestPrompter
	dialog   *session.ApprovalDialogData
}

// NewHandler creates a new handler with the given backend services.
func NewHandler(svcs Services, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Services: svcs,
		Log:      log,
		sessions: make(map[string]*sessionEntry),
	}
}

// requestPrompter answers session prompts from values staged by the current
// HTTP request.
type requestPrompter struct {
	confirmDiscard bool
	decision       session.Decision
	lastConflict   string
}

func (p *requestPrompter) ConfirmDiscard(context.Context) (bool, error) {
	return p.confirmDiscard, nil
}

func (p *requestPrompter) ResolveUnsavedChanges(context.Context) (session.Decision, error) {
	return p.decision, nil
}

func (p *requestPrompter) AcknowledgeConflict(_ context.Context, message string) error {
	p.lastConflict = message
	return nil
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// OpenSession opens a planning session for a project.
// POST /api/sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required", nil)
		return
	}

	prompter := &requestPrompter{}
	svc, err := session.New(session.Config{
		Projects:    h.Services.Projects,
		Subprojects: h.Services.Subprojects,
		Actuals:     h.Services.Actuals,
		Currencies:  h.Services.Currencies,
		Approvals:   h.Services.Approvals,
		Prompter:    prompter,
		Logger:      h.Log,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session", err)
		return
	}

	if err := svc.Load(r.Context(), req.ProjectID); err != nil {
		svc.Close()
		h.writeServiceError(w, err, prompter)
		return
	}

	id := uuid.NewString()
	entry := &sessionEntry{svc: svc, prompter: prompter}
	h.mu.Lock()
	h.sessions[id] = entry
	h.mu.Unlock()

	h.Log.Info("session opened",
		zap.String("session_id", id),
		zap.String("project_id", req.ProjectID))

	h.writeSession(w, http.StatusCreated, id, entry)
}

// GetSession returns the current session snapshot.
// GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	h.writeSession(w, http.StatusOK, id, entry)
}

// CloseSession closes the session and removes it from the registry.
// DELETE /api/sessions/{id}
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mu.Lock()
	entry, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return
	}
	entry.svc.Close()
	h.Log.Info("session closed", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EDITING
// =============================================================================

// EditSubproject applies yearly-value edits to one subproject.
// PUT /api/sessions/{id}/subprojects
func (h *Handler) EditSubproject(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req EditSubprojectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	snapshot, err := entry.svc.Snapshot()
	if err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	current := snapshot.FindSubproject(req.SubprojectKey)
	if current == nil {
		writeError(w, http.StatusNotFound, "Subproject not found", nil)
		return
	}

	incoming := current.Clone()
	hasInvalid, err := applyRowEdits(&incoming, req.Rows)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid cost value", err)
		return
	}

	if err := entry.svc.EditSubproject(r.Context(), incoming); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	if hasInvalid {
		entry.svc.ReportValidationError(req.SubprojectKey)
	} else {
		entry.svc.ResolveValidationError(req.SubprojectKey)
	}

	h.writeSession(w, http.StatusOK, id, entry)
}

// applyRowEdits applies the requested cell edits to the subproject and
// reports whether any OTP/PAO input was rejected as invalid.
func applyRowEdits(sp *planning.Subproject, rows []EditRowRequest) (bool, error) {
	hasInvalid := false
	for _, edit := range rows {
		row := sp.FindRow(edit.Year)
		if row == nil {
			sp.Rows = append(sp.Rows, planning.YearRow{Year: edit.Year})
			row = &sp.Rows[len(sp.Rows)-1]
		}
		if edit.Cost != nil {
			if *edit.Cost == "" {
				row.CurrentCost = decimal.NullDecimal{}
			} else {
				d, err := decimal.NewFromString(*edit.Cost)
				if err != nil {
					return false, err
				}
				row.CurrentCost = decimal.NewNullDecimal(d)
			}
		}
		if edit.OTP != nil {
			row.CurrentOTP.MetricValue = parseCell(edit.OTP)
			hasInvalid = hasInvalid || row.CurrentOTP.IsInvalid()
		}
		if edit.PAO != nil {
			row.CurrentPAO.MetricValue = parseCell(edit.PAO)
			hasInvalid = hasInvalid || row.CurrentPAO.IsInvalid()
		}
	}
	return hasInvalid, nil
}

// parseCell turns raw OTP/PAO input into a metric value. Unparsable input
// becomes an invalid value that keeps the raw text.
func parseCell(req *EditCellRequest) planning.MetricValue {
	if req.Value == nil || *req.Value == "" {
		return planning.MetricValue{}
	}
	d, err := decimal.NewFromString(*req.Value)
	if err != nil {
		return planning.InvalidMetric(*req.Value)
	}
	return planning.ValidMetric(d)
}

// SetMasterValues sets the project-level master values.
// PUT /api/sessions/{id}/master-values
func (h *Handler) SetMasterValues(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req MasterValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	values, err := toMasterValues(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid master value", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.svc.SetProjectMasterValues(r.Context(), values); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	h.writeSession(w, http.StatusOK, id, entry)
}

func toMasterValues(req MasterValuesRequest) (session.ProjectMasterValues, error) {
	var values session.ProjectMasterValues
	var err error
	if values.ContractualOTP, err = parseNullDecimal(req.ContractualOTP); err != nil {
		return values, err
	}
	if values.ContractualPAO, err = parseNullDecimal(req.ContractualPAO); err != nil {
		return values, err
	}
	if values.OTPRate, err = parseNullDecimal(req.OTPRate); err != nil {
		return values, err
	}
	if values.PAORate, err = parseNullDecimal(req.PAORate); err != nil {
		return values, err
	}
	if values.StartPAO, err = parseDate(req.StartPAO); err != nil {
		return values, err
	}
	if values.EndPAO, err = parseDate(req.EndPAO); err != nil {
		return values, err
	}
	if values.ContractSigning, err = parseDate(req.ContractSigning); err != nil {
		return values, err
	}
	return values, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil || *s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	d, err := time.Parse("2006-01-02", *s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ChangeCurrency switches the session display currency.
// PUT /api/sessions/{id}/currency
func (h *Handler) ChangeCurrency(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req ChangeCurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.CurrencyID == 0 {
		writeError(w, http.StatusBadRequest, "currency_id is required", nil)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.svc.ChangeCurrency(r.Context(), req.CurrencyID); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	h.writeSession(w, http.StatusOK, id, entry)
}

// SwitchVersion switches the comparison version. Unsaved changes are
// resolved with the decision carried in the request.
// PUT /api/sessions/{id}/version
func (h *Handler) SwitchVersion(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req SwitchVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	decision, err := parseDecision(req.UnsavedDecision)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unsaved_decision", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.prompter.decision = decision
	if err := entry.svc.SwitchVersion(r.Context(), planning.CompareVersion(req.Version)); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	h.writeSession(w, http.StatusOK, id, entry)
}

func parseDecision(s string) (session.Decision, error) {
	switch s {
	case "", "cancel":
		return session.DecisionCancel, nil
	case "save":
		return session.DecisionSave, nil
	case "discard":
		return session.DecisionDiscard, nil
	}
	return session.DecisionCancel, errors.New("must be cancel, save or discard")
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// SaveSession saves all dirty subprojects.
// POST /api/sessions/{id}/save
func (h *Handler) SaveSession(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.svc.Save(r.Context()); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	h.writeSession(w, http.StatusOK, id, entry)
}

// DiscardSession discards unsaved changes when confirmed.
// POST /api/sessions/{id}/discard
func (h *Handler) DiscardSession(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req DiscardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.prompter.confirmDiscard = req.Confirm
	if err := entry.svc.Discard(r.Context()); err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	h.writeSession(w, http.StatusOK, id, entry)
}

// =============================================================================
// APPROVAL
// =============================================================================

// OpenApproval saves dirty state and opens the approval dialog.
// POST /api/sessions/{id}/approval
func (h *Handler) OpenApproval(w http.ResponseWriter, r *http.Request) {
	_, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	dialog, err := entry.svc.Approve(r.Context())
	if err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	entry.dialog = &dialog
	writeJSON(w, http.StatusOK, toApprovalDialogDTO(dialog))
}

// SubmitApproval submits the previously opened approval dialog.
// POST /api/sessions/{id}/approval/submit
func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	_, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	var req SubmitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dialog == nil {
		writeError(w, http.StatusBadRequest, "No approval dialog open", nil)
		return
	}

	resp, err := entry.svc.SubmitApproval(r.Context(), *entry.dialog, req.CommitteeID, req.Comment)
	if err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	entry.dialog = nil

	result := ApprovalResultDTO{ApprovalID: resp.ApprovalID}
	for _, created := range resp.Created {
		result.Created = append(result.Created, CreatedSubprojectDTO{
			SubprojectKey:   created.SubprojectKey,
			CSSSubprojectID: created.CSSSubprojectID,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelApproval abandons the open approval dialog.
// DELETE /api/sessions/{id}/approval
func (h *Handler) CancelApproval(w http.ResponseWriter, r *http.Request) {
	id, entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.svc.CancelApproval()
	entry.dialog = nil
	h.writeSession(w, http.StatusOK, id, entry)
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ListCurrencies returns the selectable currencies.
// GET /api/currencies
func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	currencies, err := h.Services.Currencies.Currencies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list currencies", err)
		return
	}
	dtos := make([]CurrencyDTO, len(currencies))
	for i, c := range currencies {
		dtos[i] = CurrencyDTO{ID: c.ID, Code: c.Code, Name: c.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListForecastRates returns the current forecast rate set. The cron
// scheduler's cached set is served when one is wired and has refreshed at
// least once; otherwise the rates are fetched directly.
// GET /api/rates
func (h *Handler) ListForecastRates(w http.ResponseWriter, r *http.Request) {
	var (
		rates     []fx.ForecastRate
		refreshed time.Time
	)
	if h.Rates != nil {
		rates, refreshed = h.Rates.Latest()
	}
	if len(rates) == 0 {
		var err error
		rates, err = h.Services.Currencies.ForecastRates(r.Context(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list forecast rates", err)
			return
		}
		refreshed = time.Now()
	}

	dto := ForecastRatesDTO{
		RefreshedAt: refreshed.UTC().Format(time.RFC3339),
		Rates:       make([]ForecastRateDTO, len(rates)),
	}
	for i, rate := range rates {
		dto.Rates[i] = ForecastRateDTO{CurrencyID: rate.CurrencyID, Rate: rate.Rate.String()}
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListCommittees returns the review committees.
// GET /api/committees
func (h *Handler) ListCommittees(w http.ResponseWriter, r *http.Request) {
	committees, err := h.Services.Approvals.ReviewCommittees(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list committees", err)
		return
	}
	dtos := make([]CommitteeDTO, len(committees))
	for i, c := range committees {
		dtos[i] = CommitteeDTO{ID: c.ID, Name: c.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) entry(w http.ResponseWriter, r *http.Request) (string, *sessionEntry, bool) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	entry, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found", nil)
		return id, nil, false
	}
	return id, entry, true
}

// writeSession renders the full session view. Callers hold the entry lock.
func (h *Handler) writeSession(w http.ResponseWriter, status int, id string, entry *sessionEntry) {
	project, err := entry.svc.Snapshot()
	if err != nil {
		h.writeServiceError(w, err, entry.prompter)
		return
	}
	perms := entry.svc.Permissions()
	writeJSON(w, status, SessionDTO{
		SessionID:         id,
		State:             entry.svc.State().String(),
		Dirty:             entry.svc.Dirty(),
		HasErrors:         entry.svc.HasErrors(),
		ActualsSuppressed: entry.svc.ActualsSuppressed(),
		CanApprove:        perms.CanApprove,
		CanReview:         perms.CanReview,
		Navigation:        toNavigationDTO(entry.svc.Navigation()),
		Project:           toProjectDTO(project),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, prompter *requestPrompter) {
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusGone, "Session is closed", err)
	case errors.Is(err, session.ErrNotLoaded):
		writeError(w, http.StatusConflict, "Session has no project loaded", err)
	case services.IsConflict(err):
		resp := ErrorResponse{Error: "Concurrent modification detected", Code: "conflict"}
		if prompter != nil && prompter.lastConflict != "" {
			resp.Details = prompter.lastConflict
		}
		writeJSON(w, http.StatusConflict, resp)
	case services.IsRateNotFound(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "Exchange rate not available", Code: "rate_not_found", Details: err.Error(),
		})
	case services.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	case services.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		h.Log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
