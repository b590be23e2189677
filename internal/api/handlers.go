// Package api exposes HTTP handlers for the ledger service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/rewardledger/internal/auth"
	"example.com/rewardledger/internal/domain"
	"example.com/rewardledger/internal/feed"
	"example.com/rewardledger/internal/observability"
	"example.com/rewardledger/internal/persistence"
)

// Handler coordinates HTTP requests with the ledger domain.
type Handler struct {
	ledger     *domain.Ledger
	hub        *feed.Hub
	windowDays int
}

// NewHandler builds a Handler. windowDays is the default trailing history
// window offered to feed subscriptions.
func NewHandler(ledger *domain.Ledger, hub *feed.Hub, windowDays int) *Handler {
	return &Handler{ledger: ledger, hub: hub, windowDays: windowDays}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/ledger/balance", h.balance)
	mux.HandleFunc("/v1/ledger/add", h.addPoints)
	mux.HandleFunc("/v1/ledger/subtract", h.subtractPoints)
	mux.HandleFunc("/v1/ledger/reset", h.resetPoints)
	mux.HandleFunc("/v1/ledger/history", h.history)
	mux.HandleFunc("/v1/ledger/history/stream", h.streamHistory)
	mux.HandleFunc("/v1/catalog/activities", h.listActivities)
	mux.HandleFunc("/v1/catalog/activities/", h.claimActivity)
	mux.HandleFunc("/v1/catalog/rewards", h.listRewards)
	mux.HandleFunc("/v1/catalog/rewards/", h.redeemReward)
	mux.HandleFunc("/v1/session/release", h.releaseSession)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerRead, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	total, err := h.ledger.LoadBalance(r.Context(), claims.Subject)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: claims.Subject, CurrentTotal: total})
}

func (h *Handler) addPoints(w http.ResponseWriter, r *http.Request) {
	h.applyManualDelta(w, r, false)
}

func (h *Handler) subtractPoints(w http.ResponseWriter, r *http.Request) {
	h.applyManualDelta(w, r, true)
}

// applyManualDelta handles the free-form add/subtract inputs. The magnitude
// is always positive; the endpoint decides the sign.
func (h *Handler) applyManualDelta(w http.ResponseWriter, r *http.Request, subtract bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	var req ManualPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.Points <= 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "points must be > 0")
		return
	}

	delta := req.Points
	memo := req.Memo
	if subtract {
		delta = -delta
		if memo == "" {
			memo = "Manual subtract"
		}
	} else if memo == "" {
		memo = "Manual add"
	}

	result, err := h.ledger.ApplyDelta(r.Context(), claims.Subject, delta, memo)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeApplyResult(w, result)
}

func (h *Handler) resetPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	var req ResetPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if req.Target == nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "target is required")
		return
	}

	memo := req.Memo
	if memo == "" {
		memo = "Reset balance"
	}

	result, err := h.ledger.ResetToTarget(r.Context(), claims.Subject, *req.Target, memo)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeApplyResult(w, result)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerRead, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	records, next, err := h.ledger.History(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]HistoryRecordView, 0, len(records))
	for _, record := range records {
		items = append(items, toHistoryView(record))
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) streamHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerRead, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	windowDays := h.windowDays
	if raw := r.URL.Query().Get("window_days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			windowDays = parsed
		}
	}

	sub := h.hub.Subscribe(r.Context(), claims.Subject, windowDays)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				// Replaced by a newer subscription for this session.
				return
			}
			if err := writeFeedEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFeedEvent(w http.ResponseWriter, event feed.Event) error {
	name := "append"
	if event.Reset {
		name = "snapshot"
	}
	if event.Err != nil {
		name = "error"
	}

	items := make([]HistoryRecordView, 0, len(event.Records))
	for _, record := range event.Records {
		items = append(items, toHistoryView(record))
	}
	payload := FeedEventView{Records: items}
	if event.Err != nil {
		payload.Error = event.Err.Error()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeLedgerRead, auth.ScopeLedgerWrite); !ok {
		return
	}

	presets, err := h.ledger.Activities(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]ActivityPresetView, 0, len(presets))
	for _, preset := range presets {
		items = append(items, toActivityView(preset))
	}
	writeJSON(w, http.StatusOK, ActivityCatalogResponse{Items: items})
}

func (h *Handler) listRewards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if _, ok := requireScope(w, r, auth.ScopeLedgerRead, auth.ScopeLedgerWrite); !ok {
		return
	}

	presets, err := h.ledger.Rewards(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]RewardPresetView, 0, len(presets))
	for _, preset := range presets {
		items = append(items, toRewardView(preset))
	}
	writeJSON(w, http.StatusOK, RewardCatalogResponse{Items: items})
}

func (h *Handler) claimActivity(w http.ResponseWriter, r *http.Request) {
	presetID, ok := presetAction(w, r, "/v1/catalog/activities/", "claim")
	if !ok {
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	var req ClaimActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	// An unrecognized intensity only matters for presets carrying a modifier
	// table; the calculator rejects it there.
	intensity, _ := domain.ParseIntensity(req.Intensity)

	result, err := h.ledger.ClaimActivity(r.Context(), claims.Subject, presetID, req.Quantity, intensity)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeApplyResult(w, result)
}

func (h *Handler) redeemReward(w http.ResponseWriter, r *http.Request) {
	presetID, ok := presetAction(w, r, "/v1/catalog/rewards/", "redeem")
	if !ok {
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	result, err := h.ledger.RedeemReward(r.Context(), claims.Subject, presetID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeApplyResult(w, result)
}

func (h *Handler) releaseSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeLedgerWrite)
	if !ok {
		return
	}

	h.hub.Release(claims.Subject)
	if err := h.ledger.ReleaseSession(r.Context(), claims.Subject); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// presetAction validates a "/{prefix}{id}/{action}" path and method.
func presetAction(w http.ResponseWriter, r *http.Request, prefix, action string) (string, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return "", false
	}

	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != action {
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
		return "", false
	}
	return parts[0], true
}

func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		observability.RecordApply("rejected")
		writeError(w, http.StatusUnauthorized, "no_active_session", err.Error())
	case errors.Is(err, domain.ErrSessionBusy):
		observability.RecordApply("rejected")
		writeError(w, http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, domain.ErrInvalidSelection):
		observability.RecordApply("rejected")
		writeError(w, http.StatusBadRequest, "invalid_selection", err.Error())
	case errors.Is(err, domain.ErrPresetNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeApplyResult(w http.ResponseWriter, result *domain.ApplyResult) {
	if result.Degraded() {
		observability.RecordApply("degraded")
		if result.PersistenceErr != nil {
			observability.RecordDegradedWrite("persistence")
		}
		if result.AuditErr != nil {
			observability.RecordDegradedWrite("audit")
		}
	} else {
		observability.RecordApply("ok")
	}

	resp := LedgerEntryResponse{
		RecordID:            result.Record.RecordID,
		PointsAdded:         result.Record.PointsAdded,
		NewTotal:            result.NewTotal,
		Memo:                result.Record.Memo,
		PersistenceDegraded: result.PersistenceErr != nil,
		AuditDegraded:       result.AuditErr != nil,
	}
	writeJSON(w, http.StatusOK, resp)
}

// ManualPointsRequest is the payload for the free-form add/subtract inputs.
type ManualPointsRequest struct {
	Points int64  `json:"points"`
	Memo   string `json:"memo"`
}

// ResetPointsRequest sets the balance to an absolute target.
type ResetPointsRequest struct {
	Target *int64 `json:"target"`
	Memo   string `json:"memo"`
}

// ClaimActivityRequest selects the quantity and intensity for an earn preset.
type ClaimActivityRequest struct {
	Quantity  string `json:"quantity"`
	Intensity string `json:"intensity"`
}

// LedgerEntryResponse reports an applied mutation. The degraded flags
// surface best-effort write failures without failing the request.
type LedgerEntryResponse struct {
	RecordID            string `json:"record_id,omitempty"`
	PointsAdded         int64  `json:"points_added"`
	NewTotal            int64  `json:"new_total"`
	Memo                string `json:"memo,omitempty"`
	PersistenceDegraded bool   `json:"persistence_degraded,omitempty"`
	AuditDegraded       bool   `json:"audit_degraded,omitempty"`
}

// BalanceResponse carries the running total.
type BalanceResponse struct {
	UserID       string `json:"user_id"`
	CurrentTotal int64  `json:"current_total"`
}

// HistoryRecordView exposes one audit record.
type HistoryRecordView struct {
	RecordID    string    `json:"record_id"`
	PointsAdded int64     `json:"points_added"`
	HeaderTotal int64     `json:"header_total"`
	Memo        string    `json:"memo"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// HistoryResponse packages a history page.
type HistoryResponse struct {
	Items      []HistoryRecordView `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// FeedEventView is the SSE payload for feed deliveries.
type FeedEventView struct {
	Records []HistoryRecordView `json:"records"`
	Error   string              `json:"error,omitempty"`
}

// ActivityPresetView exposes an earn preset.
type ActivityPresetView struct {
	PresetID          string             `json:"preset_id"`
	Name              string             `json:"name"`
	Unit              string             `json:"unit,omitempty"`
	PointValue        int64              `json:"point_value,omitempty"`
	PointsByUnit      map[string]int64   `json:"points_by_unit,omitempty"`
	IntensityModifier map[string]float64 `json:"intensity_modifier,omitempty"`
	Outdoors          bool               `json:"outdoors"`
	Tags              []string           `json:"tags,omitempty"`
	TimesUsed         int                `json:"times_used"`
	LastUsed          *time.Time         `json:"last_used,omitempty"`
}

// RewardPresetView exposes a redeem preset.
type RewardPresetView struct {
	PresetID   string     `json:"preset_id"`
	Name       string     `json:"name"`
	PointValue int64      `json:"point_value"`
	Tags       []string   `json:"tags,omitempty"`
	TimesUsed  int        `json:"times_used"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// ActivityCatalogResponse packages the earn catalog.
type ActivityCatalogResponse struct {
	Items []ActivityPresetView `json:"items"`
}

// RewardCatalogResponse packages the redeem catalog.
type RewardCatalogResponse struct {
	Items []RewardPresetView `json:"items"`
}

func toHistoryView(record domain.HistoryRecord) HistoryRecordView {
	return HistoryRecordView{
		RecordID:    record.RecordID,
		PointsAdded: record.PointsAdded,
		HeaderTotal: record.HeaderTotal,
		Memo:        record.Memo,
		RecordedAt:  record.RecordedAt,
	}
}

func toActivityView(preset domain.ActivityPreset) ActivityPresetView {
	return ActivityPresetView{
		PresetID:          preset.ID,
		Name:              preset.Name,
		Unit:              preset.Unit,
		PointValue:        preset.PointValue,
		PointsByUnit:      preset.PointsByUnit,
		IntensityModifier: preset.IntensityModifier,
		Outdoors:          preset.Outdoors,
		Tags:              preset.Tags,
		TimesUsed:         preset.TimesUsed,
		LastUsed:          preset.LastUsed,
	}
}

func toRewardView(preset domain.RewardPreset) RewardPresetView {
	return RewardPresetView{
		PresetID:   preset.ID,
		Name:       preset.Name,
		PointValue: preset.PointValue,
		Tags:       preset.Tags,
		TimesUsed:  preset.TimesUsed,
		LastUsed:   preset.LastUsed,
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
