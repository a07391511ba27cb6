package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
)

func unknownAction(action string) error {
	return httpError{Status: http.StatusBadRequest, Code: "unknown_action", Detail: "unsupported action " + strconv.Quote(action)}
}

func (h *Handler) handleClaimPost(w http.ResponseWriter, r *http.Request) error {
	switch action := r.URL.Query().Get("action"); action {
	case "":
		return h.handleClaim(w, r)
	case "end":
		return h.handleEnd(w, r)
	case "forceEndAll":
		return h.handleForceEndAll(w, r)
	default:
		return unknownAction(action)
	}
}

func (h *Handler) handleClaimGet(w http.ResponseWriter, r *http.Request) error {
	switch action := r.URL.Query().Get("action"); action {
	case "":
		return h.handleSessionInfo(w, r)
	case "end":
		return h.handleEnd(w, r)
	case "position":
		return h.handlePosition(w, r)
	default:
		return unknownAction(action)
	}
}

func (h *Handler) handleClaimDelete(w http.ResponseWriter, r *http.Request) error {
	switch action := r.URL.Query().Get("action"); action {
	case "":
		return h.handleRelease(w, r)
	case "cancel":
		return h.handleCancel(w, r)
	default:
		return unknownAction(action)
	}
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) error {
	var req api.ClaimRequest
	if err := decodeJSONBody(io.LimitReader(r.Body, maxBodyBytes), &req, jsonDecodeOptions{
		allowEmpty:       true,
		disallowUnknowns: true,
	}); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	fallback := req.UserID
	if fallback == "" {
		fallback = r.URL.Query().Get("userId")
	}
	userID, err := h.claimant(r, fallback)
	if err != nil {
		return err
	}
	res, err := h.controller.RequestClaim(r.Context(), userID)
	if err != nil {
		return convertAdmissionError(err)
	}
	if res.Granted {
		h.writeJSON(w, http.StatusOK, api.ClaimResponse{
			LeaseID:   res.LeaseID,
			TimeLimit: res.TimeLimit,
			ExpiresAt: res.ExpiresAt.Unix(),
			Message:   res.Message,
		}, nil)
		return nil
	}
	retry := h.occupiedRetryAfter
	resp := api.QueuedResponse{
		Reason:        res.Reason,
		Position:      res.Position,
		EstimatedWait: res.EstimatedWait,
		Message:       res.Message,
		Stats:         res.Stats,
	}
	if res.Reason == api.RejectCooldown {
		retry = ceilSeconds(res.RetryAfter)
		resp.RetryAfterSeconds = retry
	}
	h.writeJSON(w, http.StatusTooManyRequests, resp, map[string]string{
		headerRetryAfter: strconv.FormatInt(retry, 10),
	})
	return nil
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	reason, ok := api.ParseReleaseReason(strings.TrimSpace(q.Get("reason")))
	if !ok {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_reason", Detail: "reason must be one of user_disconnect, time_expired, admin_stop"}
	}
	return h.release(w, r, q.Get("leaseId"), reason)
}

// handleEnd is the beacon path used by pages that are unloading: it can
// arrive as GET or POST and always releases with user_disconnect.
func (h *Handler) handleEnd(w http.ResponseWriter, r *http.Request) error {
	return h.release(w, r, r.URL.Query().Get("leaseId"), api.ReasonUserDisconnect)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request, leaseID string, reason api.ReleaseReason) error {
	res, err := h.controller.ReleaseClaim(r.Context(), leaseID, reason)
	if err != nil {
		return convertAdmissionError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{
		Released: res.Released,
		LeaseID:  res.LeaseID,
		Reason:   res.Reason,
	}, nil)
	return nil
}

func (h *Handler) handleForceEndAll(w http.ResponseWriter, r *http.Request) error {
	if err := h.adminAuthorized(r); err != nil {
		return err
	}
	res, err := h.controller.ForceReleaseAll(r.Context())
	if err != nil {
		return convertAdmissionError(err)
	}
	pslog.LoggerFromContext(r.Context()).Info("admin.force_end_all", "released", res.Released, "cleared", res.Cleared)
	h.writeJSON(w, http.StatusOK, api.ForceEndAllResponse{Released: res.Released, Cleared: res.Cleared}, nil)
	return nil
}

func (h *Handler) handleSessionInfo(w http.ResponseWriter, r *http.Request) error {
	leaseID := strings.TrimSpace(r.URL.Query().Get("leaseId"))
	if leaseID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_lease_id", Detail: "leaseId required"}
	}
	info, ok := h.controller.SessionInfo(leaseID)
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "lease_not_found", Detail: "no active lease " + strconv.Quote(leaseID)}
	}
	h.writeJSON(w, http.StatusOK, info, nil)
	return nil
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) error {
	userID, err := h.subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	if userID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_user", Detail: "userId required"}
	}
	pos, ok := h.controller.QueuePosition(userID)
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "not_queued", Detail: "user is not queued"}
	}
	h.writeJSON(w, http.StatusOK, pos, nil)
	return nil
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) error {
	userID, err := h.subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	cancelled, err := h.controller.CancelQueue(r.Context(), userID)
	if err != nil {
		return convertAdmissionError(err)
	}
	h.writeJSON(w, http.StatusOK, api.CancelResponse{Cancelled: cancelled, UserID: userID}, nil)
	return nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	if action := r.URL.Query().Get("action"); action != "" && action != "stats" {
		return unknownAction(action)
	}
	h.writeJSON(w, http.StatusOK, h.controller.Stats(), map[string]string{"Cache-Control": "no-store"})
	return nil
}

// handleEvents streams events for one user. Admins may omit userId to
// receive every event.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if h.hub == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "events_unavailable", Detail: "event stream disabled"}
	}
	userID, err := h.subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	if userID == "" {
		if r.Header.Get(headerAdminToken) == "" {
			return httpError{Status: http.StatusBadRequest, Code: "invalid_user", Detail: "userId required"}
		}
		if err := h.adminAuthorized(r); err != nil {
			return err
		}
	}
	if err := h.hub.Serve(w, r, userID); err != nil {
		pslog.LoggerFromContext(r.Context()).Debug("events.stream.closed", "error", err)
	}
	return nil
}

func (h *Handler) handleLastEvent(w http.ResponseWriter, r *http.Request) error {
	if h.lastEvents == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "events_unavailable", Detail: "last-event lookup disabled"}
	}
	userID, err := h.subject(r, r.URL.Query().Get("userId"))
	if err != nil {
		return err
	}
	if userID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_user", Detail: "userId required"}
	}
	ev, ok, err := h.lastEvents.LastEvent(r.Context(), userID)
	if err != nil {
		return err
	}
	if !ok {
		return httpError{Status: http.StatusNotFound, Code: "no_events", Detail: "no recent events for user"}
	}
	h.writeJSON(w, http.StatusOK, ev, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is not ready"}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
