package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"paywall-trigger-engine/internal/artifact"
	"paywall-trigger-engine/internal/identity"
	"paywall-trigger-engine/internal/observability"
	"paywall-trigger-engine/internal/paywall"
	"paywall-trigger-engine/internal/presentation"
	"paywall-trigger-engine/internal/surface"
)

type PaywallHandler struct {
	Coordinator *presentation.Coordinator
	Cache       *artifact.Cache
	Users       *identity.Manager
	Host        *surface.Host
	// DecisionWait bounds how long a request waits for a decision before
	// answering 202 with the request id.
	DecisionWait time.Duration
}

func NewPaywallHandler(c *presentation.Coordinator, cache *artifact.Cache, users *identity.Manager, host *surface.Host) *PaywallHandler {
	return &PaywallHandler{Coordinator: c, Cache: cache, Users: users, Host: host, DecisionWait: 10 * time.Second}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	observability.RequestErrors.WithLabelValues(kind).Inc()
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type presentBody struct {
	Name                     string            `json:"name"`
	Params                   paywall.Params    `json:"params"`
	IgnoreSubscriptionStatus bool              `json:"ignore_subscription_status"`
	Supersede                bool              `json:"supersede"`
	Style                    paywall.Style     `json:"style"`
	Products                 []paywall.Product `json:"products"`
}

func (b presentBody) overrides() presentation.Overrides {
	return presentation.Overrides{
		IgnoreSubscriptionStatus: b.IgnoreSubscriptionStatus,
		Style:                    paywall.Style(strings.ToUpper(string(b.Style))),
		Supersede:                b.Supersede,
		Products:                 b.Products,
	}
}

type stateResponse struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Paywall   string `json:"paywall,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
	RuleKey   string `json:"rule_key,omitempty"`
}

func toResponse(s paywall.PaywallState) stateResponse {
	return stateResponse{
		RequestID: s.RequestID,
		State:     string(s.Kind),
		Reason:    string(s.Reason),
		Message:   s.Message(),
		Paywall:   s.Identifier,
		VariantID: s.VariantID,
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// TrackEvent fires an event and answers with its presentation decision.
func (h *PaywallHandler) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var body presentBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("event name is required"))
		return
	}
	info := paywall.EventPresentation(paywall.NewEvent(body.Name, body.Params))
	h.present(w, r, presentation.Request{Info: info, Overrides: body.overrides()})
}

// DryRun reports what firing the event would do without side effects.
func (h *PaywallHandler) DryRun(w http.ResponseWriter, r *http.Request) {
	var body presentBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("event name is required"))
		return
	}

	res, err := h.Coordinator.DryRun(r.Context(), paywall.EventPresentation(paywall.NewEvent(body.Name, body.Params)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dry_run", err)
		return
	}
	resp := toResponse(res.State)
	resp.RuleKey = res.RuleKey
	resp.VariantID = res.VariantID
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaywallHandler) PresentIdentifier(w http.ResponseWriter, r *http.Request) {
	var body presentBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	id := chi.URLParam(r, "identifier")
	h.present(w, r, presentation.Request{Info: paywall.IdentifierPresentation(id), Overrides: body.overrides()})
}

func (h *PaywallHandler) PresentDefault(w http.ResponseWriter, r *http.Request) {
	var body presentBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	h.present(w, r, presentation.Request{Info: paywall.DefaultPresentation(), Overrides: body.overrides()})
}

func (h *PaywallHandler) present(w http.ResponseWriter, r *http.Request, req presentation.Request) {
	handle := h.Coordinator.Present(r.Context(), req)

	ctx, cancel := context.WithTimeout(r.Context(), h.DecisionWait)
	defer cancel()
	s, err := handle.Wait(ctx)
	if err != nil {
		writeJSON(w, http.StatusAccepted, stateResponse{RequestID: handle.ID, State: "pending"})
		return
	}
	writeJSON(w, http.StatusOK, toResponse(s))
}

type dismissBody struct {
	State       paywall.DismissState `json:"state"`
	CloseReason paywall.CloseReason  `json:"close_reason"`
}

type dismissResponse struct {
	RequestID     string `json:"request_id"`
	Paywall       string `json:"paywall"`
	State         string `json:"state"`
	CloseReason   string `json:"close_reason"`
	NextRequestID string `json:"next_request_id,omitempty"`
}

func (h *PaywallHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	var body dismissBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	switch body.State {
	case "", paywall.DismissClosed, paywall.DismissPurchased, paywall.DismissRestored, paywall.DismissPurchaseFailed:
	default:
		writeError(w, http.StatusBadRequest, "validation", errors.New("unknown dismiss state "+string(body.State)))
		return
	}
	switch body.CloseReason {
	case "", paywall.CloseSystemLogic, paywall.CloseForNextPaywall, paywall.CloseWebViewFailedToLoad, paywall.CloseNone:
	default:
		writeError(w, http.StatusBadRequest, "validation", errors.New("unknown close reason "+string(body.CloseReason)))
		return
	}

	d, err := h.Coordinator.Dismiss(r.Context(), paywall.DismissResult{State: body.State, CloseReason: body.CloseReason})
	if errors.Is(err, paywall.ErrNotPresenting) {
		writeError(w, http.StatusConflict, "not_presenting", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dismiss", err)
		return
	}

	resp := dismissResponse{
		RequestID:   d.RequestID,
		Paywall:     d.Identifier,
		State:       string(d.Result.State),
		CloseReason: string(d.Result.CloseReason),
	}
	if d.Next != nil {
		resp.NextRequestID = d.Next.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type activeResponse struct {
	RequestID  string          `json:"request_id"`
	Paywall    string          `json:"paywall"`
	ArtifactID string          `json:"artifact_id"`
	Payload    paywall.Payload `json:"payload"`
	Shown      *surface.Shown  `json:"shown,omitempty"`
}

func (h *PaywallHandler) Active(w http.ResponseWriter, _ *http.Request) {
	a, requestID, ok := h.Coordinator.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp := activeResponse{RequestID: requestID, Paywall: a.Identifier, ArtifactID: a.ID, Payload: a.Payload()}
	if shown, ok := h.Host.Screen().Last(); ok && shown.ArtifactID == a.ID {
		resp.Shown = &shown
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PaywallHandler) ClearCache(w http.ResponseWriter, _ *http.Request) {
	h.Cache.Clear()
	log.Info().Msg("artifact cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *PaywallHandler) EvictPaywall(w http.ResponseWriter, r *http.Request) {
	h.Cache.Remove(chi.URLParam(r, "identifier"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *PaywallHandler) MergeAttributes(w http.ResponseWriter, r *http.Request) {
	var attrs map[string]any
	if err := json.NewDecoder(r.Body).Decode(&attrs); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	merged, err := h.Users.MergeAttributes(r.Context(), attrs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *PaywallHandler) Identify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusBadRequest, "validation", errors.New("user_id is required"))
		return
	}
	if err := h.Users.Identify(r.Context(), body.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": h.Users.UserID()})
}

func (h *PaywallHandler) SetSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Subscribed *bool `json:"subscribed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode", err)
		return
	}
	if body.Subscribed == nil {
		writeError(w, http.StatusBadRequest, "validation", errors.New("subscribed is required"))
		return
	}
	if err := h.Host.SetSubscribed(r.Context(), *body.Subscribed); err != nil {
		writeError(w, http.StatusInternalServerError, "store", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PaywallHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	if !h.Coordinator.Ready() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
