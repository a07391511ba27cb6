// Package httpapi exposes the admission controller over HTTP.
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/api"
	"pkt.systems/voicelease/internal/admission"
	"pkt.systems/voicelease/internal/correlation"
	"pkt.systems/voicelease/internal/identity"
	"pkt.systems/voicelease/internal/loggingutil"
	"pkt.systems/voicelease/internal/notify"
	"pkt.systems/voicelease/internal/svcfields"
)

const (
	headerCorrelationID = correlation.Header
	headerAdminToken    = "X-Admin-Token"
	headerRetryAfter    = "Retry-After"

	// DefaultOccupiedRetryAfter is the Retry-After hint (seconds) sent with
	// occupied rejections.
	DefaultOccupiedRetryAfter = 3

	maxBodyBytes = 4 << 10
)

// TokenSource yields the current admin token. An empty token disables the
// admin endpoints.
type TokenSource interface {
	AdminToken() string
}

// StaticToken is a fixed TokenSource.
type StaticToken string

// AdminToken returns the token.
func (t StaticToken) AdminToken() string { return string(t) }

// LastEventSource looks up the most recent event delivered to a user.
type LastEventSource interface {
	LastEvent(ctx context.Context, userID string) (api.Event, bool, error)
}

// Config wires a Handler.
type Config struct {
	Controller *admission.Controller
	// Hub serves /events. Nil disables the stream.
	Hub *notify.Hub
	// LastEvents serves /events/last. Nil disables the endpoint.
	LastEvents LastEventSource
	// Identity verifies bearer tokens. Nil ignores Authorization headers.
	Identity   *identity.Signer
	AdminToken TokenSource
	Logger     pslog.Logger
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready              func() bool
	TracingEnabled     bool
	OccupiedRetryAfter int64
}

// Handler serves the HTTP API.
type Handler struct {
	controller         *admission.Controller
	hub                *notify.Hub
	lastEvents         LastEventSource
	identity           *identity.Signer
	adminToken         TokenSource
	logger             pslog.Logger
	tracer             trace.Tracer
	ready              func() bool
	httpTracingEnabled bool
	occupiedRetryAfter int64
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Controller == nil {
		return nil, errors.New("httpapi: controller required")
	}
	if cfg.AdminToken == nil {
		cfg.AdminToken = StaticToken("")
	}
	if cfg.OccupiedRetryAfter <= 0 {
		cfg.OccupiedRetryAfter = DefaultOccupiedRetryAfter
	}
	return &Handler{
		controller:         cfg.Controller,
		hub:                cfg.Hub,
		lastEvents:         cfg.LastEvents,
		identity:           cfg.Identity,
		adminToken:         cfg.AdminToken,
		logger:             loggingutil.EnsureLogger(cfg.Logger),
		tracer:             otel.Tracer("pkt.systems/voicelease/httpapi"),
		ready:              cfg.Ready,
		httpTracingEnabled: cfg.TracingEnabled,
		occupiedRetryAfter: cfg.OccupiedRetryAfter,
	}, nil
}

// Router builds the route table. timeout bounds every request except the
// event stream; zero disables it.
func (h *Handler) Router(timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		if timeout > 0 {
			r.Use(middleware.Timeout(timeout))
		}
		r.Method(http.MethodPost, "/claim", h.wrap("claim.post", h.handleClaimPost))
		r.Method(http.MethodGet, "/claim", h.wrap("claim.get", h.handleClaimGet))
		r.Method(http.MethodDelete, "/claim", h.wrap("claim.delete", h.handleClaimDelete))
		r.Method(http.MethodGet, "/stats", h.wrap("stats", h.handleStats))
		r.Method(http.MethodGet, "/events/last", h.wrap("events.last", h.handleLastEvent))
		r.Method(http.MethodGet, "/healthz", h.wrap("healthz", h.handleHealth))
		r.Method(http.MethodGet, "/readyz", h.wrap("readyz", h.handleReady))
	})
	r.Method(http.MethodGet, "/events", h.wrap("events", h.handleEvents))
	return r
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "voicelease.http." + operation
	txSpanName := "voicelease.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, cid := correlation.FromRequest(r)
		reqID := middleware.GetReqID(ctx)
		if reqID == "" {
			reqID = correlation.Generate()
		}
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("voicelease.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("voicelease.operation", operation),
				attribute.String("voicelease.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		span.SetAttributes(attribute.String("voicelease.correlation_id", cid))
		w.Header().Set(headerCorrelationID, cid)

		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr, "headers", loggingutil.RedactHeaders(r.Header))

		if err := fn(w, r); err != nil {
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("voicelease.error_code", httpErr.Code),
						attribute.Int("voicelease.error_status", httpErr.Status),
					)
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if instrument {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName)
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers[headerRetryAfter] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

// convertAdmissionError maps controller sentinels onto HTTP errors.
func convertAdmissionError(err error) error {
	switch {
	case errors.Is(err, admission.ErrInvalidUser):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_user", Detail: "userId required"}
	case errors.Is(err, admission.ErrInvalidLease):
		return httpError{Status: http.StatusBadRequest, Code: "missing_lease_id", Detail: "leaseId required"}
	case errors.Is(err, admission.ErrInvalidReason):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_reason", Detail: "reason must be one of user_disconnect, time_expired, admin_stop"}
	case errors.Is(err, admission.ErrClosed):
		return httpError{Status: http.StatusServiceUnavailable, Code: "unavailable", Detail: "controller is shutting down", RetryAfter: 1}
	}
	return err
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type jsonDecodeOptions struct {
	allowEmpty       bool
	disallowUnknowns bool
}

func decodeJSONBody(body io.Reader, dst any, opts jsonDecodeOptions) error {
	if body == nil {
		if opts.allowEmpty {
			return nil
		}
		return io.EOF
	}
	dec := json.NewDecoder(body)
	if opts.disallowUnknowns {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		if opts.allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unexpected trailing JSON value")
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

// adminAuthorized compares the X-Admin-Token header with the configured
// token in constant time. An unset token never authorizes.
func (h *Handler) adminAuthorized(r *http.Request) error {
	want := h.adminToken.AdminToken()
	if want == "" {
		return httpError{Status: http.StatusForbidden, Code: "admin_disabled", Detail: "no admin token configured"}
	}
	got := r.Header.Get(headerAdminToken)
	if got == "" {
		return httpError{Status: http.StatusForbidden, Code: "forbidden", Detail: "admin token required"}
	}
	gotSum := sha256.Sum256([]byte(got))
	wantSum := sha256.Sum256([]byte(want))
	if subtle.ConstantTimeCompare(gotSum[:], wantSum[:]) != 1 {
		return httpError{Status: http.StatusForbidden, Code: "forbidden", Detail: "invalid admin token"}
	}
	return nil
}

// claimant resolves the caller's user ID. A verified bearer token wins over
// fallback; a bearer token that fails verification is rejected.
func (h *Handler) claimant(r *http.Request, fallback string) (string, error) {
	if h.identity != nil {
		if raw, ok := identity.BearerToken(r.Header.Get("Authorization")); ok {
			sub, err := h.identity.Verify(raw)
			if err != nil {
				return "", httpError{Status: http.StatusUnauthorized, Code: "invalid_token", Detail: "bearer token rejected"}
			}
			return sub, nil
		}
	}
	return strings.TrimSpace(fallback), nil
}

// subject resolves the user a queue read, cancel or event stream acts on.
// With identity configured the caller must present a bearer token; an
// authorized admin may instead name any user.
func (h *Handler) subject(r *http.Request, fallback string) (string, error) {
	if h.identity == nil {
		return strings.TrimSpace(fallback), nil
	}
	if _, ok := identity.BearerToken(r.Header.Get("Authorization")); ok {
		return h.claimant(r, fallback)
	}
	if r.Header.Get(headerAdminToken) != "" {
		if err := h.adminAuthorized(r); err != nil {
			return "", err
		}
		return strings.TrimSpace(fallback), nil
	}
	return "", httpError{Status: http.StatusUnauthorized, Code: "token_required", Detail: "bearer token required"}
}
