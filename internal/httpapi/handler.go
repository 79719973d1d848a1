package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/xatm/api"
	"pkt.systems/xatm/internal/core"
	"pkt.systems/xatm/internal/correlation"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/svcfields"
)

// DefaultJSONMaxBytes caps request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes = 1 << 20

// Manager is the part of the transaction manager the handlers drive.
type Manager interface {
	Submit(ctx context.Context, msg message.Inbound) error
	Snapshot(ctx context.Context) (message.State, error)
	Ready() bool
	Done() <-chan struct{}
}

// Config groups the dependencies required by the HTTP handler.
type Config struct {
	Manager      Manager
	Logger       pslog.Logger
	JSONMaxBytes int64
	// EnableHTTPTracing wraps every route with otelhttp and records a span per
	// request.
	EnableHTTPTracing bool
}

// Handler serves the xatm HTTP API.
type Handler struct {
	manager            Manager
	logger             pslog.Logger
	jsonMaxBytes       int64
	tracer             trace.Tracer
	httpTracingEnabled bool
}

// New creates a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	return &Handler{
		manager:            cfg.Manager,
		logger:             logger,
		jsonMaxBytes:       maxBytes,
		tracer:             otel.Tracer("pkt.systems/xatm/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}
}

// Register wires the routes under /v1 and the health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/transaction/begin", h.wrap("transaction.begin", http.MethodPost, h.handleBegin))
	mux.Handle("/v1/transaction/commit", h.wrap("transaction.commit", http.MethodPost, h.handleCommit))
	mux.Handle("/v1/transaction/rollback", h.wrap("transaction.rollback", http.MethodPost, h.handleRollback))
	mux.Handle("/v1/resource/involved", h.wrap("resource.involved", http.MethodPost, h.handleInvolved))
	mux.Handle("/v1/resource/external", h.wrap("resource.external", http.MethodPost, h.handleExternal))
	mux.Handle("/v1/resource/connect", h.wrap("resource.connect", http.MethodPost, h.handleConnect))
	mux.Handle("/v1/resource/reply", h.wrap("resource.reply", http.MethodPost, h.handleResourceReply))
	mux.Handle("/v1/domain/prepare", h.wrap("domain.prepare", http.MethodPost, h.handleDomain(message.KindPrepare)))
	mux.Handle("/v1/domain/commit", h.wrap("domain.commit", http.MethodPost, h.handleDomain(message.KindCommit)))
	mux.Handle("/v1/domain/rollback", h.wrap("domain.rollback", http.MethodPost, h.handleDomain(message.KindRollback)))
	mux.Handle("/v1/admin/state", h.wrap("admin.state", http.MethodGet, h.handleState))
	mux.Handle("/healthz", h.wrap("healthz", "", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", "", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "xatm.http." + operation
	txSpanName := "xatm.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("xatm.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("xatm.operation", operation),
				attribute.String("xatm.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = correlation.With(ctx, correlation.Resolve(r.Header.Get(correlation.Header)))
		ctx, logger = applyCorrelation(ctx, logger, span)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.Header, correlation.ID(ctx))
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if method != "" && r.Method != method {
			h.handleError(ctx, w, httpError{
				Status: http.StatusMethodNotAllowed,
				Code:   "method_not_allowed",
				Detail: fmt.Sprintf("%s requires %s", r.URL.Path, method),
			})
			return
		}

		err := fn(w, r)
		if instrument {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.SetAttributes(attribute.Int64("xatm.duration_ms", time.Since(start).Milliseconds()))
		}
		if err == nil {
			logger.Trace("http.request.complete", "elapsed", time.Since(start))
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("http.request.canceled", "elapsed", time.Since(start))
			h.handleError(ctx, w, httpError{
				Status: http.StatusGatewayTimeout,
				Code:   "canceled",
				Detail: "request ended before the manager replied",
			})
			return
		}
		logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
		h.handleError(ctx, w, err)
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

// call submits the message built around a fresh reply channel and waits for
// the manager's answer.
func (h *Handler) call(ctx context.Context, build func(reply chan<- message.Outbound) message.Inbound) (message.Outbound, error) {
	reply := make(chan message.Outbound, 1)
	if err := h.submit(ctx, build(reply)); err != nil {
		return nil, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-h.manager.Done():
		return nil, errManagerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handler) submit(ctx context.Context, msg message.Inbound) error {
	if err := h.manager.Submit(ctx, msg); err != nil {
		if errors.Is(err, core.ErrStopped) {
			return errManagerStopped
		}
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	})
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

var errManagerStopped = httpError{
	Status: http.StatusServiceUnavailable,
	Code:   "manager_stopped",
	Detail: "transaction manager is not running",
}
