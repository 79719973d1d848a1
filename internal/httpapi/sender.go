package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/xatm/api"
	"pkt.systems/xatm/internal/correlation"
	"pkt.systems/xatm/internal/message"
	"pkt.systems/xatm/internal/svcfields"
	"pkt.systems/xatm/internal/version"
)

// Sender defaults.
const (
	DefaultSendTimeout     = 5 * time.Second
	DefaultSendAttempts    = 3
	DefaultSendBaseDelay   = 50 * time.Millisecond
	DefaultSendMaxDelay    = time.Second
	DefaultSendMultiplier  = 2.0
	DefaultSendIdleTimeout = 30 * time.Second
)

// Submitter receives the replies and delivery failures the Sender produces.
type Submitter interface {
	Submit(ctx context.Context, msg message.Inbound) error
}

// SenderConfig configures NewSender.
type SenderConfig struct {
	Logger      pslog.Logger
	Client      *http.Client
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// IdleTimeout retires the worker of an endpoint that had nothing to send
	// for this long.
	IdleTimeout time.Duration
}

// Sender posts resource requests to {endpoint}/xa/{kind}. Requests for one
// endpoint are delivered one at a time in the order Send saw them.
type Sender struct {
	logger      pslog.Logger
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	idleTimeout time.Duration
	metrics     *senderMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	submitter Submitter
	boxes     map[string]*mailbox
	closed    bool
}

type mailbox struct {
	queue []message.Envelope
	wake  chan struct{}
}

// NewSender constructs a Sender. Bind must be called before replies can be
// handed back.
func NewSender(cfg SenderConfig) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, svcfields.Sender)
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	s := &Sender{
		logger:      logger,
		client:      client,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		multiplier:  cfg.Multiplier,
		idleTimeout: cfg.IdleTimeout,
		metrics:     newSenderMetrics(logger),
		boxes:       make(map[string]*mailbox),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultSendTimeout
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultSendAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = DefaultSendBaseDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = DefaultSendMaxDelay
	}
	if s.multiplier <= 0 {
		s.multiplier = DefaultSendMultiplier
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = DefaultSendIdleTimeout
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Bind sets the destination of replies and delivery failures.
func (s *Sender) Bind(sub Submitter) {
	s.mu.Lock()
	s.submitter = sub
	s.mu.Unlock()
}

// Send queues env for its endpoint and returns immediately. Only resource
// requests travel over HTTP; other messages are dropped.
func (s *Sender) Send(env message.Envelope) {
	req, ok := env.Message.(message.ResourceRequest)
	if !ok {
		s.logger.Debug("sender.drop.unsupported", "type", fmt.Sprintf("%T", env.Message), "endpoint", env.To.Process.Endpoint)
		return
	}
	endpoint := strings.TrimSpace(env.To.Process.Endpoint)
	if endpoint == "" {
		s.logger.Warn("sender.drop.no_endpoint", "trid", req.TRID.String(), "resource", int(req.Resource))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Debug("sender.drop.closed", "endpoint", endpoint, "kind", req.Kind.String())
		return
	}
	box, ok := s.boxes[endpoint]
	if !ok {
		box = &mailbox{wake: make(chan struct{}, 1)}
		s.boxes[endpoint] = box
		s.wg.Add(1)
		go s.run(endpoint, box)
	}
	box.queue = append(box.queue, env)
	select {
	case box.wake <- struct{}{}:
	default:
	}
}

// Close stops every worker and waits for them. Queued requests are dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Sender) run(endpoint string, box *mailbox) {
	defer s.wg.Done()
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()
	for {
		s.mu.Lock()
		if len(box.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-box.wake:
				continue
			case <-idle.C:
				s.mu.Lock()
				if len(box.queue) == 0 {
					delete(s.boxes, endpoint)
					s.mu.Unlock()
					s.logger.Trace("sender.worker.retired", "endpoint", endpoint)
					return
				}
				s.mu.Unlock()
				idle.Reset(s.idleTimeout)
				continue
			}
		}
		env := box.queue[0]
		box.queue[0] = message.Envelope{}
		box.queue = box.queue[1:]
		s.mu.Unlock()

		s.deliver(endpoint, env)
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.idleTimeout)
	}
}

func (s *Sender) deliver(endpoint string, env message.Envelope) {
	req := env.Message.(message.ResourceRequest)
	logger := s.logger.With("endpoint", endpoint, "kind", req.Kind.String(), "trid", req.TRID.String(), "resource", int(req.Resource))
	reply, err := s.postWithRetry(s.ctx, endpoint, req)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Warn("sender.delivery.failed", "error", err)
		s.metrics.recordFailure(s.ctx, req.Kind)
		s.handBack(message.DeliveryFailed{Process: env.To.Process, Request: req, Err: err})
		return
	}
	if reply == nil {
		logger.Trace("sender.delivery.accepted")
		return
	}
	msg, err := fromAPIResourceReply(*reply)
	if err != nil {
		logger.Warn("sender.reply.invalid", "error", err)
		s.metrics.recordFailure(s.ctx, req.Kind)
		s.handBack(message.DeliveryFailed{Process: env.To.Process, Request: req, Err: err})
		return
	}
	if msg.Process.IsZero() {
		msg.Process = env.To.Process
	}
	logger.Trace("sender.delivery.replied", "code", msg.Code.String())
	s.handBack(msg)
}

func (s *Sender) handBack(msg message.Inbound) {
	s.mu.Lock()
	sub := s.submitter
	s.mu.Unlock()
	if sub == nil {
		s.logger.Warn("sender.unbound", "type", fmt.Sprintf("%T", msg))
		return
	}
	if err := sub.Submit(s.ctx, msg); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("sender.submit.failed", "type", fmt.Sprintf("%T", msg), "error", err)
	}
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (s *Sender) postWithRetry(ctx context.Context, endpoint string, req message.ResourceRequest) (*api.ResourceReply, error) {
	delay := s.baseDelay
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.recordAttempt(ctx, req.Kind)
		reply, err := s.postOnce(ctx, endpoint, req)
		if err == nil {
			return reply, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) || attempt == s.maxAttempts {
			return nil, err
		}
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if s.multiplier > 1 {
			delay = time.Duration(float64(delay)*s.multiplier + 0.5)
		}
	}
	return nil, fmt.Errorf("httpapi: delivery attempts exhausted")
}

func (s *Sender) postOnce(ctx context.Context, endpoint string, req message.ResourceRequest) (*api.ResourceReply, error) {
	body, err := json.Marshal(toAPIResourceRequest(req))
	if err != nil {
		return nil, &permanentError{err: err}
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, joinEndpoint(endpoint, "/xa/"+req.Kind.String()), bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if req.Correlation != "" {
		httpReq.Header.Set(correlation.Header, req.Correlation)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		var reply api.ResourceReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, &permanentError{err: fmt.Errorf("decode reply: %w", err)}
		}
		return &reply, nil
	}
	err = statusError(resp)
	if resp.StatusCode >= 500 {
		return nil, err
	}
	return nil, &permanentError{err: err}
}

func statusError(resp *http.Response) error {
	var errResp api.ErrorResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.ErrorCode != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, errResp.ErrorCode)
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}

func joinEndpoint(base, suffix string) string {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	return base + suffix
}

type senderMetrics struct {
	attempts metric.Int64Counter
	failures metric.Int64Counter
}

func newSenderMetrics(logger pslog.Logger) *senderMetrics {
	meter := otel.Meter("pkt.systems/xatm/httpapi")
	m := &senderMetrics{}
	var err error
	m.attempts, err = meter.Int64Counter(
		"xatm.sender.attempts",
		metric.WithDescription("Resource request delivery attempts"),
	)
	logMetricInitError(logger, "xatm.sender.attempts", err)
	m.failures, err = meter.Int64Counter(
		"xatm.sender.failures",
		metric.WithDescription("Resource requests that could not be delivered"),
	)
	logMetricInitError(logger, "xatm.sender.failures", err)
	return m
}

func (m *senderMetrics) recordAttempt(ctx context.Context, kind message.Kind) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("xatm.kind", kind.String())))
}

func (m *senderMetrics) recordFailure(ctx context.Context, kind message.Kind) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("xatm.kind", kind.String())))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
