package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"orproxy-go/internal/apierrors"
	"orproxy-go/internal/events"
	"orproxy-go/internal/keys"
	"orproxy-go/internal/logging"
	"orproxy-go/internal/tracing"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Selector is the rotation surface the engine drives: pick a key, then
// report exactly one outcome per attempt.
type Selector interface {
	SelectUpstream(ctx context.Context) (*keys.UpstreamKey, error)
	ReportSuccess(ctx context.Context, fingerprint string)
	ReportFailure(ctx context.Context, fingerprint, reason string, rateLimitedUntil *time.Time)
}

// SecretResolver maps a selected fingerprint to its outbound plaintext.
type SecretResolver interface {
	ResolveUpstreamSecret(fingerprint string) (string, bool)
}

// Options tunes the engine. Zero values use the defaults from Config.
type Options struct {
	BaseURL        string
	MaxRetries     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	o.BaseURL = strings.TrimSuffix(o.BaseURL, "/")
	return o
}

// Engine streams client requests to the upstream over a pooled transport,
// retrying across rotated keys on retryable failures.
type Engine struct {
	selector Selector
	secrets  SecretResolver
	bus      events.Publisher
	opts     Options
	client   *http.Client

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewEngine builds the proxy engine with a shared keep-alive transport.
func NewEngine(selector Selector, secrets SecretResolver, bus events.Publisher, opts Options) *Engine {
	opts = opts.withDefaults()
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		// The client handles its own decompression expectations; bodies
		// pass through bit-exact.
		DisableCompression: true,
	}
	return &Engine{
		selector: selector,
		secrets:  secrets,
		bus:      bus,
		opts:     opts,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		sleep: sleepCtx,
		now:   time.Now,
	}
}

// Proxy forwards the request at upstreamPath (relative to the base URL)
// with rotation and retry, streaming the winning response back.
func (e *Engine) Proxy(c *gin.Context, upstreamPath string) {
	ctx := c.Request.Context()

	var body []byte
	if !bodylessMethod(c.Request.Method) && c.Request.Body != nil {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			apierrors.Abort(c, http.StatusBadRequest, apierrors.KindBadRequest)
			return
		}
		body = data
	}

	target := e.opts.BaseURL + "/" + strings.TrimPrefix(upstreamPath, "/")
	if raw := c.Request.URL.RawQuery; raw != "" {
		target += "?" + raw
	}

	for attempt := 0; attempt < e.opts.MaxRetries; attempt++ {
		key, err := e.selector.SelectUpstream(ctx)
		if err != nil || key == nil {
			if err != nil {
				logging.WithReq(c, log.Fields{"module": "proxy"}).
					WithError(err).Error("upstream selection failed")
			}
			apierrors.Abort(c, http.StatusServiceUnavailable, apierrors.KindNoUpstream)
			return
		}
		fingerprint := key.Fingerprint

		secret, ok := e.secrets.ResolveUpstreamSecret(fingerprint)
		if !ok {
			e.selector.ReportFailure(ctx, fingerprint, "secret not resolvable", nil)
			e.publishAttempt(c, attempt, fingerprint, 0, "secret_unavailable")
			continue
		}

		resp, err := e.attempt(ctx, c, target, secret, fingerprint, attempt, body)
		if err != nil {
			if requestCanceled(ctx, err) {
				// The client went away. Cancellation is not an upstream
				// failure; no report, no retry.
				logging.WithReq(c, log.Fields{"module": "proxy", "attempt": attempt}).
					Debug("client disconnected, aborting proxy attempts")
				return
			}
			e.selector.ReportFailure(ctx, fingerprint, "transport: "+err.Error(), nil)
			e.publishAttempt(c, attempt, fingerprint, 0, "transport_error")
			if !e.backoff(ctx, attempt) {
				return
			}
			continue
		}

		switch classifyStatus(resp.StatusCode) {
		case outcomeRateLimited:
			reason := upstreamErrorText(resp)
			resp.Body.Close()
			reset := rateLimitReset(resp, e.now())
			e.selector.ReportFailure(ctx, fingerprint, reason, &reset)
			e.publishAttempt(c, attempt, fingerprint, resp.StatusCode, "rate_limited")
			if !e.backoff(ctx, attempt) {
				return
			}

		case outcomeServerError:
			reason := upstreamErrorText(resp)
			resp.Body.Close()
			e.selector.ReportFailure(ctx, fingerprint, reason, nil)
			e.publishAttempt(c, attempt, fingerprint, resp.StatusCode, "server_error")
			if !e.backoff(ctx, attempt) {
				return
			}

		case outcomeClientError:
			// The upstream key did its job; the caller's request is at
			// fault. Pass through untouched.
			e.selector.ReportSuccess(ctx, fingerprint)
			e.publishAttempt(c, attempt, fingerprint, resp.StatusCode, "client_error_passthrough")
			e.stream(c, resp)
			return

		case outcomeSuccess:
			e.selector.ReportSuccess(ctx, fingerprint)
			e.publishAttempt(c, attempt, fingerprint, resp.StatusCode, "success")
			e.stream(c, resp)
			return
		}
	}

	logging.WithReq(c, log.Fields{"module": "proxy", "attempts": e.opts.MaxRetries}).
		Error("all proxy attempts exhausted")
	apierrors.Abort(c, http.StatusBadGateway, apierrors.KindProxyFailed)
}

// attempt issues one outbound request bound to the client context. Each
// attempt gets its own span carrying the key fingerprint, the attempt
// number, and the upstream status.
func (e *Engine) attempt(ctx context.Context, c *gin.Context, target, secret, fingerprint string, attempt int, body []byte) (*http.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "proxy", "upstream.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.fingerprint", fingerprint),
			attribute.Int("upstream.attempt", attempt),
			attribute.String("http.method", c.Request.Method),
		),
	)
	defer span.End()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request")
		return nil, err
	}
	req.Header = buildOutboundHeaders(c.Request.Header, secret, c.ClientIP())
	if body != nil {
		req.ContentLength = int64(len(body))
	}
	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	return resp, nil
}

// stream relays status, headers, and body chunks, flushing as they
// arrive so SSE and chunked responses are not buffered. The upstream
// body is closed on every path out.
func (e *Engine) stream(c *gin.Context, resp *http.Response) {
	defer resp.Body.Close()

	copyResponseHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				// Client gone mid-stream; the deferred close tears down
				// the upstream read.
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			if err != io.EOF {
				logging.WithReq(c, log.Fields{"module": "proxy"}).
					WithError(err).Warn("upstream stream ended abnormally")
			}
			return
		}
	}
}

// backoff sleeps 2^attempt seconds between tries. Returns false when the
// client context died during the wait or this was the final attempt.
func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	if attempt >= e.opts.MaxRetries-1 {
		return true // loop exits naturally; no point sleeping
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	return e.sleep(ctx, delay) == nil
}

func (e *Engine) publishAttempt(c *gin.Context, attempt int, fingerprint string, status int, result string) {
	if e.bus == nil {
		return
	}
	rid, _ := c.Get("request_id")
	ridStr, _ := rid.(string)
	e.bus.Publish(c.Request.Context(), events.TopicUpstreamAttempt, map[string]any{
		"attempt":     attempt,
		"fingerprint": fingerprint,
		"status":      status,
		"result":      result,
	}, map[string]string{"request_id": ridStr})
}

func requestCanceled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
