// Package httpkit builds the HTTP clients used for provider calls that
// do not go through a vendor SDK, currently the Ollama client.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/aki/internal/buildinfo"
)

// errorBodyLimit bounds how much of a failed response is kept for the
// error message.
const errorBodyLimit = 4096

// Option configures a client built by NewClient.
type Option func(*transport, *http.Client)

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming callers want when a deadline comes from the context.
func WithTimeout(d time.Duration) Option {
	return func(_ *transport, c *http.Client) { c.Timeout = d }
}

// WithRetry retries requests that never reached the server (refused or
// unreachable), waiting delay and then doubling it. A local model
// server that is restarting is the usual cause. Requests with a body
// are retried only when GetBody is set.
func WithRetry(count int, delay time.Duration) Option {
	return func(t *transport, _ *http.Client) {
		t.retries = count
		t.delay = delay
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *transport, _ *http.Client) { t.logger = l }
}

// NewClient returns a client with a 30 second timeout and the aki
// User-Agent. There is no response-header timeout: a model may think
// for a long time before its first byte.
func NewClient(opts ...Option) *http.Client {
	t := &transport{
		base: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 5,
			ForceAttemptHTTP2:   true,
		},
		userAgent: buildinfo.UserAgent(),
	}
	c := &http.Client{Timeout: 30 * time.Second, Transport: t}
	for _, o := range opts {
		o(t, c)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return c
}

type transport struct {
	base      http.RoundTripper
	userAgent string
	retries   int
	delay     time.Duration
	logger    *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	delay := t.delay
	for attempt := 1; attempt <= t.retries && err != nil && connectFailed(err) && rewindable; attempt++ {
		t.logger.Debug("provider unreachable, retrying",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
		delay *= 2

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind request body: %w", bodyErr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// connectFailed reports errors raised before the request reached the
// server. Retrying those cannot run a generation twice.
func connectFailed(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error %d", e.Code)
	}
	return fmt.Sprintf("API error %d: %s", e.Code, e.Body)
}

// CheckStatus returns nil for a 2xx response. Otherwise it consumes
// and closes the body and returns a *StatusError carrying its head.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Body: ReadErrorBody(resp.Body, errorBodyLimit)}
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc, then drains and closes
// the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
