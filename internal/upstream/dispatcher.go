package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/config"
	"gcliproxy/internal/constants"
	"gcliproxy/internal/credential"
	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/monitoring"
)

// TokenSource supplies fresh bearer tokens for leased credentials.
// *oauth.Refresher satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context, lease *credential.Credential) (string, error)
	Refresh(ctx context.Context, lease *credential.Credential) (*credential.Credential, error)
}

// Request is one unit of work for the dispatcher: a Gemini-shape
// payload bound for a base model. Streaming is implied by the action.
type Request struct {
	Action  string
	Model   string
	Payload []byte
}

// Result is the upstream outcome. Exactly one of Body and Stream is
// set: Body for buffered calls, already unwrapped from the
// {"response": ...} envelope; Stream for SSE calls, which the caller
// must Close (closing releases the credential's concurrency slot).
type Result struct {
	Body         []byte
	Stream       io.ReadCloser
	StatusCode   int
	CredentialID string
}

// Dispatcher drives a request through credential selection, token
// refresh, the per-credential concurrency gate, bounded same-credential
// retries and cross-credential failover.
//
// Policy, pinned to the original gateway:
//   - 429: sleep retry_429_interval (or Retry-After when longer), retry
//     the same credential up to retry_429_max_retries, then cool it
//     down and fail over.
//   - 401: one forced token refresh and same-credential retry, then the
//     credential is marked auth-expired and the request fails over.
//   - 5xx and network faults: fixed-interval same-credential retries,
//     then the transient error surfaces without failover.
//   - Failover is bounded by max(2, 2×poolSize) credential leases.
type Dispatcher struct {
	pool    *credential.Pool
	limiter *credential.SlotLimiter
	tokens  TokenSource
	client  *Client
	cfg     func() *config.Config

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher wires the dispatcher. cfg is read once per request so
// hot-reloaded retry settings apply to new requests immediately.
func NewDispatcher(pool *credential.Pool, limiter *credential.SlotLimiter, tokens TokenSource, client *Client, cfg func() *config.Config) *Dispatcher {
	if cfg == nil {
		def := config.Default()
		cfg = func() *config.Config { return def }
	}
	return &Dispatcher{
		pool:    pool,
		limiter: limiter,
		tokens:  tokens,
		client:  client,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

// attempt is the dispatch loop's explicit state for the credential
// currently being tried.
type attempt struct {
	lease      *credential.Credential
	bearer     string
	index      int  // how many credentials this request has leased
	retries429 int  // same-credential 429 retries spent
	retries5xx int  // same-credential transient retries spent
	refreshed  bool // the one 401 compensation refresh is spent
}

// Dispatch runs the request to completion or to a classified failure.
// The returned error is always an *apperrors.APIError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	if req.Action == "" {
		req.Action = ActionGenerate
	}
	cfg := d.cfg()

	lease, err := d.pool.Select()
	if err != nil {
		return nil, apperrors.PoolExhausted()
	}

	st := &attempt{lease: lease, index: 1}
	ceiling := leaseCeiling(d.pool.Len())
	var lastErr *apperrors.APIError

	for {
		res, apiErr, failover := d.serve(ctx, cfg, req, st)
		if apiErr == nil {
			return res, nil
		}
		if !failover {
			return nil, apiErr
		}
		lastErr = apiErr

		if st.index >= ceiling {
			log.WithFields(log.Fields{
				"model":   req.Model,
				"leases":  st.index,
				"ceiling": ceiling,
			}).Warn("failover ceiling reached, surfacing last upstream error")
			return nil, lastErr
		}
		next, serr := d.pool.SelectOther(st.lease.ID)
		if serr != nil {
			return nil, lastErr
		}
		monitoring.CredentialRotationsTotal.Inc()
		log.WithFields(log.Fields{
			"from":   st.lease.ID,
			"to":     next.ID,
			"reason": lastErr.Code,
		}).Warn("failing over to another credential")
		st = &attempt{lease: next, index: st.index + 1}
	}
}

// serve runs the request on one credential until it succeeds, is
// abandoned for failover (failover=true) or must surface as-is.
func (d *Dispatcher) serve(ctx context.Context, cfg *config.Config, req Request, st *attempt) (*Result, *apperrors.APIError, bool) {
	release, err := d.limiter.Acquire(ctx, st.lease.ID)
	if err != nil {
		return nil, apperrors.FromNetworkError(err), false
	}

	bearer, err := d.tokens.AccessToken(ctx, st.lease)
	if err != nil {
		release()
		monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, "refresh").Inc()
		var apiErr *apperrors.APIError
		if errors.As(err, &apiErr) {
			return nil, apiErr, apiErr.Retryable()
		}
		return nil, apperrors.Transient(http.StatusBadGateway, "token refresh failed: "+err.Error()), true
	}
	st.bearer = bearer

	stream := req.Action == ActionStreamGenerate
	for {
		out, doErr := d.once(ctx, cfg, req, st, stream)
		if doErr != nil {
			if ctx.Err() != nil {
				release()
				return nil, apperrors.FromNetworkError(ctx.Err()), false
			}
			monitoring.RecordUpstreamAttempt(req.Model, 0, out.dur)
			netErr := apperrors.FromNetworkError(doErr)
			if netErr.Kind == apperrors.KindTransient && st.retries5xx < cfg.Retry.MaxRetries5xx {
				st.retries5xx++
				d.pool.RecordAttempt(st.lease.ID)
				monitoring.UpstreamRetriesTotal.WithLabelValues("network").Inc()
				log.WithFields(log.Fields{"credential": st.lease.ID, "error": doErr.Error(), "retry": st.retries5xx}).
					Warn("upstream network error, retrying")
				if serr := d.sleep(ctx, cfg.Retry.Interval5xx()); serr != nil {
					release()
					return nil, apperrors.FromNetworkError(serr), false
				}
				continue
			}
			release()
			d.pool.RecordFailure(st.lease.ID, 0, "network: "+doErr.Error())
			monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, "network").Inc()
			return nil, netErr, false
		}

		// A 200 stream whose first event is the quota error counts as a
		// plain 429: nothing has been forwarded to the client yet.
		var replay io.ReadCloser
		if stream && out.status < 300 && out.stream != nil {
			var quotaErr *apperrors.APIError
			replay, quotaErr = sniffStream(out.stream)
			if quotaErr != nil {
				out.status = http.StatusTooManyRequests
				out.quota = quotaErr
			}
		}
		monitoring.RecordUpstreamAttempt(req.Model, out.status, out.dur)

		switch {
		case out.status < 300:
			d.pool.RecordSuccess(st.lease.ID)
			if stream {
				return &Result{
					Stream:       newStreamBody(replay, release),
					StatusCode:   out.status,
					CredentialID: st.lease.ID,
				}, nil, false
			}
			release()
			return &Result{
				Body:         UnwrapResponse(out.body),
				StatusCode:   out.status,
				CredentialID: st.lease.ID,
			}, nil, false

		case out.status == http.StatusTooManyRequests:
			apiErr := out.quota
			if apiErr == nil {
				apiErr = apperrors.FromUpstreamStatus(out.status, out.body)
			}
			if cfg.Retry.Enabled429 && st.retries429 < cfg.Retry.MaxRetries429 {
				st.retries429++
				d.pool.RecordAttempt(st.lease.ID)
				monitoring.UpstreamRetriesTotal.WithLabelValues("429").Inc()
				wait := cfg.Retry.Interval429()
				if out.retryAfter > wait {
					wait = out.retryAfter
				}
				log.WithFields(log.Fields{"credential": st.lease.ID, "retry": st.retries429, "wait": wait.String()}).
					Info("upstream 429, retrying on same credential")
				if serr := d.sleep(ctx, wait); serr != nil {
					release()
					return nil, apperrors.FromNetworkError(serr), false
				}
				continue
			}
			release()
			d.pool.RecordFailure(st.lease.ID, out.status, "quota exhausted")
			monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, strconv.Itoa(out.status)).Inc()
			return nil, apiErr, true

		case out.status == http.StatusUnauthorized:
			refreshSpent := st.refreshed
			if !st.refreshed {
				st.refreshed = true
				fresh, rerr := d.tokens.Refresh(ctx, st.lease)
				if rerr == nil {
					st.lease = fresh
					st.bearer = fresh.AccessToken
					d.pool.RecordAttempt(st.lease.ID)
					monitoring.UpstreamRetriesTotal.WithLabelValues("auth_refresh").Inc()
					log.WithField("credential", st.lease.ID).Info("upstream 401, retrying with refreshed token")
					continue
				}
				log.WithError(rerr).WithField("credential", st.lease.ID).Warn("compensating token refresh failed")
			}
			release()
			d.pool.RecordFailure(st.lease.ID, out.status, "unauthorized")
			monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, strconv.Itoa(out.status)).Inc()
			if refreshSpent {
				d.pool.MarkAuthExpired(st.lease.ID, "upstream kept answering 401 after token refresh")
			}
			return nil, apperrors.FromUpstreamStatus(out.status, out.body), true

		case out.status == http.StatusForbidden:
			release()
			d.pool.RecordFailure(st.lease.ID, out.status, "permission denied")
			monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, strconv.Itoa(out.status)).Inc()
			return nil, apperrors.FromUpstreamStatus(out.status, out.body), true

		case out.status >= 500:
			if st.retries5xx < cfg.Retry.MaxRetries5xx {
				st.retries5xx++
				d.pool.RecordAttempt(st.lease.ID)
				monitoring.UpstreamRetriesTotal.WithLabelValues("5xx").Inc()
				wait := cfg.Retry.Interval5xx()
				if out.retryAfter > wait {
					wait = out.retryAfter
				}
				log.WithFields(log.Fields{"credential": st.lease.ID, "status": out.status, "retry": st.retries5xx}).
					Warn("upstream server error, retrying")
				if serr := d.sleep(ctx, wait); serr != nil {
					release()
					return nil, apperrors.FromNetworkError(serr), false
				}
				continue
			}
			release()
			d.pool.RecordFailure(st.lease.ID, out.status, "server error")
			monitoring.CredentialErrorsTotal.WithLabelValues(st.lease.ID, strconv.Itoa(out.status)).Inc()
			return nil, apperrors.FromUpstreamStatus(out.status, out.body), false

		default:
			// 4xx outside the retry taxonomy: the request is at fault,
			// not the credential.
			release()
			return nil, apperrors.FromUpstreamStatus(out.status, out.body), false
		}
	}
}

// outcome is what a single HTTP attempt produced.
type outcome struct {
	status     int
	body       []byte
	stream     io.ReadCloser
	quota      *apperrors.APIError
	retryAfter time.Duration
	dur        time.Duration
}

// once runs one HTTP attempt. Buffered calls get a per-attempt timeout
// and come back with the body fully read; streaming calls return the
// live body for status < 400 and rely on the transport's header timeout
// plus the request context.
func (d *Dispatcher) once(ctx context.Context, cfg *config.Config, req Request, st *attempt, stream bool) (outcome, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if !stream {
		attemptCtx, cancel = context.WithTimeout(ctx, httpTimeout(cfg))
	}
	defer cancel()

	start := time.Now()
	resp, err := d.client.Do(attemptCtx, Call{
		Action:  req.Action,
		Model:   req.Model,
		Project: st.lease.ProjectID,
		Bearer:  st.bearer,
		Payload: req.Payload,
		Stream:  stream,
	})
	out := outcome{dur: time.Since(start)}
	if err != nil {
		return out, err
	}

	out.status = resp.StatusCode
	if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
		out.retryAfter = ra
	}

	if resp.StatusCode >= 400 {
		out.body = readErrorBody(resp)
		return out, nil
	}
	if stream {
		out.stream = resp.Body
		return out, nil
	}
	body, err := ReadAll(resp)
	if err != nil {
		return out, err
	}
	out.body = body
	return out, nil
}

func httpTimeout(cfg *config.Config) time.Duration {
	if t := cfg.Upstream.HTTPTimeout(); t > 0 {
		return t
	}
	return constants.UpstreamGenerateTimeout
}

// leaseCeiling bounds how many credentials one request may burn
// through: max(2, 2×poolSize).
func leaseCeiling(poolSize int) int {
	c := 2 * poolSize
	if c < 2 {
		c = 2
	}
	return c
}
