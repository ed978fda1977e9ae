package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/mwantia/docsync/pkg/log"
	"github.com/mwantia/docsync/pkg/remote"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout           = time.Hour
	DefaultMaxExpiredRetries = 1
	DefaultConcurrency       = 4
)

var expiredTokenMarker = []byte("<Code>ExpiredToken</Code>")

// Policy bounds the retries of a single HTTP request.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Statuses  []int
}

// DefaultPolicy retries rate limiting and gateway errors three times.
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: time.Second,
	Statuses:  []int{429, 500, 502, 503, 504},
}

// exponential doubles from BaseDelay without jitter and never runs out on
// its own; steps bounds the cap on the interval.
func (p Policy) exponential(steps int) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(p.BaseDelay<<max(steps, 1)),
		backoff.WithMaxElapsedTime(0),
	)
}

// backOff hands out Attempts-1 delays before stopping.
func (p Policy) backOff() backoff.BackOff {
	return backoff.WithMaxRetries(p.exponential(p.Attempts), uint64(max(p.Attempts-1, 0)))
}

// Delay returns the backoff to wait after the given failed attempt
// (1-based): BaseDelay * 2^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	schedule := p.exponential(attempt)

	delay := schedule.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = schedule.NextBackOff()
	}
	return delay
}

func (p Policy) retryable(status int) bool {
	return slices.Contains(p.Statuses, status)
}

type Config struct {
	Policy            Policy
	Timeout           time.Duration
	MaxExpiredRetries int
	Concurrency       int
}

// File identifies the blob being uploaded.
type File struct {
	Hash     string
	Filename string
}

// Sleeper waits between retries. It must return early with the context's
// error when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

type Option func(*Pipeline)

// WithSleeper replaces the backoff sleep, mostly for tests.
func WithSleeper(sleep Sleeper) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

// Pipeline uploads blobs to the remote store, following the storage
// redirect and retrying transient failures.
type Pipeline struct {
	endpoint    *remote.Endpoint
	client      *http.Client
	policy      Policy
	maxExpired  int
	concurrency int
	sleep       Sleeper
	log         log.LoggerService
}

func NewPipeline(endpoint *remote.Endpoint, cfg Config, logger log.LoggerService, opts ...Option) *Pipeline {
	if cfg.Policy.Attempts < 1 {
		cfg.Policy = DefaultPolicy
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxExpiredRetries < 0 {
		cfg.MaxExpiredRetries = DefaultMaxExpiredRetries
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}

	p := &Pipeline{
		endpoint: endpoint,
		client: &http.Client{
			Transport: endpoint.HTTPClient().Transport,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		policy:      cfg.Policy,
		maxExpired:  cfg.MaxExpiredRetries,
		concurrency: cfg.Concurrency,
		sleep:       sleepContext,
		log:         logger,
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Upload sends source to the blob store under file.Hash. It returns false
// without an error when the service rejects the upload, and an error when
// the transport keeps failing after all retries.
func (p *Pipeline) Upload(ctx context.Context, file File, source Source, progress *Progress) (bool, error) {
	if progress == nil {
		progress = &Progress{}
	}

	for expired := 0; ; expired++ {
		ok, again, err := p.upload(ctx, file, source, progress)
		if err != nil || !again {
			return ok, err
		}
		if expired >= p.maxExpired {
			p.log.Error("Upload of '%s' kept failing with an expired signed url", file.Filename)
			return false, nil
		}
		p.log.Info("Signed url for '%s' expired, trying again", file.Filename)
	}
}

// upload performs one pass of the pipeline. again reports that the signed
// url expired and the whole pass should be repeated.
func (p *Pipeline) upload(ctx context.Context, file File, source Source, progress *Progress) (ok bool, again bool, err error) {
	sum, err := source.Checksum()
	if err != nil {
		return false, false, err
	}
	checksum := "crc32c=" + EncodeChecksum(sum)
	length := source.Len()

	progress.addTotal(length)
	progress.startTask()

	body := newProgressReader(source, progress)
	header := http.Header{}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	header.Set("Content-Type", "application/octet-stream")
	header.Set("rm-filename", file.Filename)
	header.Set("x-goog-hash", checksum)

	resp, err := p.fetchWithRetries(ctx, p.endpoint.FilesURL(file.Hash), body, header, true)
	if err != nil {
		progress.finishTask()
		p.log.Error("Upload of '%s' failed: %v", file.Filename, err)
		return false, false, err
	}

	redirected := false
	if resp.StatusCode == http.StatusFound {
		redirected = true
		location := resp.Header.Get("Location")
		if location == "" {
			progress.finishTask()
			return false, false, fmt.Errorf("upload of '%s' redirected without a location", file.Filename)
		}

		if err := body.Reset(); err != nil {
			progress.finishTask()
			return false, false, fmt.Errorf("failed to rewind upload source: %w", err)
		}

		p.log.Debug("Storage provided a signed url for '%s', uploading there", file.Filename)

		signed := header.Clone()
		signed.Set("x-goog-content-length-range", resp.Header.Get("x-goog-content-length-range"))

		resp, err = p.fetchWithRetries(ctx, location, body, signed, false)
		if err != nil {
			progress.finishTask()
			p.log.Error("Upload of '%s' to signed url failed: %v", file.Filename, err)
			return false, false, err
		}
	}

	if resp.StatusCode == http.StatusBadRequest && bytes.Contains(resp.Body, expiredTokenMarker) {
		if err := body.Reset(); err != nil {
			progress.finishTask()
			return false, false, fmt.Errorf("failed to rewind upload source: %w", err)
		}
		progress.addTotal(-length)
		progress.finishTask()
		return false, true, nil
	}

	progress.finishTask()

	if resp.StatusCode != http.StatusOK {
		p.log.Error("Upload of '%s' failed (redirected: %t) -> %d: %s", file.Filename, redirected, resp.StatusCode, resp.Body)
		return false, false, nil
	}

	p.log.Debug("Uploaded '%s' (%s)", file.Filename, humanize.Bytes(uint64(length)))
	return true, false, nil
}

// fetchWithRetries issues a PUT, retrying timeouts and the policy's status
// codes with exponential backoff. The body is rewound before every retry and
// the last failure is returned once the schedule stops.
func (p *Pipeline) fetchWithRetries(ctx context.Context, target string, body *progressReader, header http.Header, authorize bool) (*remote.Response, error) {
	var lastErr error
	schedule := p.policy.backOff()

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := body.Reset(); err != nil {
				return nil, fmt.Errorf("failed to rewind upload source: %w", err)
			}
		}

		req, err := p.newRequest(ctx, target, body, header, authorize)
		if err != nil {
			return nil, err
		}

		resp, err := remote.Do(p.client, req)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil && isTimeout(err):
			lastErr = err
		case err != nil:
			return nil, err
		case p.policy.retryable(resp.StatusCode):
			lastErr = &remote.StatusError{Method: http.MethodPut, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
		default:
			return resp, nil
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return nil, lastErr
		}

		p.log.Warn("PUT attempt %d/%d failed (%v), retrying in %s", attempt, p.policy.Attempts, lastErr, delay)
		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (p *Pipeline) newRequest(ctx context.Context, target string, body *progressReader, header http.Header, authorize bool) (*http.Request, error) {
	var (
		req *http.Request
		err error
	)
	if authorize {
		req, err = p.endpoint.NewRequest(ctx, http.MethodPut, target, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	}
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		req.Header[key] = values
	}
	req.ContentLength = body.source.Len()
	if req.ContentLength == 0 {
		req.Body = http.NoBody
	} else {
		req.Body = io.NopCloser(body)
	}

	return req, nil
}

// Item is one entry of a batch upload.
type Item struct {
	File   File
	Source Source
}

// UploadMany uploads items concurrently, one goroutine per upload bounded by
// the configured concurrency. The result slice lines up with items.
func (p *Pipeline) UploadMany(ctx context.Context, items []Item, progress *Progress) ([]bool, error) {
	if progress == nil {
		progress = &Progress{}
	}

	results := make([]bool, len(items))

	var group errgroup.Group
	group.SetLimit(p.concurrency)

	for i, item := range items {
		group.Go(func() error {
			ok, err := p.Upload(ctx, item.File, item.Source, progress)
			results[i] = ok
			return err
		})
	}

	return results, group.Wait()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
