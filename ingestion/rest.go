package ingestion

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/storage"
	"golang.org/x/time/rate"
)

// REST parameter defaults.
const (
	DefaultPageSize       = 100
	DefaultMaxPages       = 10
	DefaultFanOut         = 1
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 200 * time.Millisecond
	DefaultFetchTimeout   = 5 * time.Minute
	DefaultRequestTimeout = 30 * time.Second

	maxBodySize = 64 << 20
)

type restAdapter struct {
	name           string
	endpoint       *url.URL
	pageSize       int
	maxPages       int
	pageParam      string
	pageSizeParam  string
	dataPath       string
	fanOut         int
	maxAttempts    int
	baseDelay      time.Duration
	rateLimit      float64
	timeout        time.Duration
	requestTimeout time.Duration
	headers        map[string]string

	client     *http.Client
	authorizer Authorizer
	pages      PageStore
	mode       SnapshotMode
	logger     *slog.Logger
}

func newRESTAdapter(desc core.SourceDescriptor, f *Factory) (*restAdapter, error) {
	raw, err := requiredParam(desc, "endpoint")
	if err != nil {
		return nil, err
	}
	endpoint, err := url.Parse(raw)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, &core.ConfigError{Source: desc.Name, Field: "endpoint", Msg: "endpoint must be an absolute URL", Err: err}
	}

	a := &restAdapter{
		name:          desc.Name,
		endpoint:      endpoint,
		pageParam:     desc.Param("page_param", desc.Param("batch_param", "page")),
		pageSizeParam: desc.Param("page_size_param", "page_size"),
		dataPath:      strings.Trim(desc.Param("data_path", ""), "."),
		headers:       desc.Headers,
		client:        f.client,
		authorizer:    f.authorizer,
		pages:         f.pages,
		mode:          f.mode,
		logger:        f.logger.With("source", desc.Name),
	}

	if a.pageSize, err = intParam(desc, "page_size", DefaultPageSize, 1); err != nil {
		return nil, err
	}
	if a.maxPages, err = intParam(desc, "max_pages", DefaultMaxPages, 1); err != nil {
		return nil, err
	}
	if a.fanOut, err = intParam(desc, "fan_out", DefaultFanOut, 1); err != nil {
		return nil, err
	}
	if a.maxAttempts, err = intParam(desc, "max_attempts", DefaultMaxAttempts, 1); err != nil {
		return nil, err
	}
	if a.baseDelay, err = durationParam(desc, "retry_base_delay", DefaultRetryBaseDelay); err != nil {
		return nil, err
	}
	if a.timeout, err = durationParam(desc, "timeout", DefaultFetchTimeout); err != nil {
		return nil, err
	}
	if a.requestTimeout, err = durationParam(desc, "request_timeout", DefaultRequestTimeout); err != nil {
		return nil, err
	}
	if rl := desc.Param("rate_limit", ""); rl != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(rl), 64)
		if err != nil || v < 0 {
			return nil, &core.ConfigError{Source: desc.Name, Field: "rate_limit", Msg: "must be a non-negative number of requests per second", Err: err}
		}
		a.rateLimit = v
	}
	return a, nil
}

func (a *restAdapter) Name() string          { return a.name }
func (a *restAdapter) Kind() core.SourceKind { return core.SourceKindREST }

// pageResult is the outcome of fetching one page.
type pageResult struct {
	page  int
	items []map[string]any
	err   error
}

func (a *restAdapter) Fetch(ctx context.Context) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}

		pool, err := ants.NewPool(a.fanOut)
		if err != nil {
			fail(yield, &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Err: err})
			return
		}
		defer pool.Release()

		var limiter *rate.Limiter
		if a.rateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(a.rateLimit), 1)
		}

		seq := 0
		for first := 1; first <= a.maxPages; first += a.fanOut {
			last := min(first+a.fanOut-1, a.maxPages)
			results := a.fetchWindow(ctx, pool, limiter, first, last)

			// Results are consumed strictly in page order. Anything after the
			// first empty page is discarded, errors included.
			for _, res := range results {
				if res.err != nil {
					fail(yield, res.err)
					return
				}
				if len(res.items) == 0 {
					a.logger.Debug("pagination finished", "page", res.page, "records", seq)
					return
				}
				for _, item := range res.items {
					seq++
					rec := core.RawRecord{
						Values: item,
						Origin: core.Origin{Source: a.name, Seq: seq, Page: res.page},
					}
					if !yield(rec, nil) {
						return
					}
				}
			}
		}
		a.logger.Debug("max_pages reached", "max_pages", a.maxPages, "records", seq)
	}
}

// fetchWindow fetches pages first..last concurrently and returns the results
// indexed by page.
func (a *restAdapter) fetchWindow(ctx context.Context, pool *ants.Pool, limiter *rate.Limiter, first, last int) []pageResult {
	results := make([]pageResult, last-first+1)
	var wg sync.WaitGroup
	for i := range results {
		page := first + i
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = a.fetchPage(ctx, limiter, page)
		})
		if err != nil {
			wg.Done()
			results[i] = pageResult{page: page, err: &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Page: page, Err: err}}
		}
	}
	wg.Wait()
	return results
}

func (a *restAdapter) fetchPage(ctx context.Context, limiter *rate.Limiter, page int) pageResult {
	res := pageResult{page: page}

	var body []byte
	if a.mode == SnapshotReplay {
		b, err := a.pages.LoadPage(ctx, a.name, page)
		if err != nil {
			reason := core.ReasonUnreadable
			if errors.Is(err, storage.ErrNotFound) {
				reason = core.ReasonSnapshotMissing
			}
			res.err = &core.SourceFetchError{Source: a.name, Reason: reason, Page: page, Err: err}
			return res
		}
		body = b
	} else {
		b, err := a.download(ctx, limiter, page)
		if err != nil {
			res.err = err
			return res
		}
		body = b
		if a.mode == SnapshotRecord {
			if err := a.pages.SavePage(ctx, a.name, page, body); err != nil {
				res.err = &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Page: page, Err: errors.Wrap(err, "save page snapshot")}
				return res
			}
		}
	}

	items, err := decodePage(body, a.dataPath)
	if err != nil {
		res.err = &core.SourceFetchError{Source: a.name, Reason: core.ReasonBadPayload, Page: page, Err: err}
		return res
	}
	res.items = items
	return res
}

// download fetches a page body, retrying transient failures.
func (a *restAdapter) download(ctx context.Context, limiter *rate.Limiter, page int) ([]byte, error) {
	var body []byte
	err := RetryWithBackoff(ctx, func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return Permanent(&core.SourceFetchError{Source: a.name, Reason: core.ReasonTimeout, Page: page, Err: err})
			}
		}
		b, err := a.request(ctx, page)
		if err != nil {
			return err
		}
		body = b
		return nil
	}, a.maxAttempts, a.baseDelay)
	if err == nil {
		return body, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, contextError(a.name, page, ctxErr)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		fe := &core.SourceFetchError{Source: a.name, Reason: core.ReasonRetriesExhausted, Page: page, Err: err}
		if last, ok := core.AsFetchError(err); ok {
			fe.Status = last.Status
		}
		a.logger.Warn("page fetch failed", "page", page, "attempts", a.maxAttempts, "err", err)
		return nil, fe
	}
	if fe, ok := core.AsFetchError(err); ok {
		return nil, fe
	}
	return nil, &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Page: page, Err: err}
}

// request performs one HTTP attempt. Errors that must not be retried are
// wrapped with Permanent.
func (a *restAdapter) request(ctx context.Context, page int) ([]byte, error) {
	reqCtx := ctx
	if a.requestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.pageURL(page), nil)
	if err != nil {
		return nil, Permanent(&core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Page: page, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
	if a.authorizer != nil {
		if err := a.authorizer.Authorize(ctx, a.name, req); err != nil {
			return nil, Permanent(&core.SourceFetchError{Source: a.name, Reason: core.ReasonAuthFailed, Page: page, Err: err})
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Permanent(contextError(a.name, page, ctx.Err()))
		}
		reason := core.ReasonUnreadable
		if reqCtx.Err() != nil {
			reason = core.ReasonTimeout
		}
		return nil, &core.SourceFetchError{Source: a.name, Reason: reason, Page: page, Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	switch status := resp.StatusCode; {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, Permanent(&core.SourceFetchError{Source: a.name, Reason: core.ReasonAuthFailed, Page: page, Status: status})
	case status == http.StatusTooManyRequests || status >= 500:
		return nil, &core.SourceFetchError{Source: a.name, Reason: core.ReasonHTTPStatus, Page: page, Status: status}
	case status < 200 || status > 299:
		return nil, Permanent(&core.SourceFetchError{Source: a.name, Reason: core.ReasonHTTPStatus, Page: page, Status: status})
	}

	if readErr != nil {
		reason := core.ReasonUnreadable
		if reqCtx.Err() != nil {
			reason = core.ReasonTimeout
		}
		return nil, &core.SourceFetchError{Source: a.name, Reason: reason, Page: page, Err: readErr}
	}
	return body, nil
}

// pageURL adds the pagination parameters to the endpoint, keeping any query
// already present.
func (a *restAdapter) pageURL(page int) string {
	u := *a.endpoint
	q := u.Query()
	q.Set(a.pageParam, strconv.Itoa(page))
	if a.pageSizeParam != "" {
		q.Set(a.pageSizeParam, strconv.Itoa(a.pageSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
