// Package growlog provides the official Go client for the growlog
// cultivation-monitoring API.
//
// The client is a resilient request pipeline: responses to reads are cached
// with TTL and LRU eviction, transient failures are retried with exponential
// backoff, expired tokens are refreshed exactly once no matter how many
// requests race, and writes issued while offline are recorded in a durable
// queue and replayed in order when connectivity returns.
//
// Example:
//
//	client := growlog.NewClient(
//		growlog.WithBaseURL("https://api.growlog.io"),
//		growlog.WithAccessToken(token),
//	)
//	if err := client.Init(ctx); err != nil { ... }
//	defer client.Close()
//
//	plants, err := client.Plants().List(ctx)
package growlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Version is the SDK release, sent as X-Client-Version.
const Version = "0.4.1"

const (
	DefaultBaseURL        = "https://api.growlog.io"
	DefaultConnectTimeout = 10 * time.Second
	DefaultSendTimeout    = 15 * time.Second
	DefaultReceiveTimeout = 15 * time.Second
	DefaultCacheTTL       = 5 * time.Minute
	DefaultMaxCacheSize   = 8 << 20 // 8 MiB
)

// ============================================================================
// Configuration
// ============================================================================

type config struct {
	baseURL        string
	defaultHeaders map[string]string
	connectTimeout time.Duration
	sendTimeout    time.Duration
	receiveTimeout time.Duration
	enableLogging  bool
	logger         logrus.FieldLogger
	retryPolicy    RetryPolicy
	cacheTTL       time.Duration
	maxCacheSize   int64
	httpClient     *http.Client
	store          BlobStore
	prober         Prober
	pollInterval   time.Duration
	credential     *AuthCredential
	refreshFn      RefreshFunc
}

// ClientOption configures the client at construction.
type ClientOption func(*config)

// WithBaseURL overrides the service base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *config) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithDefaultHeader sets a header attached to every request.
func WithDefaultHeader(name, value string) ClientOption {
	return func(c *config) { c.defaultHeaders[name] = value }
}

// WithTimeouts sets the per-attempt connect, send, and receive timeouts.
func WithTimeouts(connect, send, receive time.Duration) ClientOption {
	return func(c *config) {
		c.connectTimeout = connect
		c.sendTimeout = send
		c.receiveTimeout = receive
	}
}

// WithLogging enables debug logging through the standard logger.
func WithLogging(enabled bool) ClientOption {
	return func(c *config) { c.enableLogging = enabled }
}

// WithLogger supplies an external logger; implies logging enabled.
func WithLogger(log logrus.FieldLogger) ClientOption {
	return func(c *config) {
		c.logger = log
		c.enableLogging = true
	}
}

// WithRetryPolicy bounds the retry controller.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *config) { c.retryPolicy = policy }
}

// WithCacheTTL sets the default response cache TTL.
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *config) { c.cacheTTL = ttl }
}

// WithMaxCacheSize bounds the response cache's total body bytes.
func WithMaxCacheSize(maxBytes int64) ClientOption {
	return func(c *config) { c.maxCacheSize = maxBytes }
}

// WithHTTPClient overrides the underlying *http.Client entirely; the timeout
// options are ignored when set.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *config) { c.httpClient = hc }
}

// WithStore supplies the durable store behind the offline queue and
// credential persistence. Defaults to an in-memory store.
func WithStore(store BlobStore) ClientOption {
	return func(c *config) { c.store = store }
}

// WithProber overrides connectivity probing; used by tests to inject
// synthetic states.
func WithProber(p Prober) ClientOption {
	return func(c *config) { c.prober = p }
}

// WithPollInterval sets the connectivity polling interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *config) { c.pollInterval = d }
}

// WithAccessToken sets a static bearer token.
func WithAccessToken(token string) ClientOption {
	return func(c *config) { c.credential = &AuthCredential{AccessToken: token} }
}

// WithCredential sets the full credential pair, enabling refresh.
func WithCredential(cred *AuthCredential) ClientOption {
	return func(c *config) { c.credential = cred }
}

// WithRefreshFunc overrides the token refresh flow; the default posts the
// refresh token to the service's token endpoint.
func WithRefreshFunc(fn RefreshFunc) ClientOption {
	return func(c *config) { c.refreshFn = fn }
}

// ============================================================================
// Client
// ============================================================================

// Client is the request dispatcher: it owns one instance of every pipeline
// component and composes them per call. Safe for concurrent use.
type Client struct {
	baseURL        string
	defaultHeaders map[string]string
	httpClient     *http.Client
	log            logrus.FieldLogger

	cache   *ResponseCache
	queue   *OfflineQueue
	guard   *TokenGuard
	monitor *Monitor
	retry   *retrier
	store   BlobStore

	cacheTTL time.Duration

	initOnce    sync.Once
	initialized atomic.Bool

	plants   *PlantsClient
	sensors  *SensorsClient
	harvests *HarvestsClient
}

// NewClient constructs a client. No goroutines start and no network traffic
// happens until Init.
func NewClient(opts ...ClientOption) *Client {
	cfg := &config{
		baseURL:        DefaultBaseURL,
		defaultHeaders: map[string]string{},
		connectTimeout: DefaultConnectTimeout,
		sendTimeout:    DefaultSendTimeout,
		receiveTimeout: DefaultReceiveTimeout,
		retryPolicy:    RetryPolicy{},
		cacheTTL:       DefaultCacheTTL,
		maxCacheSize:   DefaultMaxCacheSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := cfg.logger
	if log == nil {
		if cfg.enableLogging {
			l := logrus.New()
			l.SetLevel(logrus.DebugLevel)
			log = l
		} else {
			log = discardLogger()
		}
	}

	hc := cfg.httpClient
	if hc == nil {
		hc = &http.Client{
			Timeout: cfg.connectTimeout + cfg.sendTimeout + cfg.receiveTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.connectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: cfg.receiveTimeout,
			},
		}
	}

	store := cfg.store
	if store == nil {
		store = NewMemoryStore()
	}

	c := &Client{
		baseURL:        cfg.baseURL,
		defaultHeaders: cfg.defaultHeaders,
		httpClient:     hc,
		log:            log,
		cache:          NewResponseCache(cfg.maxCacheSize, log),
		queue:          NewOfflineQueue(store, log),
		monitor:        NewMonitor(cfg.prober, cfg.pollInterval, log),
		retry:          newRetrier(cfg.retryPolicy, log),
		store:          store,
		cacheTTL:       cfg.cacheTTL,
	}

	refreshFn := cfg.refreshFn
	if refreshFn == nil {
		refreshFn = c.defaultRefresh
	}
	c.guard = NewTokenGuard(refreshFn, store, log)
	if cfg.credential != nil {
		c.guard.SetCredential(cfg.credential)
	}

	c.plants = &PlantsClient{c: c}
	c.sensors = &SensorsClient{c: c}
	c.harvests = &HarvestsClient{c: c}
	return c
}

// Init starts the connectivity monitor and registers the queue drain
// trigger. Calling Init again is a no-op. Verb calls before Init fail with
// KindNotInitialized.
func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.monitor.OnOnline(func() {
			go func() {
				if _, err := c.DrainQueue(context.Background()); err != nil {
					c.log.WithError(err).Warn("queue drain failed")
				}
			}()
		})
		c.monitor.Start(ctx)
		c.initialized.Store(true)
		c.log.WithField("baseURL", c.baseURL).Debug("client initialized")
	})
	return nil
}

// Close stops background work. The client must not be used afterwards.
func (c *Client) Close() {
	c.monitor.Stop()
}

// Cache exposes the response cache for explicit invalidation.
func (c *Client) Cache() *ResponseCache { return c.cache }

// Queue exposes the offline queue for inspection.
func (c *Client) Queue() *OfflineQueue { return c.queue }

// Guard exposes the token guard.
func (c *Client) Guard() *TokenGuard { return c.guard }

// Connectivity exposes the connectivity monitor.
func (c *Client) Connectivity() *Monitor { return c.monitor }

// Plants returns the plants sub-client.
func (c *Client) Plants() *PlantsClient { return c.plants }

// Sensors returns the sensors sub-client.
func (c *Client) Sensors() *SensorsClient { return c.sensors }

// Harvests returns the harvests sub-client.
func (c *Client) Harvests() *HarvestsClient { return c.harvests }

// ============================================================================
// Verb operations
// ============================================================================

// Get issues a GET. Within the cache TTL, repeated GETs with the same
// fingerprint are served from the cache without a network round-trip unless
// ForceRefresh is set. Offline GETs fail fast with KindNoConnection.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts)
}

// Post issues a POST. Offline, the request is queued for replay and the
// call fails with KindDeferred: the operation has not taken effect.
func (c *Client) Post(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts)
}

// Put issues a PUT; deferred when offline, like Post.
func (c *Client) Put(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, opts)
}

// Patch issues a PATCH; deferred when offline, like Post.
func (c *Client) Patch(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body, opts)
}

// Delete issues a DELETE; deferred when offline, like Post.
func (c *Client) Delete(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts)
}

// Batch runs requests concurrently. Offline, the whole batch is rejected
// with KindNoConnection before anything is queued or executed. The returned
// slice is index-aligned with reqs; err is the first failure observed.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest) ([]*Response, error) {
	if !c.initialized.Load() {
		return nil, newError(KindNotInitialized, "client used before Init")
	}
	if c.monitor.CurrentState() == Offline {
		return nil, newError(KindNoConnection, "batch rejected: no connection")
	}

	responses := make([]*Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i := range reqs {
		i := i
		req := reqs[i]
		g.Go(func() error {
			resp, err := c.do(gctx, req.Method, req.Path, req.Body, req.Options)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	err := g.Wait()
	return responses, err
}

// DrainQueue replays every queued request in FIFO order. Entries that fail
// stay queued with their attempt count incremented. Normally triggered by
// the Offline→Online transition; exposed for explicit flushes.
func (c *Client) DrainQueue(ctx context.Context) (DrainResult, error) {
	if !c.initialized.Load() {
		return DrainResult{}, newError(KindNotInitialized, "client used before Init")
	}
	result, err := c.queue.Drain(ctx, func(ctx context.Context, req *QueuedRequest) error {
		_, rerr := c.dispatch(ctx, req.Method, req.Path, req.Body, &RequestOptions{
			Query:   req.Query,
			Headers: map[string]string{"Idempotency-Key": req.IdempotencyKey},
		}, false)
		return rerr
	})
	if err == nil {
		c.log.WithFields(logrus.Fields{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
		}).Debug("queue drain finished")
	}
	return result, err
}

// ============================================================================
// Pipeline
// ============================================================================

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, opts *RequestOptions) (*Response, error) {
	if !c.initialized.Load() {
		return nil, newError(KindNotInitialized, "client used before Init")
	}
	raw, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	return c.dispatch(ctx, method, path, raw, opts, true)
}

// dispatch is the per-call pipeline. deferrable distinguishes first-party
// calls (which may fall back to the offline queue) from queue replays
// (which must not re-enqueue themselves).
func (c *Client) dispatch(ctx context.Context, method string, path string, body json.RawMessage, opts *RequestOptions, deferrable bool) (*Response, error) {
	mutating := isMutating(method)
	fingerprint := ""
	if method == http.MethodGet {
		fingerprint = Fingerprint(method, path, opts.query())
		if !opts.forceRefresh() {
			if entry := c.cache.Lookup(fingerprint); entry != nil {
				c.log.WithField("path", path).Debug("served from cache")
				return &Response{
					StatusCode: entry.StatusCode,
					Body:       append(json.RawMessage(nil), entry.Body...),
					Headers:    entry.Headers.Clone(),
					FromCache:  true,
				}, nil
			}
		}
	}

	if c.monitor.CurrentState() == Offline {
		if !mutating || !deferrable {
			return nil, newError(KindNoConnection, "no network connection")
		}
		return nil, c.deferRequest(method, path, body, opts)
	}

	resp, err := c.retry.Execute(ctx, func(ctx context.Context) (*Response, error) {
		return c.executeOnce(ctx, method, path, body, opts)
	})

	// A 401 is never retried by the controller; recover it once here via
	// the shared refresh flow, then re-execute.
	if err != nil && KindOf(err) == KindAuthentication && c.guard.Credential() != nil && c.guard.Credential().RefreshToken != "" {
		if _, rerr := c.guard.Refresh(ctx); rerr == nil {
			resp, err = c.retry.Execute(ctx, func(ctx context.Context) (*Response, error) {
				return c.executeOnce(ctx, method, path, body, opts)
			})
		}
	}

	if err != nil {
		if ge, ok := AsError(err); ok && ge.Exhausted && ge.transient() {
			// Degrade retry exhaustion to the offline behavior.
			if mutating && deferrable {
				return nil, c.deferRequest(method, path, body, opts)
			}
			return nil, &Error{Kind: KindNoConnection, Message: "retries exhausted: " + ge.Message, Exhausted: true, Err: err}
		}
		return nil, err
	}

	if fingerprint != "" {
		ttl := c.cacheTTL
		if opts != nil && opts.CacheTTL > 0 {
			ttl = opts.CacheTTL
		}
		c.cache.Store(fingerprint, resp, ttl)
	}
	return resp, nil
}

func (c *Client) deferRequest(method, path string, body json.RawMessage, opts *RequestOptions) error {
	req := &QueuedRequest{
		Method: method,
		Path:   path,
		Body:   body,
		Query:  opts.query(),
	}
	if err := c.queue.Enqueue(req); err != nil {
		return err
	}
	return &Error{
		Kind:    KindDeferred,
		Message: fmt.Sprintf("%s %s queued for replay", method, path),
		EntryID: req.ID,
	}
}

// executeOnce performs one network attempt and classifies the outcome.
func (c *Client) executeOnce(ctx context.Context, method, path string, body json.RawMessage, opts *RequestOptions) (*Response, error) {
	u := c.baseURL + path
	if q := opts.query(); len(q) > 0 {
		params := url.Values{}
		for k, v := range q {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, wrapError(KindUnknown, err, "failed to build request")
	}
	c.setHeaders(req, opts)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{StatusCode: resp.StatusCode, Body: data, Headers: resp.Header}, nil
	}

	kind := classifyStatus(resp.StatusCode)
	ge := &Error{
		Kind:       kind,
		Message:    errorMessage(data, resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
	if kind == KindRateLimit {
		ge.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return nil, ge
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "growlog-go/"+Version)
	req.Header.Set("X-Client-Version", Version)
	req.Header.Set("X-Platform", runtime.GOOS)
	for k, v := range c.defaultHeaders {
		req.Header.Set(k, v)
	}
	c.guard.Decorate(req)
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}
}

// defaultRefresh posts the refresh token to the token endpoint. It bypasses
// the dispatch pipeline: a refresh inside a retried request must not recurse
// into retry or queueing.
func (c *Client) defaultRefresh(ctx context.Context, refreshToken string) (*AuthCredential, error) {
	payload, _ := json.Marshal(map[string]string{"refreshToken": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:       classifyStatus(resp.StatusCode),
			Message:    errorMessage(data, resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
	var cred AuthCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, wrapError(KindParsing, err, "failed to decode refresh response")
	}
	return &cred, nil
}

// ============================================================================
// Helpers
// ============================================================================

func encodeBody(body interface{}) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, wrapError(KindParsing, err, "failed to encode request body")
	}
	return data, nil
}

// classifyTransport maps transport-level failures to the taxonomy.
// Cancellation is terminal and passes through untouched.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return wrapError(KindTimeout, err, "request timed out")
	}
	return wrapError(KindNetwork, err, "request failed")
}

// errorMessage extracts the envelope error message, falling back to the
// status text.
func errorMessage(body []byte, status int) string {
	var env Result
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return http.StatusText(status)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ============================================================================
// Domain Sub-Clients
// ============================================================================

// PlantsClient covers the plant registry endpoints.
type PlantsClient struct{ c *Client }

func (p *PlantsClient) List(ctx context.Context) ([]Plant, error) {
	resp, err := p.c.Get(ctx, "/api/v1/plants", nil)
	if err != nil {
		return nil, err
	}
	var plants []Plant
	if err := resp.Decode(&plants); err != nil {
		return nil, err
	}
	return plants, nil
}

func (p *PlantsClient) Get(ctx context.Context, id string) (*Plant, error) {
	resp, err := p.c.Get(ctx, "/api/v1/plants/"+id, nil)
	if err != nil {
		return nil, err
	}
	var plant Plant
	if err := resp.Decode(&plant); err != nil {
		return nil, err
	}
	return &plant, nil
}

func (p *PlantsClient) Create(ctx context.Context, opts *CreatePlantOptions) (*Response, error) {
	return p.c.Post(ctx, "/api/v1/plants", opts, nil)
}

func (p *PlantsClient) UpdateStage(ctx context.Context, id, stage string) (*Response, error) {
	return p.c.Patch(ctx, "/api/v1/plants/"+id, map[string]string{"stage": stage}, nil)
}

func (p *PlantsClient) Delete(ctx context.Context, id string) (*Response, error) {
	return p.c.Delete(ctx, "/api/v1/plants/"+id, nil)
}

// SensorsClient covers sensor reading endpoints.
type SensorsClient struct{ c *Client }

func (s *SensorsClient) Readings(ctx context.Context, q *ReadingsQuery) ([]SensorReading, error) {
	opts := &RequestOptions{Query: map[string]string{}}
	if q != nil {
		if q.RoomID != "" {
			opts.Query["roomId"] = q.RoomID
		}
		if q.Metric != "" {
			opts.Query["metric"] = q.Metric
		}
		if q.Since != "" {
			opts.Query["since"] = q.Since
		}
		if q.Limit > 0 {
			opts.Query["limit"] = strconv.Itoa(q.Limit)
		}
	}
	resp, err := s.c.Get(ctx, "/api/v1/sensors/readings", opts)
	if err != nil {
		return nil, err
	}
	var readings []SensorReading
	if err := resp.Decode(&readings); err != nil {
		return nil, err
	}
	return readings, nil
}

func (s *SensorsClient) Latest(ctx context.Context, roomID string) ([]SensorReading, error) {
	resp, err := s.c.Get(ctx, "/api/v1/rooms/"+roomID+"/latest", nil)
	if err != nil {
		return nil, err
	}
	var readings []SensorReading
	if err := resp.Decode(&readings); err != nil {
		return nil, err
	}
	return readings, nil
}

// HarvestsClient covers harvest logging endpoints.
type HarvestsClient struct{ c *Client }

func (h *HarvestsClient) List(ctx context.Context, plantID string) ([]Harvest, error) {
	opts := &RequestOptions{}
	if plantID != "" {
		opts.Query = map[string]string{"plantId": plantID}
	}
	resp, err := h.c.Get(ctx, "/api/v1/harvests", opts)
	if err != nil {
		return nil, err
	}
	var harvests []Harvest
	if err := resp.Decode(&harvests); err != nil {
		return nil, err
	}
	return harvests, nil
}

func (h *HarvestsClient) Record(ctx context.Context, opts *RecordHarvestOptions) (*Response, error) {
	return h.c.Post(ctx, "/api/v1/harvests", opts, nil)
}
