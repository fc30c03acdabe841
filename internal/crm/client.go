package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

// Rate-limit contexts. Reads share the default window; record mutations run
// under a tighter window; event logging gets its own, more generous one.
const (
	ContextPeople      = "people"
	ContextPeopleWrite = "people-write"
	ContextEvents      = "events"

	// limiterKey identifies this client in the shared rate limiter.
	limiterKey = "crm"
)

// Cache key prefixes. Writes invalidate by prefix rather than flushing.
const (
	keyPerson = "person:"
	keyPeople = "people:"
)

// Client talks to the remote CRM with rate limiting, response caching and
// retries layered around every call. Safe for concurrent use.
type Client struct {
	baseURL   string
	apiKey    string
	systemKey string

	httpClient *http.Client
	limiter    *resilience.RateLimiter
	cache      *resilience.ResponseCache
	logger     *slog.Logger
	retryCfg   resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	metrics    *resilience.Metrics

	// One invoker per rate context so each attempt re-admits under the
	// context that matches the operation.
	readInv  *resilience.Invoker
	writeInv *resilience.Invoker
	eventInv *resilience.Invoker

	sf *singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithSystemKey sends the extra system key header that raises rate tiers.
func WithSystemKey(key string) Option {
	return func(c *Client) { c.systemKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter attaches local admission control.
func WithRateLimiter(l *resilience.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithResponseCache attaches a read cache.
func WithResponseCache(rc *resilience.ResponseCache) Option {
	return func(c *Client) { c.cache = rc }
}

// WithRetryConfig overrides retry behavior.
func WithRetryConfig(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithBreaker attaches a circuit breaker shared by all three rate contexts.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *resilience.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSingleFlight collapses concurrent identical person reads into one
// upstream call. Off by default; the cache alone only prevents future
// duplicates, not concurrent ones.
func WithSingleFlight() Option {
	return func(c *Client) { c.sf = new(singleflight.Group) }
}

// New creates a CRM client.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, resilience.NewError(resilience.KindValidation, "crm base url must not be empty", nil)
	}
	if apiKey == "" {
		return nil, resilience.NewError(resilience.KindValidation, "crm api key must not be empty", nil)
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		retryCfg:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.readInv, err = c.newInvoker(ContextPeople); err != nil {
		return nil, err
	}
	if c.writeInv, err = c.newInvoker(ContextPeopleWrite); err != nil {
		return nil, err
	}
	if c.eventInv, err = c.newInvoker(ContextEvents); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) newInvoker(rateContext string) (*resilience.Invoker, error) {
	opts := []resilience.InvokerOption{
		resilience.WithInvokerLogger(c.logger),
		resilience.WithAdmission(c.admit(rateContext)),
	}
	if c.breaker != nil {
		opts = append(opts, resilience.WithBreaker(c.breaker))
	}
	if c.metrics != nil {
		opts = append(opts, resilience.WithInvokerMetrics(c.metrics))
	}
	return resilience.NewInvoker(c.httpClient, c.retryCfg, opts...)
}

// admit builds the per-attempt admission hook for one rate context. The
// invoker calls it on every attempt, so a retry is a fresh admission event.
func (c *Client) admit(rateContext string) resilience.AdmitFunc {
	return func(context.Context) error {
		if c.limiter == nil {
			return nil
		}
		d, err := c.limiter.Admit(limiterKey, rateContext)
		if err != nil {
			return err
		}
		if !d.Allowed {
			return &resilience.Error{
				Kind:       resilience.KindRateLimited,
				Message:    fmt.Sprintf("crm %s admission denied", rateContext),
				RetryAfter: d.RetryAfter,
			}
		}
		return nil
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("crm: marshal request: %w", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.apiKey, "")
	if c.systemKey != "" {
		req.Header.Set("X-System-Key", c.systemKey)
	}
	return req, nil
}

// do runs one call through an invoker and decodes the JSON response into out
// (skipped when out is nil or the remote sends no content).
func (c *Client) do(ctx context.Context, inv *resilience.Invoker, method, path string, body, out any) error {
	resp, err := inv.Do(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, method, path, body)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crm: decode response: %w", err)
	}
	return nil
}

// GetPerson fetches one person, serving cached copies while fresh. A remote
// 404 surfaces as a not-found error.
func (c *Client) GetPerson(ctx context.Context, id string) (*Person, error) {
	if id == "" {
		return nil, resilience.NewError(resilience.KindValidation, "person id must not be empty", nil)
	}

	key := keyPerson + id
	if c.cache != nil {
		if entry, ok := c.cache.Get(ctx, key); ok {
			var p Person
			if err := json.Unmarshal(entry.Value, &p); err == nil {
				return &p, nil
			}
		}
	}

	fetch := func() (*Person, error) {
		var p Person
		if err := c.do(ctx, c.readInv, http.MethodGet, "/v1/people/"+url.PathEscape(id), nil, &p); err != nil {
			return nil, err
		}
		c.cachePut(ctx, key, p)
		return &p, nil
	}

	if c.sf != nil {
		v, err, _ := c.sf.Do(key, func() (any, error) { return fetch() })
		if err != nil {
			return nil, err
		}
		return v.(*Person), nil
	}
	return fetch()
}

// ListPeople returns one page of people matching the filter. Pages are
// cached under the normalized filter fingerprint.
func (c *Client) ListPeople(ctx context.Context, filter ListFilter) (*Page, error) {
	key := keyPeople + filterFingerprint(filter)
	if c.cache != nil {
		if entry, ok := c.cache.Get(ctx, key); ok {
			var page Page
			if err := json.Unmarshal(entry.Value, &page); err == nil {
				return &page, nil
			}
		}
	}

	var page Page
	if err := c.do(ctx, c.readInv, http.MethodGet, "/v1/people?"+listQuery(filter), nil, &page); err != nil {
		return nil, err
	}
	c.cachePut(ctx, key, page)
	return &page, nil
}

func listQuery(f ListFilter) string {
	q := url.Values{}
	if f.Email != "" {
		q.Set("email", NormalizeEmail(f.Email))
	}
	if f.Phone != "" {
		q.Set("phone", NormalizePhone(f.Phone))
	}
	if f.Stage != "" {
		q.Set("stage", f.Stage)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Cursor != "" {
		q.Set("next", f.Cursor)
	}
	return q.Encode()
}

// FindPerson looks up a person by email or phone for deduplication. Email
// takes precedence when both are given. Zero matches is not an error.
func (c *Client) FindPerson(ctx context.Context, email, phone string) (*Person, error) {
	filter := ListFilter{Limit: 1}
	switch {
	case NormalizeEmail(email) != "":
		filter.Email = email
	case NormalizePhone(phone) != "":
		filter.Phone = phone
	default:
		return nil, resilience.NewError(resilience.KindValidation, "find needs an email or phone", nil)
	}

	page, err := c.ListPeople(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(page.People) == 0 {
		return nil, nil
	}
	p := page.People[0]
	return &p, nil
}

// UpsertPerson creates or updates a person keyed by normalized email or
// phone identity. It reports whether a new record was created. Any cached
// person or listing that could now be stale is invalidated by prefix.
func (c *Client) UpsertPerson(ctx context.Context, in PersonInput) (*Person, bool, error) {
	in = normalizeInput(in)
	if len(in.Emails) == 0 && len(in.Phones) == 0 {
		return nil, false, resilience.NewError(resilience.KindValidation,
			"upsert needs at least one email or phone", nil)
	}

	var email, phone string
	if len(in.Emails) > 0 {
		email = in.Emails[0].Value
	}
	if len(in.Phones) > 0 {
		phone = in.Phones[0].Value
	}
	existing, err := c.FindPerson(ctx, email, phone)
	if err != nil {
		return nil, false, err
	}

	var (
		out     Person
		created bool
	)
	if existing != nil {
		err = c.do(ctx, c.writeInv, http.MethodPut, "/v1/people/"+url.PathEscape(existing.ID), in, &out)
	} else {
		created = true
		err = c.do(ctx, c.writeInv, http.MethodPost, "/v1/people", in, &out)
	}
	if err != nil {
		return nil, false, err
	}

	c.invalidateAll(ctx)
	return &out, created, nil
}

// DeletePerson removes a person record.
func (c *Client) DeletePerson(ctx context.Context, id string) error {
	if id == "" {
		return resilience.NewError(resilience.KindValidation, "person id must not be empty", nil)
	}
	if err := c.do(ctx, c.writeInv, http.MethodDelete, "/v1/people/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	c.invalidateAll(ctx)
	return nil
}

// AddTag appends one tag to a person and invalidates the cached copy.
func (c *Client) AddTag(ctx context.Context, id, tag string) error {
	if id == "" || tag == "" {
		return resilience.NewError(resilience.KindValidation, "tag add needs a person id and tag", nil)
	}
	body := map[string][]string{"tags": {tag}}
	if err := c.do(ctx, c.writeInv, http.MethodPut, "/v1/people/"+url.PathEscape(id)+"/tags", body, nil); err != nil {
		return err
	}
	c.invalidatePerson(ctx, id)
	return nil
}

// UpdateStage moves a person to a new lifecycle stage and invalidates the
// cached copy.
func (c *Client) UpdateStage(ctx context.Context, id, stage string) error {
	if id == "" || stage == "" {
		return resilience.NewError(resilience.KindValidation, "stage update needs a person id and stage", nil)
	}
	body := map[string]string{"stage": stage}
	if err := c.do(ctx, c.writeInv, http.MethodPut, "/v1/people/"+url.PathEscape(id), body, nil); err != nil {
		return err
	}
	c.invalidatePerson(ctx, id)
	return nil
}

// CreateEvent appends an activity record. Events run under their own, more
// generous rate context; they log activity rather than mutate records.
func (c *Client) CreateEvent(ctx context.Context, ev Event) error {
	if ev.PersonID == "" || ev.Type == "" {
		return resilience.NewError(resilience.KindValidation, "event needs a person id and type", nil)
	}
	return c.do(ctx, c.eventInv, http.MethodPost, "/v1/events", ev, nil)
}

func (c *Client) cachePut(ctx context.Context, key string, v any) {
	if c.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.cache.Put(ctx, key, &resilience.Entry{Value: raw})
}

func (c *Client) invalidatePerson(ctx context.Context, id string) {
	if c.cache == nil {
		return
	}
	c.cache.Invalidate(ctx, keyPerson+id)
	// Listings may embed the person; drop them too.
	c.cache.InvalidatePrefix(ctx, keyPeople)
}

func (c *Client) invalidateAll(ctx context.Context) {
	if c.cache == nil {
		return
	}
	c.cache.InvalidatePrefix(ctx, keyPerson)
	c.cache.InvalidatePrefix(ctx, keyPeople)
}
