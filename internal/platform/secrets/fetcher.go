package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	meterScope          = "github.com/stallfront/api/internal/platform/secrets"
	latestVersion       = "latest"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager. Resolved
// values are cached for the process lifetime, and a local fallback file covers
// development environments where the API is unreachable or unauthorized.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	projectByEnv   map[string]string
	defaultProject string
	versionPins    map[string]string

	values   valueCache
	fallback fallbackStore
	rotation rotationHub

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

type fetcherConfig struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectByEnv map[string]string
	versionPins  map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithEnvironment selects which entry of the project map applies.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) {
		cfg.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project used when the environment has no mapping.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies per-environment Secret Manager project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.projectByEnv = cloneStringMap(m)
	}
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithVersionPins pins references to explicit versions, keyed by canonical
// reference or by "env:" prefixed canonical reference.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) {
		cfg.versionPins = cloneStringMap(pins)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured client, used by tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal:
// the fetcher then serves exclusively from the fallback file, which keeps
// local development working without cloud credentials.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectByEnv: map[string]string{},
		versionPins:  map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterScope)
	}

	latency, err := meter.Float64Histogram(
		"secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: latency instrument unavailable", zap.Error(err))
		latency = nil
	}
	cacheHits, err := meter.Int64Counter(
		"secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from the in-process cache"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: cache hit instrument unavailable", zap.Error(err))
		cacheHits = nil
	}

	f := &Fetcher{
		logger:         cfg.logger,
		env:            cfg.env,
		projectByEnv:   cloneStringMap(cfg.projectByEnv),
		defaultProject: cfg.defaultProj,
		versionPins:    cloneStringMap(cfg.versionPins),
		values:         valueCache{entries: make(map[string]cachedValue)},
		fallback:       fallbackStore{path: cfg.fallbackPath},
		rotation:       rotationHub{subs: make(map[string][]chan struct{})},
		latency:        latency,
		cacheHits:      cacheHits,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}

	client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the Secret Manager client and closes rotation channels.
func (f *Fetcher) Close() error {
	f.rotation.closeAll()
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference. Resolution order is
// the in-process cache, then Secret Manager, then the fallback file. Remote
// errors that indicate an environment problem (auth, availability) degrade to
// the fallback file; anything else fails the call.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()

	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return "", err
	}

	version := f.pinVersion(ref)
	key := ref.key(version)

	if value, ok := f.values.get(key); ok {
		f.countCacheHit(ctx, ref)
		f.observe(ctx, start, "cache", nil)
		return value, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.accessRemote(ctx, project, ref.Name, version)
		if err == nil {
			f.values.put(key, value, ref.Canonical, version, "remote")
			f.observe(ctx, start, "remote", nil)
			return value, nil
		}
		if !degradesToFallback(err) {
			f.observe(ctx, start, "error", err)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.Canonical, err)
		}
		f.logger.Debug("secrets: remote fetch degraded to fallback",
			zap.String("ref", ref.Canonical), zap.Error(err))
	}

	value, ok := f.fallback.lookup(f.logger, ref, version)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", ref.Canonical)
		f.observe(ctx, start, "error", err)
		return "", err
	}

	f.values.put(key, value, ref.Canonical, version, "fallback")
	f.observe(ctx, start, "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of the reference and wakes subscribers,
// typically in response to a rotation event.
func (f *Fetcher) Invalidate(rawRef string) {
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return
	}
	f.values.evict(ref.Canonical)
	f.rotation.broadcast(ref.Canonical)
}

// Subscribe returns a channel that receives a signal whenever the reference is
// invalidated, plus a cancel function that releases the subscription.
func (f *Fetcher) Subscribe(rawRef string) (<-chan struct{}, func()) {
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}
	return f.rotation.subscribe(ref.Canonical)
}

func (f *Fetcher) accessRemote(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Payload == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", resource)
	}
	return string(resp.Payload.GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProject)
}

// pinVersion resolves the version to fetch: an explicit version on the reference
// wins, then an environment-scoped pin, then a global pin, then latest.
func (f *Fetcher) pinVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	if f.env != "" {
		if pin := strings.TrimSpace(f.versionPins[f.env+":"+ref.Canonical]); pin != "" {
			return pin
		}
	}
	if pin := strings.TrimSpace(f.versionPins[ref.Canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string, err error) {
	if f.latency == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	f.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (f *Fetcher) countCacheHit(ctx context.Context, ref secretRef) {
	if f.cacheHits == nil {
		return
	}
	f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", fingerprint(ref.Canonical))))
}

// valueCache stores resolved secrets keyed by canonical reference and version.
type valueCache struct {
	mu      sync.RWMutex
	entries map[string]cachedValue
}

type cachedValue struct {
	value     string
	canonical string
	version   string
	fetchedAt time.Time
	source    string
}

func (c *valueCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return entry.value, true
}

func (c *valueCache) put(key, value, canonical, version, source string) {
	c.mu.Lock()
	c.entries[key] = cachedValue{
		value:     value,
		canonical: canonical,
		version:   version,
		fetchedAt: time.Now(),
		source:    source,
	}
	c.mu.Unlock()
}

func (c *valueCache) evict(canonical string) {
	c.mu.Lock()
	for key, entry := range c.entries {
		if entry.canonical == canonical {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// rotationHub fans invalidation signals out to subscribers. Sends never block:
// a subscriber that has not drained its buffered signal simply keeps the one
// already pending.
type rotationHub struct {
	mu   sync.Mutex
	subs map[string][]chan struct{}
}

func (h *rotationHub) subscribe(canonical string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	h.subs[canonical] = append(h.subs[canonical], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		remaining := h.subs[canonical]
		for i, sub := range remaining {
			if sub == ch {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
		if len(remaining) == 0 {
			delete(h.subs, canonical)
		} else {
			h.subs[canonical] = remaining
		}
	}
	return ch, cancel
}

func (h *rotationHub) broadcast(canonical string) {
	h.mu.Lock()
	subs := append([]chan struct{}(nil), h.subs[canonical]...)
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *rotationHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for canonical, subs := range h.subs {
		delete(h.subs, canonical)
		for _, ch := range subs {
			close(ch)
		}
	}
}

// fallbackStore reads KEY=value pairs from a local file once and serves lookups
// from memory. Keys may be canonical secret references or sm:// shorthand.
type fallbackStore struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func (s *fallbackStore) lookup(logger *zap.Logger, ref secretRef, version string) (string, bool) {
	s.once.Do(s.load)

	if s.err != nil {
		logger.Debug("secrets: fallback file unusable", zap.Error(s.err))
		return "", false
	}
	if value, ok := s.values[ref.key(version)]; ok {
		return value, true
	}
	if value, ok := s.values[ref.Canonical]; ok {
		return value, true
	}
	return "", false
}

func (s *fallbackStore) load() {
	s.values = map[string]string{}

	path := strings.TrimSpace(s.path)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = normalizeFallbackKey(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}

		if ref, err := parseSecretRef(key); err == nil {
			version := ref.Version
			if version == "" {
				version = latestVersion
			}
			s.values[ref.Canonical] = value
			s.values[ref.key(version)] = value
		} else {
			s.values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		s.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
	}
}

// secretRef is a parsed secret:// reference. Canonical strips query and
// fragment so the same secret caches under one identity regardless of how the
// version or project was requested.
type secretRef struct {
	Raw       string
	Canonical string
	Name      string
	Version   string
	Project   string
}

func (r secretRef) key(version string) string {
	return r.Canonical + "#" + version
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}

	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		Raw:       raw,
		Canonical: canonical.String(),
		Name:      name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// degradesToFallback reports whether a Secret Manager error should be absorbed
// by consulting the fallback file instead of failing resolution outright.
func degradesToFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func normalizeFallbackKey(key string) string {
	key = strings.TrimSpace(key)
	if rest, ok := strings.CutPrefix(key, "sm://"); ok {
		return "secret://" + rest
	}
	return key
}

func cloneStringMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func fingerprint(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}
