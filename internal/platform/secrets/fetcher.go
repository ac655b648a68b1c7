package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
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
	"google.golang.org/grpc/status"
)

const (
	defaultFallbackPath = ".secrets.local"
	meterNamespace      = "github.com/sitewise/api/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references using Google Secret Manager with
// in-process caching and an optional local fallback file.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger        *zap.Logger
	defaultProjID string

	fallbackPath string
	fallbackOnce sync.Once
	fallbackVals map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]cacheEntry

	latency        metric.Float64Histogram
	latencyEnabled bool
	hits           metric.Int64Counter
	hitsEnabled    bool
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
	source    string
}

type fetcherConfig struct {
	logger       *zap.Logger
	defaultProj  string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) {
		cfg.logger = logger
	}
}

// WithDefaultProject configures the project ID used for short secret references.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) {
		cfg.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile overrides the path to the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) {
		cfg.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) {
		cfg.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client (primarily for tests).
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) {
		cfg.client = client
	}
}

// WithClientOptions forwards extra options to the Secret Manager client constructor.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) {
		cfg.clientOpts = append(cfg.clientOpts, opts...)
	}
}

// NewFetcher constructs a Fetcher ready to resolve secret references.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		fallbackPath: defaultFallbackPath,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	fetcher := &Fetcher{
		logger:        cfg.logger,
		defaultProjID: cfg.defaultProj,
		fallbackPath:  cfg.fallbackPath,
		cache:         make(map[string]cacheEntry),
	}

	if cfg.client != nil {
		fetcher.client = cfg.client
	} else {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		fetcher.client = client
		fetcher.ownsClient = true
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.Meter(meterNamespace)
	}
	if histogram, err := meter.Float64Histogram("secrets.fetch.duration", metric.WithUnit("ms")); err == nil {
		fetcher.latency = histogram
		fetcher.latencyEnabled = true
	}
	if counter, err := meter.Int64Counter("secrets.cache.hits"); err == nil {
		fetcher.hits = counter
		fetcher.hitsEnabled = true
	}

	return fetcher, nil
}

// Close releases the underlying client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f == nil || f.client == nil || !f.ownsClient {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret resolves a secret:// or sm:// reference, consulting the cache,
// Secret Manager, and finally the local fallback file.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	if f == nil {
		return "", errors.New("secrets: fetcher not initialised")
	}

	name, err := f.resourceName(ref)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	entry, cached := f.cache[name]
	f.mu.RUnlock()
	if cached {
		f.recordHit(ctx, entry.source)
		return entry.value, nil
	}

	start := time.Now()
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	f.recordLatency(ctx, time.Since(start), err)
	if err != nil {
		if value, ok := f.fallbackLookup(name); ok {
			f.logger.Warn("secret resolved from fallback file",
				zap.String("secret", name),
				zap.String("reason", status.Code(err).String()),
			)
			f.store(name, value, "fallback")
			return value, nil
		}
		return "", fmt.Errorf("secrets: access %s: %w", name, err)
	}

	value := strings.TrimSpace(string(resp.GetPayload().GetData()))
	if value == "" {
		return "", fmt.Errorf("secrets: secret %s resolved empty", name)
	}

	f.store(name, value, "secretmanager")
	return value, nil
}

// resourceName normalises a reference into a full Secret Manager version name.
// Accepted forms: a full "projects/.../secrets/.../versions/..." path or a
// bare secret name resolved against the default project at version latest.
func (f *Fetcher) resourceName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	trimmed = strings.TrimPrefix(trimmed, "secret://")
	trimmed = strings.TrimPrefix(trimmed, "sm://")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", errors.New("secrets: empty secret reference")
	}

	if strings.HasPrefix(trimmed, "projects/") {
		if !strings.Contains(trimmed, "/versions/") {
			trimmed += "/versions/latest"
		}
		return trimmed, nil
	}

	if f.defaultProjID == "" {
		return "", fmt.Errorf("secrets: reference %q requires a default project", ref)
	}

	parts := strings.SplitN(trimmed, "/", 2)
	version := "latest"
	if len(parts) == 2 && parts[1] != "" {
		version = parts[1]
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.defaultProjID, parts[0], version), nil
}

func (f *Fetcher) store(name, value, source string) {
	f.mu.Lock()
	f.cache[name] = cacheEntry{value: value, fetchedAt: time.Now(), source: source}
	f.mu.Unlock()
}

func (f *Fetcher) recordHit(ctx context.Context, source string) {
	if !f.hitsEnabled {
		return
	}
	f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) recordLatency(ctx context.Context, elapsed time.Duration, err error) {
	if !f.latencyEnabled {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = status.Code(err).String()
	}
	f.latency.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// fallbackLookup consults the local fallback file, keyed by the secret's short
// name. The file holds KEY=VALUE lines and is only read once.
func (f *Fetcher) fallbackLookup(name string) (string, bool) {
	f.fallbackOnce.Do(func() {
		f.fallbackVals, f.fallbackErr = loadFallbackFile(f.fallbackPath)
		if f.fallbackErr != nil {
			f.logger.Debug("fallback secrets unavailable", zap.Error(f.fallbackErr))
		}
	})
	if f.fallbackErr != nil || len(f.fallbackVals) == 0 {
		return "", false
	}
	value, ok := f.fallbackVals[shortSecretName(name)]
	return value, ok
}

func shortSecretName(resource string) string {
	parts := strings.Split(resource, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "secrets" {
			return parts[i+1]
		}
	}
	return resource
}

func loadFallbackFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
