package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile          = ".env"
	defaultPort             = "8080"
	defaultReadTimeout      = 15 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 120 * time.Second
	defaultSiteID           = "default"
	defaultSitemapMaxURLs   = 50000
	defaultSitemapCacheTTL  = time.Hour
	defaultMetadataCacheTTL = 5 * time.Minute
	defaultStatsCacheTTL    = 10 * time.Minute
	defaultCacheSweep       = 10 * time.Minute
	defaultBulkAdminLimit   = 500
	defaultBulkEditorLimit  = 100
	defaultAuditRetention   = 2 * 365 * 24 * time.Hour
	defaultAuditPageLimit   = 100
	defaultRevalTimeout     = 3 * time.Second
	defaultRevalAttempts    = 3
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server       ServerConfig
	Firebase     FirebaseConfig
	Firestore    FirestoreConfig
	Site         SiteConfig
	Sitemap      SitemapConfig
	Bulk         BulkConfig
	Audit        AuditConfig
	Cache        CacheConfig
	Revalidation RevalidationConfig
	Events       EventsConfig
	Security     SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used for token verification.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// SiteConfig describes the site the metadata registry serves.
type SiteConfig struct {
	BaseURL       string
	DefaultSiteID string
	CatalogFile   string
}

// SitemapConfig tunes sitemap emission and export.
type SitemapConfig struct {
	MaxURLsPerFile int
	ExportBucket   string
	ExportPrefix   string
}

// BulkConfig holds per-role item ceilings for bulk operations.
type BulkConfig struct {
	RoleLimits   map[string]int
	DefaultLimit int
}

// LimitForRole returns the configured ceiling for the given role.
func (b BulkConfig) LimitForRole(role string) int {
	if limit, ok := b.RoleLimits[strings.ToLower(strings.TrimSpace(role))]; ok && limit > 0 {
		return limit
	}
	return b.DefaultLimit
}

// AuditConfig controls audit log retention and query bounds.
type AuditConfig struct {
	Retention   time.Duration
	MaxPageSize int
}

// CacheConfig holds TTLs for the in-memory memoization layer.
type CacheConfig struct {
	MetadataTTL   time.Duration
	SitemapTTL    time.Duration
	StatsTTL      time.Duration
	SweepInterval time.Duration
}

// RevalidationConfig describes the best-effort frontend revalidation ping.
type RevalidationConfig struct {
	Endpoint    string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
}

// EventsConfig configures best-effort page-change event publishing.
type EventsConfig struct {
	ProjectID string
	TopicID   string
}

// Enabled reports whether event publishing is configured.
func (e EventsConfig) Enabled() bool {
	return e.ProjectID != "" && e.TopicID != ""
}

// SecurityConfig groups internal service token settings.
type SecurityConfig struct {
	ServiceTokenSecret   string
	ServiceTokenAudience string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map). Callers can use the result
// to initialise dependencies, such as the secret fetcher, before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			values[key] = parts[1]
		}
	}

	merge(options.envMap)

	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Site: SiteConfig{
			BaseURL:       strings.TrimRight(stringWithDefault(lookup, "API_SITE_BASE_URL", ""), "/"),
			DefaultSiteID: stringWithDefault(lookup, "API_SITE_DEFAULT_ID", defaultSiteID),
			CatalogFile:   stringWithDefault(lookup, "API_SITE_CATALOG_FILE", ""),
		},
		Sitemap: SitemapConfig{
			MaxURLsPerFile: intWithDefault(lookup, "API_SITEMAP_MAX_URLS_PER_FILE", defaultSitemapMaxURLs),
			ExportBucket:   stringWithDefault(lookup, "API_SITEMAP_EXPORT_BUCKET", ""),
			ExportPrefix:   stringWithDefault(lookup, "API_SITEMAP_EXPORT_PREFIX", "sitemaps"),
		},
		Bulk: BulkConfig{
			RoleLimits:   intMapWithDefault(lookup, "API_BULK_ROLE_LIMITS", map[string]int{"admin": defaultBulkAdminLimit, "editor": defaultBulkEditorLimit}),
			DefaultLimit: intWithDefault(lookup, "API_BULK_DEFAULT_LIMIT", defaultBulkEditorLimit),
		},
		Audit: AuditConfig{
			Retention:   durationWithDefault(lookup, "API_AUDIT_RETENTION", defaultAuditRetention),
			MaxPageSize: intWithDefault(lookup, "API_AUDIT_MAX_PAGE_SIZE", defaultAuditPageLimit),
		},
		Cache: CacheConfig{
			MetadataTTL:   durationWithDefault(lookup, "API_CACHE_METADATA_TTL", defaultMetadataCacheTTL),
			SitemapTTL:    durationWithDefault(lookup, "API_CACHE_SITEMAP_TTL", defaultSitemapCacheTTL),
			StatsTTL:      durationWithDefault(lookup, "API_CACHE_STATS_TTL", defaultStatsCacheTTL),
			SweepInterval: durationWithDefault(lookup, "API_CACHE_SWEEP_INTERVAL", defaultCacheSweep),
		},
		Revalidation: RevalidationConfig{
			Endpoint:    stringWithDefault(lookup, "API_REVALIDATION_ENDPOINT", ""),
			Token:       stringWithDefault(lookup, "API_REVALIDATION_TOKEN", ""),
			Timeout:     durationWithDefault(lookup, "API_REVALIDATION_TIMEOUT", defaultRevalTimeout),
			MaxAttempts: intWithDefault(lookup, "API_REVALIDATION_MAX_ATTEMPTS", defaultRevalAttempts),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			TopicID:   stringWithDefault(lookup, "API_EVENTS_TOPIC_ID", ""),
		},
		Security: SecurityConfig{
			ServiceTokenSecret:   stringWithDefault(lookup, "API_SECURITY_SERVICE_TOKEN_SECRET", ""),
			ServiceTokenAudience: stringWithDefault(lookup, "API_SECURITY_SERVICE_TOKEN_AUDIENCE", "sitewise-internal"),
		},
	}

	// Firestore and events projects default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.TopicID != "" && cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []*string{
		&cfg.Revalidation.Token,
		&cfg.Security.ServiceTokenSecret,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Site.BaseURL == "" {
		missing = append(missing, "Site.BaseURL")
	}
	if cfg.Site.DefaultSiteID == "" {
		missing = append(missing, "Site.DefaultSiteID")
	}
	if cfg.Sitemap.MaxURLsPerFile <= 0 {
		missing = append(missing, "Sitemap.MaxURLsPerFile")
	}
	if cfg.Bulk.DefaultLimit <= 0 {
		missing = append(missing, "Bulk.DefaultLimit")
	}
	if cfg.Audit.Retention <= 0 {
		missing = append(missing, "Audit.Retention")
	}
	if cfg.Audit.MaxPageSize <= 0 {
		missing = append(missing, "Audit.MaxPageSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
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
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// intMapWithDefault parses "role=limit" pairs separated by commas,
// e.g. "admin=500,editor=100".
func intMapWithDefault(lookup func(string) (string, bool), key string, fallback map[string]int) map[string]int {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		out := make(map[string]int, len(fallback))
		for name, limit := range fallback {
			out[name] = limit
		}
		return out
	}
	values := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if name == "" || err != nil || limit <= 0 {
			continue
		}
		values[name] = limit
	}
	if len(values) == 0 {
		for name, limit := range fallback {
			values[name] = limit
		}
	}
	return values
}
