package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	xmlContentType     = "application/xml"
	objectCacheControl = "public, max-age=3600"
)

// Exporter writes generated sitemap XML to a Cloud Storage bucket served by
// the CDN.
type Exporter struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// ExporterOption customises Exporter construction.
type ExporterOption func(*Exporter)

// WithClock injects a custom clock used for object metadata.
func WithClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) {
		if clock != nil {
			e.now = clock
		}
	}
}

// NewExporter constructs an Exporter bound to the given bucket and prefix.
func NewExporter(ctx context.Context, bucket, prefix string, opts []option.ClientOption, exporterOpts ...ExporterOption) (*Exporter, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("storage: bucket name is required")
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}

	exporter := &Exporter{
		client: client,
		bucket: strings.TrimSpace(bucket),
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		now:    time.Now,
	}
	for _, opt := range exporterOpts {
		if opt != nil {
			opt(exporter)
		}
	}
	return exporter, nil
}

// WriteObject uploads one XML document and returns the full object name.
func (e *Exporter) WriteObject(ctx context.Context, name string, data []byte) (string, error) {
	if e == nil || e.client == nil {
		return "", errors.New("storage: exporter not initialised")
	}
	name = strings.Trim(strings.TrimSpace(name), "/")
	if name == "" {
		return "", errors.New("storage: object name is required")
	}

	objectName := name
	if e.prefix != "" {
		objectName = e.prefix + "/" + name
	}

	writer := e.client.Bucket(e.bucket).Object(objectName).NewWriter(ctx)
	writer.ContentType = xmlContentType
	writer.CacheControl = objectCacheControl
	writer.Metadata = map[string]string{
		"generated-at": e.now().UTC().Format(time.RFC3339),
	}

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("storage: write object %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage: finalise object %s: %w", objectName, err)
	}
	return objectName, nil
}

// Close releases the underlying client.
func (e *Exporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}
