// Package httpsource reads the remote GTFS archive over HTTP: a HEAD probe for
// change detection and a GET for the archive body.
package httpsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/transitwatch/gtfs-sync/internal/domain/feed"
	"github.com/transitwatch/gtfs-sync/pkg/common/logger"
)

// DefaultMaxArchiveBytes caps the archive body read into memory.
const DefaultMaxArchiveBytes int64 = 512 << 20

// Config configures the feed client.
type Config struct {
	URL string
	// Timeout bounds each request. Zero disables the client-side timeout.
	Timeout time.Duration
	// MaxArchiveBytes caps the downloaded body. Zero selects
	// DefaultMaxArchiveBytes.
	MaxArchiveBytes int64
}

var _ feed.Source = (*Source)(nil)

// Source is a feed.Source backed by an HTTP server.
type Source struct {
	url      string
	maxBytes int64
	client   *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a source for cfg.URL. Requests are traced through otelhttp.
func New(cfg Config, logger *logger.Logger, tracer trace.Tracer) *Source {
	maxBytes := cfg.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArchiveBytes
	}

	return &Source{
		url:      cfg.URL,
		maxBytes: maxBytes,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("component", "http_feed_source"),
		tracer: tracer,
	}
}

// LastModified issues a HEAD request and parses its Last-Modified header.
func (s *Source) LastModified(ctx context.Context) (time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "feed.head",
		trace.WithAttributes(attribute.String("feed.url", s.url)))
	defer span.End()

	resp, err := s.do(ctx, http.MethodHead)
	if err != nil {
		span.RecordError(err)
		return time.Time{}, err
	}
	defer resp.Body.Close()

	modified, err := parseLastModified(resp.Header)
	if err != nil {
		span.RecordError(err)
		return time.Time{}, err
	}
	s.logger.Debug(ctx, "Probed feed", "remote_modified", modified)

	return modified, nil
}

// Fetch downloads the archive body. The snapshot's LastModified is taken from
// the GET response and left zero when the header is absent.
func (s *Source) Fetch(ctx context.Context) (*feed.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "feed.get",
		trace.WithAttributes(attribute.String("feed.url", s.url)))
	defer span.End()

	resp, err := s.do(ctx, http.MethodGet)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("reading feed body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("feed archive exceeds %d bytes", s.maxBytes)
	}

	snap := &feed.Snapshot{Data: data}
	if modified, err := parseLastModified(resp.Header); err == nil {
		snap.LastModified = modified
	}
	span.SetAttributes(attribute.Int("feed.bytes", len(data)))

	return snap, nil
}

func (s *Source) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", method, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, s.url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &feed.HTTPStatusError{Method: method, URL: s.url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// parseLastModified accepts the HTTP date formats, RFC 1123 with GMT first.
func parseLastModified(h http.Header) (time.Time, error) {
	v := h.Get("Last-Modified")
	if v == "" {
		return time.Time{}, feed.ErrMissingLastModified
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid Last-Modified %q: %w", v, err)
	}
	return t.UTC(), nil
}
