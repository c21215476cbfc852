package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultMaxBytes     = 10 << 20
	defaultFetchTimeout = 15 * time.Second
)

var (
	// ErrAudioTooLarge is returned when a fetched clip exceeds the size cap.
	ErrAudioTooLarge = errors.New("transcribe: audio exceeds size limit")

	// ErrUnsupportedScheme is returned for audio URLs other than http, https
	// and s3.
	ErrUnsupportedScheme = errors.New("transcribe: unsupported audio url scheme")

	// ErrS3Disabled is returned for s3:// URLs when no S3 client is set.
	ErrS3Disabled = errors.New("transcribe: s3 audio urls are not enabled")

	// ErrAudioURLNotAllowed is returned for hosts, buckets or keys outside
	// the configured allow-lists, including redirect targets.
	ErrAudioURLNotAllowed = errors.New("transcribe: audio url is not allowed")
)

// ObjectGetter is the subset of the S3 client used to download clips.
// *s3.Client satisfies it.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds the settings for [NewS3Client].
type S3Config struct {
	Region string
	// Endpoint is an optional custom endpoint for MinIO, LocalStack, etc.
	Endpoint string
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// FetcherOption configures a [Fetcher].
type FetcherOption func(*Fetcher)

// WithMaxBytes caps the size of a downloaded clip. Default: 10 MiB.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithFetchTimeout bounds a single download. Default: 15s.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithHTTPClient replaces the client used for http(s) URLs.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithAllowedHosts sets the hosts that http(s) URLs may point at. An entry
// "*.example.com" matches every subdomain of example.com but not the apex.
// With no hosts every http(s) URL is rejected.
func WithAllowedHosts(hosts ...string) FetcherOption {
	return func(f *Fetcher) {
		for _, h := range hosts {
			f.hosts = append(f.hosts, strings.ToLower(strings.TrimSpace(h)))
		}
	}
}

// WithAllowedBuckets sets the buckets that s3 URLs may name. With no buckets
// every s3 URL is rejected.
func WithAllowedBuckets(buckets ...string) FetcherOption {
	return func(f *Fetcher) {
		f.buckets = append(f.buckets, buckets...)
	}
}

// WithTenantPrefix requires s3 object keys to start with "<tenant>/".
func WithTenantPrefix(on bool) FetcherOption {
	return func(f *Fetcher) {
		f.tenantPrefix = on
	}
}

// WithS3 enables s3://bucket/key URLs.
func WithS3(client ObjectGetter) FetcherOption {
	return func(f *Fetcher) {
		f.s3 = client
	}
}

// Fetcher downloads audio clips referenced by URL.
type Fetcher struct {
	httpClient   *http.Client
	s3           ObjectGetter
	maxBytes     int64
	timeout      time.Duration
	hosts        []string
	buckets      []string
	tenantPrefix bool
}

// NewFetcher returns a Fetcher for http(s) URLs on the allowed hosts, plus s3
// URLs in the allowed buckets when [WithS3] is given.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{},
		maxBytes:   defaultMaxBytes,
		timeout:    defaultFetchTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	client := *f.httpClient
	client.CheckRedirect = f.checkRedirect
	f.httpClient = &client
	return f
}

// Fetch downloads rawURL on behalf of tenantID and returns its bytes and
// content type. The content type is taken from the response metadata, falling
// back to the file extension.
func (f *Fetcher) Fetch(ctx context.Context, tenantID, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: parse audio url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	switch u.Scheme {
	case "http", "https":
		if !f.hostAllowed(u) {
			return nil, "", fmt.Errorf("%w: host %q", ErrAudioURLNotAllowed, u.Hostname())
		}
		return f.fetchHTTP(ctx, u)
	case "s3":
		return f.fetchS3(ctx, tenantID, u)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) hostAllowed(u *url.URL) bool {
	if u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, h := range f.hosts {
		if suffix, ok := strings.CutPrefix(h, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == h {
			return true
		}
	}
	return false
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return errors.New("transcribe: too many redirects")
	}
	if !f.hostAllowed(req.URL) {
		return fmt.Errorf("%w: redirect to %q", ErrAudioURLNotAllowed, req.URL.Hostname())
	}
	return nil
}

// keyAllowed reports whether tenantID may read bucket/key.
func (f *Fetcher) keyAllowed(tenantID, bucket, key string) bool {
	if !slices.Contains(f.buckets, bucket) {
		return false
	}
	if path.Clean("/"+key) != "/"+key {
		return false
	}
	if f.tenantPrefix {
		return tenantID != "" && strings.HasPrefix(key, tenantID+"/")
	}
	return true
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: create request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("transcribe: fetch audio: HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, resp.ContentLength)
	}
	data, err := f.readCapped(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, contentType(resp.Header.Get("Content-Type"), u.Path), nil
}

func (f *Fetcher) fetchS3(ctx context.Context, tenantID string, u *url.URL) ([]byte, string, error) {
	if f.s3 == nil {
		return nil, "", ErrS3Disabled
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, "", fmt.Errorf("transcribe: s3 url must be s3://bucket/key, got %q", u.String())
	}
	if !f.keyAllowed(tenantID, bucket, key) {
		return nil, "", fmt.Errorf("%w: s3://%s/%s", ErrAudioURLNotAllowed, bucket, key)
	}

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("transcribe: s3 get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrAudioTooLarge, *out.ContentLength)
	}
	data, err := f.readCapped(out.Body)
	if err != nil {
		return nil, "", err
	}
	return data, contentType(aws.ToString(out.ContentType), key), nil
}

// readCapped reads at most maxBytes and fails if the body is longer.
func (f *Fetcher) readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("transcribe: read audio: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrAudioTooLarge
	}
	return data, nil
}

// contentType normalises header, falling back to the extension of name.
func contentType(header, name string) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	}
	return ""
}
