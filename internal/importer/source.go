package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Opener opens the content of an import input.
type Opener interface {
	Open(ctx context.Context, in Input) (io.ReadCloser, error)
}

// S3API is the part of the S3 client used for imports.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config configures the client used for s3:// inputs.
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// NewS3Client builds an S3 client. Static credentials are used when both
// keys are set; otherwise the default credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Sources opens http(s), s3 and file inputs and decompresses them by
// suffix.
type Sources struct {
	HTTP *http.Client
	S3   S3API
}

// NewSources creates an opener. s3Client may be nil when s3:// inputs are
// not used.
func NewSources(s3Client S3API) *Sources {
	return &Sources{
		HTTP: &http.Client{Timeout: 10 * time.Minute},
		S3:   s3Client,
	}
}

// Open implements Opener.
func (s *Sources) Open(ctx context.Context, in Input) (io.ReadCloser, error) {
	u, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, in.URL)
	}

	var rc io.ReadCloser
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		rc, err = s.openHTTP(ctx, in)
	case "s3":
		rc, err = s.openS3(ctx, u, in.ETag)
	case "file":
		rc, err = openFile(u.Path, in.ETag)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, in.URL)
	}
	if err != nil {
		return nil, err
	}
	return decompress(u.Path, rc)
}

func (s *Sources) openHTTP(ctx context.Context, in Input) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return nil, err
	}
	if in.ETag != "" {
		req.Header.Set("If-Match", in.ETag)
	}

	resp, err := s.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrETagMismatch, in.URL)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", in.URL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Sources) openS3(ctx context.Context, u *url.URL, etag string) (io.ReadCloser, error) {
	if s.S3 == nil {
		return nil, fmt.Errorf("%w: no s3 client configured", ErrUnsupportedURL)
	}
	bucket, key := u.Host, strings.TrimPrefix(u.Path, "/")

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if etag != "" {
		input.IfMatch = aws.String(etag)
	}

	out, err := s.S3.GetObject(ctx, input)
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrETagMismatch, bucket, key)
		}
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// FileETag is the entity tag reported for local files.
func FileETag(info os.FileInfo) string {
	return fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size())
}

func openFile(name, etag string) (io.ReadCloser, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if FileETag(info) != etag {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrETagMismatch, name)
		}
	}
	return f, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// decompress wraps rc according to the file suffix.
func decompress(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch path.Ext(name) {
	case ".gz":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("open gzip input: %w", err)
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return rc.Close()
		}}, nil
	case ".zst":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("open zstd input: %w", err)
		}
		return readCloser{Reader: zr, close: func() error {
			zr.Close()
			return rc.Close()
		}}, nil
	case ".sz":
		return readCloser{Reader: snappy.NewReader(rc), close: rc.Close}, nil
	default:
		return rc, nil
	}
}
