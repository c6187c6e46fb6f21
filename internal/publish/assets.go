package publish

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"content-autopilot/internal/config"
	"content-autopilot/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Assets renders the article for static hosting: the HTML document plus an
// optional resized cover image, uploaded to S3 (or a local directory when no
// bucket is configured).
type Assets struct {
	coverWidth  int
	coverHeight int
	httpClient  *http.Client
	store       uploader
}

var _ Target = (*Assets)(nil)

// NewAssets builds the asset target, choosing S3 or local storage from config.
func NewAssets(ctx context.Context, cfg config.Config) (*Assets, error) {
	var store uploader = &localStore{baseDir: cfg.AssetLocalDir}
	if cfg.AssetBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = &s3Store{client: client, bucket: cfg.AssetBucket}
	}
	return &Assets{
		coverWidth:  cfg.CoverWidth,
		coverHeight: cfg.CoverHeight,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		store:       store,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AssetRegion),
	}
	if cfg.AssetEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AssetEndpoint,
					HostnameImmutable: cfg.AssetPathStyle,
					SigningRegion:     cfg.AssetRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AssetPathStyle
	}), nil
}

func (a *Assets) Name() string { return "assets" }

// Publish writes <tenant>/<job>/index.html and, when the job payload carries a
// cover_url, a resized cover.jpg next to it. The ref points at the HTML object.
func (a *Assets) Publish(ctx context.Context, job models.Job, article Article) (string, error) {
	prefix := fmt.Sprintf("%s/%s", sanitizeKey(job.TenantID), job.ID)

	if coverURL := firstNonEmpty(article.CoverURL, job.PayloadString("cover_url")); coverURL != "" {
		cover, err := a.renderCover(ctx, coverURL)
		if err != nil {
			return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("render cover: %w", err)}
		}
		if _, err := a.store.Upload(ctx, prefix+"/cover.jpg", cover, "image/jpeg"); err != nil {
			return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("upload cover: %w", err)}
		}
	}

	doc := renderDocument(article)
	ref, err := a.store.Upload(ctx, prefix+"/index.html", []byte(doc), "text/html; charset=utf-8")
	if err != nil {
		return "", &models.UpstreamError{Stage: "publish", Err: fmt.Errorf("upload article: %w", err)}
	}
	return ref, nil
}

// renderCover downloads the source image and resizes it to the configured
// cover dimensions.
func (a *Assets) renderCover(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build cover request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download cover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download cover: status %d", resp.StatusCode)
	}

	const maxCoverBytes = 25 * 1024 * 1024
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read cover: %w", err)
	}
	if len(data) > maxCoverBytes {
		return nil, fmt.Errorf("cover too large (>%d bytes)", maxCoverBytes)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode cover: %w", err)
	}

	width, height := a.coverWidth, a.coverHeight
	if width == 0 && height == 0 {
		width = 1200
	}
	img = imaging.Resize(img, width, height, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

func renderDocument(article Article) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(escapeText(article.Title))
	b.WriteString("</title>\n</head>\n<body>\n")
	b.WriteString(article.HTML)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localStore struct {
	baseDir string
}

func (l *localStore) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
