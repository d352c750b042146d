package worker

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
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

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/models"
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageMirror downloads the extracted product image, scales it to a
// thumbnail and stores it locally or in S3. The stored location is written to
// ParsedProduct.ThumbnailURL.
type ImageMirror struct {
	httpClient *http.Client
	uploader   imageUploader
	width      int
	maxBytes   int64
	userAgent  string
}

// NewImageMirror picks S3 when a bucket is configured, the local directory otherwise.
func NewImageMirror(ctx context.Context, cfg config.Config) (*ImageMirror, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	var uploader imageUploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	} else {
		baseDir := cfg.ImageOutputDir
		if baseDir == "" {
			baseDir = "./thumbnails"
		}
		uploader = &localUploader{baseDir: baseDir}
	}

	width := cfg.ImageThumbWidth
	if width <= 0 {
		width = 320
	}
	maxBytes := cfg.ImageMaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}

	return &ImageMirror{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   uploader,
		width:      width,
		maxBytes:   maxBytes,
		userAgent:  cfg.UserAgent,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

func (m *ImageMirror) Name() string { return "image_mirror" }

// Enrich mirrors p.ImageURL. Products without an image are left untouched.
func (m *ImageMirror) Enrich(ctx context.Context, p *models.ParsedProduct) error {
	if p.ImageURL == "" {
		return nil
	}

	data, contentType, err := m.download(ctx, p.ImageURL)
	if err != nil {
		return err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > m.width {
		img = imaging.Resize(img, m.width, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}

	key := thumbnailKey(p.ImageURL, outputFormat)
	location, err := m.uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	p.ThumbnailURL = location
	return nil
}

func (m *ImageMirror) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if m.userAgent != "" {
		req.Header.Set("User-Agent", m.userAgent)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > m.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", m.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// thumbnailKey derives a stable object key from the source image URL, so the
// same image is stored once.
func thumbnailKey(sourceURL string, format imaging.Format) string {
	sum := sha1.Sum([]byte(sourceURL))
	return "thumbs/" + hex.EncodeToString(sum[:]) + "." + formatExtension(format)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

// chooseFormat keeps PNG and GIF (transparency) and turns everything else into JPEG.
func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	if strings.Contains(key, "..") {
		return "", errors.New("invalid object key")
	}
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
