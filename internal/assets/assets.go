// Package assets copies generated outputs from the generation service's
// hosting into storage the studio controls.
package assets

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"adstudio/server/internal/httpretry"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// MaxAssetBytes caps a single download.
const MaxAssetBytes = 200 << 20

var ErrTooLarge = errors.New("asset exceeds size limit")

// Persister stores the asset at sourceURL and returns the URL to serve.
type Persister interface {
	Persist(ctx context.Context, campaignID, promptID, sourceURL string) (string, error)
}

// Passthrough keeps assets where the generation service hosts them.
type Passthrough struct{}

func (Passthrough) Persist(_ context.Context, _, _, sourceURL string) (string, error) {
	return sourceURL, nil
}

// ObjectPutter is the part of the S3 client the persister uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Config struct {
	Bucket        string
	Region        string
	Prefix        string
	PublicBaseURL string
}

type S3Persister struct {
	client ObjectPutter
	http   httpretry.Doer
	cfg    S3Config
	log    *zap.Logger
}

// NewS3 loads the default AWS credential chain for cfg.Region.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Persister, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("assets: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(awsCfg), nil, cfg, logger), nil
}

func NewS3WithClient(client ObjectPutter, doer httpretry.Doer, cfg S3Config, logger *zap.Logger) *S3Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if doer == nil {
		doer = httpretry.New(&http.Client{Timeout: 2 * time.Minute}, 2, httpretry.WithLogger(logger))
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &S3Persister{client: client, http: doer, cfg: cfg, log: logger.Named("assets")}
}

func (p *S3Persister) Persist(ctx context.Context, campaignID, promptID, sourceURL string) (string, error) {
	data, contentType, err := p.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	key := p.Key(campaignID, data, extension(contentType, sourceURL))
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"campaign_id": campaignID,
			"prompt_id":   promptID,
			"source_url":  sourceURL,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}
	url := p.PublicURL(key)
	p.log.Info("asset_persisted",
		zap.String("campaign_id", campaignID),
		zap.String("prompt_id", promptID),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return url, nil
}

// Key is content addressed, so a re-delivered asset lands on the same object.
func (p *S3Persister) Key(campaignID string, data []byte, ext string) string {
	sum := blake2b.Sum256(data)
	key := fmt.Sprintf("campaigns/%s/outputs/%s%s", campaignID, hex.EncodeToString(sum[:]), ext)
	if p.cfg.Prefix != "" {
		key = p.cfg.Prefix + "/" + key
	}
	return key
}

func (p *S3Persister) PublicURL(key string) string {
	if p.cfg.PublicBaseURL != "" {
		return p.cfg.PublicBaseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.cfg.Bucket, p.cfg.Region, key)
}

func (p *S3Persister) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download asset: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxAssetBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	if len(data) > MaxAssetBytes {
		return nil, "", ErrTooLarge
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("download asset: empty body")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func extension(contentType, sourceURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/webp":
			return ".webp"
		case "video/mp4":
			return ".mp4"
		case "video/webm":
			return ".webm"
		}
	}
	if i := strings.IndexAny(sourceURL, "?#"); i >= 0 {
		sourceURL = sourceURL[:i]
	}
	ext := strings.ToLower(path.Ext(sourceURL))
	if len(ext) > 1 && len(ext) <= 5 {
		return ext
	}
	return ""
}
