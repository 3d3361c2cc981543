package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog/log"
)

const thumbnailMaxSize = 512

// Config holds the S3 connection settings for media storage. All
// organizations share one bucket; keys are prefixed per organization.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// UploadResult describes where an attachment ended up.
type UploadResult struct {
	Key          string `json:"key"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Size         int    `json:"size"`
	MimeType     string `json:"mimeType"`
}

// Uploader stores inbound attachments on S3 compatible storage and produces
// JPEG thumbnails for images so the AI pipelines and webhook consumers get a
// cheap preview URL.
type Uploader struct {
	client *s3.Client
	cfg    Config
}

// NewUploader builds the S3 client. Returns an error when bucket or
// credentials are missing so a misconfigured deployment fails at startup
// instead of on the first attachment.
func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("media: S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("media: S3 credentials are required")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, HostnameImmutable: cfg.PathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	usePathStyle := cfg.PathStyle
	if strings.Contains(cfg.Bucket, ".") {
		// Dotted bucket names break virtual-hosted TLS verification.
		usePathStyle = true
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", usePathStyle).
		Msg("Media uploader initialized")

	return &Uploader{client: client, cfg: cfg}, nil
}

// Upload stores an attachment under the organization's prefix and, for
// images, a thumbnail next to it. The returned URL goes into the message row
// and the queued job payload.
func (u *Uploader) Upload(ctx context.Context, orgID, externalID string, data []byte, mimeType string) (*UploadResult, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	key := objectKey(orgID, externalID, mimeType)

	if err := u.put(ctx, key, data, mimeType); err != nil {
		return nil, fmt.Errorf("failed to upload media: %w", err)
	}

	result := &UploadResult{
		Key:      key,
		URL:      u.publicURL(key),
		Size:     len(data),
		MimeType: mimeType,
	}

	if strings.HasPrefix(mimeType, "image/") {
		thumb, err := makeThumbnail(data)
		if err != nil {
			log.Warn().
				Err(err).
				Str("orgId", orgID).
				Str("externalId", externalID).
				Msg("Failed to generate thumbnail, keeping original only")
		} else {
			thumbKey := strings.TrimSuffix(key, extensionFor(mimeType)) + "_thumb.jpg"
			if err := u.put(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
				log.Warn().Err(err).Str("key", thumbKey).Msg("Failed to upload thumbnail")
			} else {
				result.ThumbnailURL = u.publicURL(thumbKey)
			}
		}
	}

	log.Info().
		Str("orgId", orgID).
		Str("key", key).
		Str("mimeType", mimeType).
		Int("size", len(data)).
		Msg("Media uploaded")

	return result, nil
}

// TestConnection lists one object to verify credentials and bucket access.
func (u *Uploader) TestConnection(ctx context.Context) error {
	_, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(u.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func (u *Uploader) put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}
	_, err := u.client.PutObject(ctx, input)
	return err
}

func (u *Uploader) publicURL(key string) string {
	if u.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.PublicURL, "/"), u.cfg.Bucket, key)
	}
	if u.cfg.Endpoint != "" {
		if u.cfg.PathStyle || strings.Contains(u.cfg.Bucket, ".") {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.Endpoint, "/"), u.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(u.cfg.Endpoint, "https://")
		host = strings.TrimPrefix(host, "http://")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, host, key)
	}
	if u.cfg.PathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", u.cfg.Region, u.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}

// objectKey builds orgs/<org>/<year>/<month>/<day>/<type>/<messageID><ext>.
func objectKey(orgID, externalID, mimeType string) string {
	now := time.Now().UTC()
	mediaType := "documents"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		mediaType = "images"
	case strings.HasPrefix(mimeType, "video/"):
		mediaType = "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		mediaType = "audio"
	}
	return fmt.Sprintf("orgs/%s/%s/%s/%s%s",
		orgID,
		now.Format("2006/01/02"),
		mediaType,
		sanitizeID(externalID),
		extensionFor(mimeType),
	)
}

func sanitizeID(id string) string {
	id = strings.ReplaceAll(id, "@", "_")
	id = strings.ReplaceAll(id, ":", "_")
	return strings.ReplaceAll(id, "/", "_")
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}

// makeThumbnail scales an image down to at most thumbnailMaxSize on each
// side and re-encodes it as JPEG.
func makeThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	thumb := resize.Thumbnail(thumbnailMaxSize, thumbnailMaxSize, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
