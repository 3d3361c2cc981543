package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUploaderRequiresBucketAndCredentials(t *testing.T) {
	_, err := NewUploader(Config{})
	assert.ErrorContains(t, err, "bucket")

	_, err = NewUploader(Config{Bucket: "pawzap-media"})
	assert.ErrorContains(t, err, "credentials")

	u, err := NewUploader(Config{
		Bucket:    "pawzap-media",
		Region:    "us-east-1",
		AccessKey: "AKIA",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.NotNil(t, u.client)
}

func TestObjectKeyLayout(t *testing.T) {
	key := objectKey("org-1", "WAMID:abc/def", "image/jpeg")
	assert.True(t, strings.HasPrefix(key, "orgs/org-1/"))
	assert.Contains(t, key, "/images/")
	assert.True(t, strings.HasSuffix(key, "WAMID_abc_def.jpg"))

	key = objectKey("org-1", "WAMID-2", "audio/ogg; codecs=opus")
	assert.Contains(t, key, "/audio/")
	assert.True(t, strings.HasSuffix(key, ".ogg"))

	key = objectKey("org-1", "WAMID-3", "application/pdf")
	assert.Contains(t, key, "/documents/")
	assert.True(t, strings.HasSuffix(key, ".pdf"))

	key = objectKey("org-1", "WAMID-4", "application/x-tar")
	assert.True(t, strings.HasSuffix(key, ".bin"))
}

func TestPublicURLVariants(t *testing.T) {
	u := &Uploader{cfg: Config{Bucket: "media", Region: "sa-east-1"}}
	assert.Equal(t, "https://media.s3.sa-east-1.amazonaws.com/k", u.publicURL("k"))

	u = &Uploader{cfg: Config{Bucket: "media", Region: "sa-east-1", PathStyle: true}}
	assert.Equal(t, "https://s3.sa-east-1.amazonaws.com/media/k", u.publicURL("k"))

	u = &Uploader{cfg: Config{Bucket: "media", Endpoint: "https://minio.local:9000", PathStyle: true}}
	assert.Equal(t, "https://minio.local:9000/media/k", u.publicURL("k"))

	u = &Uploader{cfg: Config{Bucket: "media", Endpoint: "https://r2.example.com"}}
	assert.Equal(t, "https://media.r2.example.com/k", u.publicURL("k"))

	u = &Uploader{cfg: Config{Bucket: "media", PublicURL: "https://cdn.example.com/"}}
	assert.Equal(t, "https://cdn.example.com/media/k", u.publicURL("k"))
}

func TestMakeThumbnailShrinksLargeImages(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1024, 768))
	for x := 0; x < 1024; x += 64 {
		for y := 0; y < 768; y++ {
			src.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	thumb, err := makeThumbnail(buf.Bytes())
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	bounds := decoded.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), thumbnailMaxSize)
	assert.LessOrEqual(t, bounds.Dy(), thumbnailMaxSize)
}

func TestMakeThumbnailRejectsGarbage(t *testing.T) {
	_, err := makeThumbnail([]byte("definitely not an image"))
	assert.ErrorContains(t, err, "decode")
}
