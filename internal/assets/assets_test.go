package assets

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePutter struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	f.contentType = *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func assetServer(t *testing.T, body string, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestS3PersistUploadsContentAddressed(t *testing.T) {
	srv := assetServer(t, "png-bytes", "image/png")
	put := &fakePutter{}
	p := NewS3WithClient(put, http.DefaultClient, S3Config{
		Bucket: "studio", Region: "eu-west-1", Prefix: "/prod/", PublicBaseURL: "https://cdn.example.com/",
	}, zap.NewNop())

	url, err := p.Persist(context.Background(), "c1", "p1", srv.URL+"/out/a.png?sig=1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(put.key, "prod/campaigns/c1/outputs/"))
	assert.True(t, strings.HasSuffix(put.key, ".png"))
	assert.Equal(t, "https://cdn.example.com/"+put.key, url)
	assert.Equal(t, "png-bytes", string(put.body))
	assert.Equal(t, "image/png", put.contentType)

	again, err := p.Persist(context.Background(), "c1", "p1", srv.URL+"/other.png")
	require.NoError(t, err)
	assert.Equal(t, url, again, "same content, same object")
}

func TestS3PersistDefaultPublicURL(t *testing.T) {
	p := NewS3WithClient(&fakePutter{}, http.DefaultClient, S3Config{Bucket: "studio", Region: "us-east-2"}, nil)
	assert.Equal(t, "https://studio.s3.us-east-2.amazonaws.com/k", p.PublicURL("k"))
}

func TestS3PersistFailures(t *testing.T) {
	p := NewS3WithClient(&fakePutter{err: errors.New("access denied")}, http.DefaultClient, S3Config{Bucket: "b"}, nil)
	srv := assetServer(t, "data", "video/mp4")
	_, err := p.Persist(context.Background(), "c1", "p1", srv.URL)
	require.ErrorContains(t, err, "access denied")

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	p = NewS3WithClient(&fakePutter{}, http.DefaultClient, S3Config{Bucket: "b"}, nil)
	_, err = p.Persist(context.Background(), "c1", "p1", missing.URL)
	require.ErrorContains(t, err, "status 404")
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".mp4", extension("video/mp4", "http://x/y"))
	assert.Equal(t, ".jpg", extension("image/jpeg; charset=binary", ""))
	assert.Equal(t, ".gif", extension("application/octet-stream", "http://x/y.GIF?a=b"))
	assert.Equal(t, "", extension("", "http://x/y"))
}

func TestPassthrough(t *testing.T) {
	url, err := Passthrough{}.Persist(context.Background(), "c1", "p1", "http://x/a.png")
	require.NoError(t, err)
	assert.Equal(t, "http://x/a.png", url)
}
