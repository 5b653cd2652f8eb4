package upload

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

	"talkready/internal/capture"
)

func TestCloudinary_UploadReturnsSecureURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1_1/demo/upload", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "audio_upload", r.FormValue("upload_preset"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFF", string(data))
		assert.Equal(t, "recording.wav", hdr.Filename)
		_, _ = w.Write([]byte(`{"secure_url":"https://res.example.com/a.wav"}`))
	}))
	defer srv.Close()

	c := NewCloudinary(srv.URL, "demo", "audio_upload", srv.Client())
	url, err := c.Upload(context.Background(), capture.Blob{Data: []byte("RIFF"), MIMEType: "audio/wav"})
	require.NoError(t, err)
	require.Equal(t, "https://res.example.com/a.wav", url)
}

func TestCloudinary_MissingSecureURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"public_id":"x"}`))
	}))
	defer srv.Close()

	c := NewCloudinary(srv.URL, "demo", "p", srv.Client())
	_, err := c.Upload(context.Background(), capture.Blob{Data: []byte("x")})
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestCloudinary_ServerErrorIsUploadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad preset"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCloudinary(srv.URL, "demo", "p", srv.Client())
	_, err := c.Upload(context.Background(), capture.Blob{Data: []byte("x")})
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestCloudinary_NetworkErrorIsUploadFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewCloudinary(srv.URL, "demo", "p", nil)
	_, err := c.Upload(context.Background(), capture.Blob{Data: []byte("x")})
	require.ErrorIs(t, err, ErrUploadFailed)
}

type fakePutter struct {
	in  *s3.PutObjectInput
	err error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Uploader_PutsUnderRecordingsPrefix(t *testing.T) {
	p := &fakePutter{}
	u := NewS3WithClient(p, S3Config{Bucket: "talk", Region: "eu-west-1"})
	url, err := u.Upload(context.Background(), capture.Blob{Data: []byte("abc"), MIMEType: "audio/webm;codecs=opus"})
	require.NoError(t, err)
	require.NotNil(t, p.in)
	require.Equal(t, "talk", *p.in.Bucket)
	require.True(t, strings.HasPrefix(*p.in.Key, "recordings/"))
	require.True(t, strings.HasSuffix(*p.in.Key, ".webm"))
	require.Equal(t, "https://talk.s3.eu-west-1.amazonaws.com/"+*p.in.Key, url)
}

func TestS3Uploader_ErrorsAreUploadFailed(t *testing.T) {
	u := NewS3WithClient(&fakePutter{err: errors.New("denied")}, S3Config{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"})
	_, err := u.Upload(context.Background(), capture.Blob{Data: []byte("abc")})
	require.ErrorIs(t, err, ErrUploadFailed)

	_, err = u.Upload(context.Background(), capture.Blob{})
	require.ErrorIs(t, err, ErrEmptyBlob)
}
