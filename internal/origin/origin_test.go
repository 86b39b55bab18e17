package origin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/zstd"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestHTTP_Fetch(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte("compressed-body"), nil)
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/plain":
			_, _ = w.Write([]byte("plain-body"))
		case "/assets/zstd":
			w.Header().Set("Content-Encoding", "zstd")
			_, _ = w.Write(compressed)
		case "/assets/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/assets/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o, err := NewHTTP(srv.URL+"/assets", srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	rc, err := o.Fetch(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, "plain-body", readAll(t, rc))

	rc, err = o.Fetch(ctx, "zstd")
	require.NoError(t, err)
	assert.Equal(t, "compressed-body", readAll(t, rc))

	_, err = o.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.Fetch(ctx, "busy")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Temporary())

	_, err = o.Fetch(ctx, "forbidden")
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Temporary())
}

func TestNewHTTP_Validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no scheme", "example.com/assets"},
		{"ftp", "ftp://example.com/assets"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTP(tt.url, nil)
			assert.Error(t, err)
		})
	}
}

func TestFile_Fetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ESResData"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ESResData", "ABHashes.json"), []byte("{}"), 0644))

	o, err := NewFile(dir)
	require.NoError(t, err)

	rc, err := o.Fetch(context.Background(), "ESResData/ABHashes.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", readAll(t, rc))

	_, err = o.Fetch(context.Background(), "ESResData/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = o.Fetch(context.Background(), "../outside")
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string]string
	err     error
	keys    []string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.keys = append(f.keys, *in.Key)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3_Fetch(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"cdn/android/android": "main"}}
	o := NewS3WithClient(client, "bucket", "cdn")

	rc, err := o.Fetch(context.Background(), "android/android")
	require.NoError(t, err)
	assert.Equal(t, "main", readAll(t, rc))
	assert.Equal(t, []string{"cdn/android/android"}, client.keys)

	_, err = o.Fetch(context.Background(), "android/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"api not found", &smithy.GenericAPIError{Code: "NotFound"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewS3WithClient(&fakeS3{err: tt.err}, "bucket", "")
			_, err := o.Fetch(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrNotFound))
		})
	}
}

func TestNew_Types(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	o, err := New(ctx, &ir.OriginConfig{Type: "file", URL: dir})
	require.NoError(t, err)
	assert.IsType(t, &File{}, o)

	o, err = New(ctx, &ir.OriginConfig{URL: "https://cdn.example.com/game"})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, o)

	_, err = New(ctx, &ir.OriginConfig{Type: "ftp"})
	assert.Error(t, err)

	_, err = New(ctx, nil)
	assert.Error(t, err)
}

func TestDecodeBody_UnsupportedEncoding(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"br"}},
		Body:   io.NopCloser(bytes.NewReader(nil)),
	}
	_, err := decodeBody(resp)
	assert.Error(t, err)
}
