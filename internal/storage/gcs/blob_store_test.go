package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/ingest-crawler/internal/store"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	s, err := New(client, Config{Bucket: "artifacts"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	const path = "runs/r1/summary.json"
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/artifacts/o")
		assert.Equal(t, path, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"run_id":"r1"}`)
		assert.Contains(t, string(body), "application/json")
		_, _ = fmt.Fprintf(w, `{"name":%q,"bucket":"artifacts"}`, path)
	}))

	uri, err := s.PutObject(context.Background(), path, "application/json", bytes.NewReader([]byte(`{"run_id":"r1"}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://artifacts/"+path, uri)

	_, err = s.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := s.PutObject(context.Background(), "runs/r1/summary.json", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestGetObject(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))

	rc, err := s.GetObject(context.Background(), "runs/r1/policy/raw.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, `{"items":[]}`, string(data))

	_, err = s.GetObject(context.Background(), "runs/r1/missing.json")
	require.ErrorIs(t, err, store.ErrNotFound)
}
