package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(context.Background()))

	loc, err := backend.Store(context.Background(), []byte("envelope"))
	require.NoError(t, err)
	assert.Equal(t, "file", loc.Scheme)
	assert.True(t, strings.HasPrefix(loc.Path, dir))

	data, err := backend.Fetch(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), data)

	_, err = backend.Fetch(context.Background(), mustLocation(t, "file://"+filepath.Join(dir, "missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))
	_, err = backend.Fetch(context.Background(), mustLocation(t, "file://"+outside))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocator)

	_, err = backend.Fetch(context.Background(), mustLocation(t, "file://"+dir+"/../escape"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocator)
}

func TestFetcher(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	loc, err := backend.Store(context.Background(), []byte("0123456789"))
	require.NoError(t, err)

	fetcher := NewFetcher(NewMultiStorageBackend([]interfaces.StorageBackend{backend}, testLogger()), testLogger())

	data, err := fetcher.Fetch(context.Background(), loc.String())
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), data)

	for _, locator := range []string{"", "gopher://x/y", "ipfs://QmNoBackend", "file://" + filepath.Join(dir, "missing")} {
		_, err = fetcher.Fetch(context.Background(), locator)
		assert.ErrorIs(t, err, interfaces.ErrFetch, locator)
		assert.Equal(t, interfaces.KindFetchError, interfaces.KindOf(err), locator)
	}

	_, err = fetcher.WithMaxBytes(5).Fetch(context.Background(), loc.String())
	assert.ErrorIs(t, err, interfaces.ErrFetch)
	assert.ErrorIs(t, err, interfaces.ErrBlobTooLarge, "the backend enforces the limit while reading")
}

func TestFetchStopsReadingOversizedBlobs(t *testing.T) {
	const limit = 4 << 10
	var written atomic.Int64
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 32<<10)
		for written.Load() < 256<<20 {
			n, err := w.Write(chunk)
			written.Add(int64(n))
			if err != nil {
				return
			}
		}
	}))
	defer gateway.Close()

	backend := NewIPFSGatewayBackend(gateway.URL+"/ipfs/", 10*time.Second, testLogger())
	fetcher := NewFetcher(NewMultiStorageBackend([]interfaces.StorageBackend{backend}, testLogger()), testLogger()).
		WithMaxBytes(limit)

	_, err := fetcher.Fetch(context.Background(), "ipfs://QmEndless")
	require.ErrorIs(t, err, interfaces.ErrBlobTooLarge)
	assert.ErrorIs(t, err, interfaces.ErrFetch)
	assert.Less(t, written.Load(), int64(256<<20), "body must not be read to the end")
}

func newFakeIPFSNode(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/version":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"Version":"0.29.0","Commit":""}`)
		case "/api/v0/cat":
			body, ok := objects[strings.TrimPrefix(r.URL.Query().Get("arg"), "/ipfs/")]
			if !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, `{"Message":"block was not found locally (offline): ipld: could not find node","Code":0,"Type":"error"}`)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, body)
		case "/api/v0/add":
			_, _ = io.Copy(io.Discard, r.Body)
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"Name":"","Hash":"bafkstored","Size":"8"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestIPFSBackendAPI(t *testing.T) {
	node := newFakeIPFSNode(t, map[string]string{"QmEnvelope": "ciphertext"})
	backend := NewIPFSBackend(node.URL, 5*time.Second, testLogger())
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))

	data, err := backend.Fetch(ctx, mustLocation(t, "ipfs://QmEnvelope"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	data, err = backend.Fetch(ctx, mustLocation(t, "QmEnvelope"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	_, err = backend.Fetch(ctx, mustLocation(t, "ipfs://QmMissing"))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	loc, err := backend.Store(ctx, []byte("envelope"))
	require.NoError(t, err)
	assert.Equal(t, "ipfs://bafkstored", loc.String())

	_, err = backend.Fetch(ctx, mustLocation(t, "s3://bucket/key"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocator)
}

func TestIPFSBackendUnreachable(t *testing.T) {
	node := newFakeIPFSNode(t, nil)
	url := node.URL
	node.Close()

	backend := NewIPFSBackend(url, time.Second, testLogger())
	assert.False(t, backend.Available(context.Background()))

	_, err := backend.Fetch(context.Background(), mustLocation(t, "ipfs://QmEnvelope"))
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestIPFSGatewayBackend(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ipfs/QmEnvelope" {
			io.WriteString(w, "ciphertext")
			return
		}
		http.NotFound(w, r)
	}))
	defer gateway.Close()

	backend := NewIPFSGatewayBackend(gateway.URL+"/ipfs/", 5*time.Second, testLogger())
	ctx := context.Background()

	data, err := backend.Fetch(ctx, mustLocation(t, "ipfs://QmEnvelope"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	_, err = backend.Fetch(ctx, mustLocation(t, "ipfs://QmMissing"))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Store(ctx, []byte("x"))
	assert.Error(t, err)
}

// fakeObjectStore serves path-style S3 requests.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
}

func (f *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		if strings.Count(path, "/") == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodGet:
		data, ok := f.objects[path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[path] = data
		f.puts = append(f.puts, path)
		w.Header().Set("ETag", `"0123456789abcdef"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeObjectStore(t *testing.T) (*fakeObjectStore, *httptest.Server) {
	t.Helper()
	store := &fakeObjectStore{objects: map[string][]byte{"/envelopes/dataset.enc": []byte("ciphertext")}}
	server := httptest.NewServer(store)
	t.Cleanup(server.Close)
	return store, server
}

func TestS3Backend(t *testing.T) {
	store, server := newFakeObjectStore(t)
	backend, err := NewS3Backend(S3Config{
		Bucket:    "envelopes",
		Prefix:    "/uploads/",
		Endpoint:  server.URL,
		AccessKey: "access",
		SecretKey: "secret",
	}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))

	data, err := backend.Fetch(ctx, mustLocation(t, "s3://envelopes/dataset.enc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	_, err = backend.Fetch(ctx, mustLocation(t, "s3://envelopes/missing.enc"))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	loc, err := backend.Store(ctx, []byte("envelope"))
	require.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "envelopes", loc.Bucket())
	assert.Equal(t, objectKey("uploads", []byte("envelope")), loc.ObjectKey())
	require.Len(t, store.puts, 1)
	assert.Equal(t, "/envelopes/"+loc.ObjectKey(), store.puts[0])

	data, err = backend.Fetch(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope"), data)
}

func TestMinioBackend(t *testing.T) {
	store, server := newFakeObjectStore(t)
	endpoint := strings.TrimPrefix(server.URL, "http://")

	backend, err := NewMinioBackend(MinioConfig{
		Endpoint:  endpoint,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "envelopes",
	}, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, backend.Available(ctx))

	data, err := backend.Fetch(ctx, mustLocation(t, "minio://envelopes/dataset.enc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)

	_, err = backend.Fetch(ctx, mustLocation(t, "minio://envelopes/missing.enc"))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	loc, err := backend.Store(ctx, []byte("envelope"))
	require.NoError(t, err)
	assert.Equal(t, "minio://envelopes/"+objectKey("", []byte("envelope")), loc.String())
	require.Len(t, store.puts, 1)
	assert.Equal(t, "/envelopes/"+loc.ObjectKey(), store.puts[0])
}

func TestMinioConfigValidate(t *testing.T) {
	valid := MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "envelopes"}
	require.NoError(t, valid.Validate())

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	assert.Error(t, invalid.Validate())

	invalid = valid
	invalid.Bucket = ""
	assert.Error(t, invalid.Validate())
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		uri    string
		name   string
		scheme string
	}{
		{"ipfs://127.0.0.1:5001/", "ipfs-http://127.0.0.1:5001", "ipfs"},
		{"ipfs://gateway.example.com/?gateway=true&secure=true", "ipfs-gateway-https://gateway.example.com/ipfs", "ipfs"},
		{"s3://bucket/prefix/?region=eu-west-1", "s3-bucket", "s3"},
		{"minio://ak:sk@localhost:9000/envelopes/uploads", "minio-localhost:9000-envelopes", "minio"},
		{"file://" + dir, "file-" + filepath.Base(dir), "file"},
	}
	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			backend, err := factory.StorageBackendFor(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.name, backend.Name())
			assert.Equal(t, tt.scheme, backend.Scheme())
		})
	}

	for _, uri := range []string{"ftp://host/x", "ipfs://host/?timeout=soon", "minio://localhost:9000/envelopes", "file://relative/path"} {
		_, err := factory.StorageBackendFor(uri)
		assert.Error(t, err, uri)
	}

	multi, err := factory.CreateMultiBackend([]string{"ftp://host/x", "file://" + dir})
	require.NoError(t, err)
	assert.Len(t, multi.backends, 1)

	_, err = factory.CreateMultiBackend([]string{"ftp://host/x"})
	assert.Error(t, err)
}
