package custodian

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/confidential-executor/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHead(name string, version uint64, predecessor string) *interfaces.SessionHead {
	doc := interfaces.SessionDocument{
		Name:        name,
		Version:     version,
		Predecessor: predecessor,
		Policy:      interfaces.AttestationPolicy{AcceptedMeasurements: []string{"aa"}},
		Secrets:     []interfaces.Secret{{Name: "k", Kind: interfaces.LiteralSecret, Value: fmt.Sprintf("v%d", version)}},
	}
	hash, err := doc.Hash()
	if err != nil {
		panic(err)
	}
	return &interfaces.SessionHead{Hash: hash, Document: doc}
}

// fakeVault serves the subset of the KV v2 API the store uses, including
// check-and-set semantics.
type fakeVault struct {
	mu      sync.Mutex
	entries map[string][]map[string]interface{}
	fail    bool

	// interleave is written to the entry just before the next write is
	// applied, as if another replica won the race.
	interleave map[string]interface{}
}

func newFakeVault() *fakeVault {
	return &fakeVault{entries: make(map[string][]map[string]interface{})}
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if f.fail {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	if r.Header.Get("X-Vault-Token") != "test-token" {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	key, ok := strings.CutPrefix(r.URL.Path, "/v1/secret/data/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	versions := f.entries[key]
	metadata := func(v int) map[string]interface{} {
		return map[string]interface{}{
			"version":       v,
			"created_time":  "2024-01-01T00:00:00Z",
			"deletion_time": "",
			"destroyed":     false,
		}
	}

	switch r.Method {
	case http.MethodGet:
		if len(versions) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     versions[len(versions)-1],
				"metadata": metadata(len(versions)),
			},
		})

	case http.MethodPut, http.MethodPost:
		var body struct {
			Data    map[string]interface{} `json:"data"`
			Options struct {
				CAS *int `json:"cas"`
			} `json:"options"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.interleave != nil {
			versions = append(versions, f.interleave)
			f.entries[key] = versions
			f.interleave = nil
		}
		if body.Options.CAS != nil && *body.Options.CAS != len(versions) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"errors":["check-and-set parameter did not match the current version"]}`))
			return
		}
		f.entries[key] = append(versions, body.Data)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": metadata(len(versions) + 1)})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestVaultStore(t *testing.T, fake *fakeVault) *VaultStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "test-token"}, logger)
	require.NoError(t, err)
	return store
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"vault":  func(t *testing.T) Store { return newTestVaultStore(t, newFakeVault()) },
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := mk(t)

			_, err := store.Head(ctx, "exec-1")
			require.ErrorIs(t, err, interfaces.ErrSessionNotFound)

			h0 := testHead("exec-1", 0, "")
			require.NoError(t, store.CompareAndSwap(ctx, "", h0))

			got, err := store.Head(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, h0.Hash, got.Hash)
			assert.Equal(t, h0.Document, got.Document)

			err = store.CompareAndSwap(ctx, "", testHead("exec-1", 0, ""))
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "existing chain must not be recreated")

			h1 := testHead("exec-1", 1, h0.Hash)
			require.NoError(t, store.CompareAndSwap(ctx, h0.Hash, h1))

			err = store.CompareAndSwap(ctx, h0.Hash, testHead("exec-1", 1, h0.Hash))
			assert.ErrorIs(t, err, interfaces.ErrVersionConflict, "stale predecessor")

			got, err = store.Head(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, h1.Hash, got.Hash)
			assert.Equal(t, uint64(1), got.Document.Version)
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	h0 := testHead("exec-1", 0, "")
	require.NoError(t, store.CompareAndSwap(ctx, "", h0))

	h0.Document.Secrets[0].Value = "mutated"
	got, err := store.Head(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "v0", got.Document.Secrets[0].Value)

	got.Document.Secrets[0].Value = "mutated"
	again, err := store.Head(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "v0", again.Document.Secrets[0].Value)
}

func TestVaultStoreConcurrentWriterLoses(t *testing.T) {
	ctx := context.Background()
	fake := newFakeVault()
	store := newTestVaultStore(t, fake)

	h0 := testHead("exec-1", 0, "")
	require.NoError(t, store.CompareAndSwap(ctx, "", h0))

	other := testHead("exec-1", 1, h0.Hash)
	encoded, err := json.Marshal(&other.Document)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.interleave = map[string]interface{}{"hash": other.Hash, "document": string(encoded)}
	fake.mu.Unlock()

	err = store.CompareAndSwap(ctx, h0.Hash, testHead("exec-1", 1, h0.Hash))
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)

	got, err := store.Head(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, other.Hash, got.Hash)
}

func TestVaultStoreTransportErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeVault()
	store := newTestVaultStore(t, fake)

	fake.mu.Lock()
	fake.fail = true
	fake.mu.Unlock()

	_, err := store.Head(ctx, "exec-1")
	assert.ErrorIs(t, err, interfaces.ErrTransport)

	err = store.CompareAndSwap(ctx, "", testHead("exec-1", 0, ""))
	assert.ErrorIs(t, err, interfaces.ErrTransport)
}

func TestVaultStoreDataPath(t *testing.T) {
	ctx := context.Background()
	fake := newFakeVault()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewVaultStore(VaultConfig{Address: srv.URL, Token: "test-token", DataPath: "/custodian/"}, logger)
	require.NoError(t, err)

	require.NoError(t, store.CompareAndSwap(ctx, "", testHead("exec-1", 0, "")))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Contains(t, fake.entries, "custodian/sessions/exec-1")
}
