package anchor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// fakeVault serves a KV v2 mount at /v1/secret and the health endpoint.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]string
	token   string
}

func (f *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/v1/sys/health" {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"initialized": true, "sealed": false, "standby": false})
		return
	}
	if r.Header.Get("X-Vault-Token") != f.token {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{"permission denied"}})
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]string `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.secrets[key] = body.Data["content"]
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]interface{}{"version": 1}})

	case http.MethodGet:
		f.mu.Lock()
		content, ok := f.secrets[key]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"errors": []string{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"data":     map[string]string{"content": content},
				"metadata": map[string]interface{}{"version": 1},
			},
		})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestVaultBackend(t *testing.T) {
	fake := &fakeVault{secrets: map[string]string{}, token: "s.test"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	b, err := NewVaultBackend(srv.URL, "secret", "certificates", "s.test", testLogger())
	require.NoError(t, err)
	assert.True(t, b.Available(ctx))

	id, err := b.Store(ctx, []byte(`{"name":"x"}`))
	require.NoError(t, err)
	assert.Contains(t, fake.secrets, "secret/data/certificates/"+id.String())

	data, err := b.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"x"}`, string(data))

	_, err = b.Fetch(ctx, interfaces.ComputeID([]byte("missing")))
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	denied, err := NewVaultBackend(srv.URL, "secret", "certificates", "wrong", testLogger())
	require.NoError(t, err)
	_, err = denied.Store(ctx, []byte("x"))
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}
