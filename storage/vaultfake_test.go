package storage

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeVault serves the subset of the KV v2 API used by VaultStore.
type fakeVault struct {
	mu      sync.Mutex
	secrets map[string]fakeSecret
}

type fakeSecret struct {
	version uint64
	data    map[string]interface{}
}

func newFakeVault(t *testing.T) *httptest.Server {
	fv := &fakeVault{secrets: make(map[string]fakeSecret)}
	srv := httptest.NewServer(fv)
	t.Cleanup(srv.Close)
	return srv
}

func (fv *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fv.mu.Lock()
	defer fv.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	if path == "sys/health" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"initialized": true, "sealed": false})
		return
	}

	isList := r.Method == "LIST" || (r.Method == http.MethodGet && r.URL.Query().Get("list") == "true")
	switch {
	case isList && strings.Contains(path, "/metadata/"):
		prefix := strings.Replace(strings.TrimSuffix(path, "/"), "/metadata/", "/data/", 1) + "/"
		var keys []interface{}
		var names []string
		for k := range fv.secrets {
			if strings.HasPrefix(k, prefix) {
				names = append(names, strings.TrimPrefix(k, prefix))
			}
		}
		if len(names) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		sort.Strings(names)
		for _, n := range names {
			keys = append(keys, n)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"keys": keys}})

	case r.Method == http.MethodGet:
		s, ok := fv.secrets[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{
			"data":     s.data,
			"metadata": map[string]interface{}{"version": s.version},
		}})

	case r.Method == http.MethodPut || r.Method == http.MethodPost:
		var body struct {
			Options map[string]interface{} `json:"options"`
			Data    map[string]interface{} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{err.Error()}})
			return
		}
		current := fv.secrets[path]
		if cas, ok := body.Options["cas"].(float64); ok && uint64(cas) != current.version {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"errors": []string{"check-and-set parameter did not match the current version"},
			})
			return
		}
		next := fakeSecret{version: current.version + 1, data: body.Data}
		fv.secrets[path] = next
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"version": next.version}})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
