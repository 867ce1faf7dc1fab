package testutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

type kyveBundle struct {
	meta map[string]any
	data []byte
}

// Kyve is a fake KYVE REST API and bundle storage gateway serving one pool.
type Kyve struct {
	*httptest.Server

	mu        sync.Mutex
	chainID   string
	pool      uint64
	bundles   []*kyveBundle
	lookups   int
	downloads int
}

// NewKyve starts a fake registry whose pool archives chainID. It is closed with the test.
func NewKyve(t *testing.T, chainID string, pool uint64) *Kyve {
	t.Helper()

	k := &Kyve{chainID: chainID, pool: pool}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /kyve/query/v1beta1/pools", k.servePools)
	mux.HandleFunc("GET /kyve/query/v1beta1/finalized_bundles/{pool}", k.serveLatest)
	mux.HandleFunc("GET /kyve/query/v1beta1/finalized_bundle/{pool}/{id}", k.serveBundle)
	mux.HandleFunc("GET /storage/{id}", k.serveStorage)

	k.Server = httptest.NewServer(mux)
	t.Cleanup(k.Close)

	return k
}

// StorageURL is the storage gateway base URL.
func (k *Kyve) StorageURL() string {
	return k.URL + "/storage"
}

// AddBundles archives heights [from, to] of tm in bundles of size heights each,
// continuing the bundle id sequence.
func (k *Kyve) AddBundles(t *testing.T, tm *Tendermint, from, to, size uint64, compress bool) {
	t.Helper()

	k.mu.Lock()
	defer k.mu.Unlock()

	for start := from; start <= to; start += size {
		end := min(start+size-1, to)

		type value struct {
			Block        any `json:"block"`
			BlockResults any `json:"block_results"`
		}
		type item struct {
			Key   string `json:"key"`
			Value value  `json:"value"`
		}

		items := make([]item, 0, end-start+1)
		for h := start; h <= end; h++ {
			items = append(items, item{
				Key:   strconv.FormatUint(h, 10),
				Value: value{Block: tm.BlockResponse(h), BlockResults: tm.BlockResultsResponse(h)},
			})
		}

		data, err := json.Marshal(items)
		if err != nil {
			t.Fatalf("marshal bundle: %v", err)
		}

		compressionID := "0"
		if compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(data); err != nil {
				t.Fatalf("gzip bundle: %v", err)
			}
			if err := zw.Close(); err != nil {
				t.Fatalf("gzip bundle: %v", err)
			}
			data = buf.Bytes()
			compressionID = "1"
		}

		id := len(k.bundles)
		sum := sha256.Sum256(data)
		k.bundles = append(k.bundles, &kyveBundle{
			data: data,
			meta: map[string]any{
				"pool_id":             strconv.FormatUint(k.pool, 10),
				"id":                  strconv.Itoa(id),
				"storage_id":          fmt.Sprintf("storage-%d", id),
				"uploader":            "kyve1uploader",
				"from_index":          strconv.FormatUint(start-from, 10),
				"to_index":            strconv.FormatUint(end-from+1, 10),
				"from_key":            strconv.FormatUint(start, 10),
				"to_key":              strconv.FormatUint(end, 10),
				"bundle_summary":      strconv.FormatUint(end, 10),
				"data_hash":           hex.EncodeToString(sum[:]),
				"finalized_at":        map[string]any{"height": "100", "timestamp": "2024-01-01T00:00:00Z"},
				"storage_provider_id": "2",
				"compression_id":      compressionID,
			},
		})
	}
}

// Corrupt flips a byte of the stored content of bundle id without updating its hash.
func (k *Kyve) Corrupt(id int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	data := append([]byte(nil), k.bundles[id].data...)
	data[len(data)/2] ^= 0xff
	k.bundles[id].data = data
}

// Lookups returns how many bundles were requested by id.
func (k *Kyve) Lookups() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lookups
}

// Downloads returns how many bundle contents were downloaded.
func (k *Kyve) Downloads() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.downloads
}

func (k *Kyve) servePools(w http.ResponseWriter, _ *http.Request) {
	other, _ := json.Marshal(map[string]string{"network": "other-1"})
	ours, _ := json.Marshal(map[string]string{"network": k.chainID, "rpc": "https://rpc.example"})

	writeREST(w, map[string]any{
		"pools": []any{
			map[string]any{"id": "99", "data": map[string]any{"id": "99", "runtime": "@kyvejs/tendermint", "config": string(other)}},
			map[string]any{"id": "7", "data": map[string]any{"id": "7", "runtime": "@kyvejs/other", "config": "not json"}},
			map[string]any{
				"id":   strconv.FormatUint(k.pool, 10),
				"data": map[string]any{"id": strconv.FormatUint(k.pool, 10), "runtime": "@kyvejs/tendermint", "config": string(ours)},
			},
		},
	})
}

func (k *Kyve) serveLatest(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if r.PathValue("pool") != strconv.FormatUint(k.pool, 10) {
		http.NotFound(w, r)
		return
	}

	bundles := []any{}
	if len(k.bundles) > 0 {
		bundles = append(bundles, k.bundles[len(k.bundles)-1].meta)
	}
	writeREST(w, map[string]any{
		"finalized_bundles": bundles,
		"pagination":        map[string]any{"next_key": "", "total": strconv.Itoa(len(k.bundles))},
	})
}

func (k *Kyve) serveBundle(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lookups++
	id, err := strconv.Atoi(r.PathValue("id"))
	if r.PathValue("pool") != strconv.FormatUint(k.pool, 10) || err != nil || id < 0 || id >= len(k.bundles) {
		http.NotFound(w, r)
		return
	}
	writeREST(w, k.bundles[id].meta)
}

func (k *Kyve) serveStorage(w http.ResponseWriter, r *http.Request) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.downloads++
	for _, b := range k.bundles {
		if b.meta["storage_id"] == r.PathValue("id") {
			_, _ = w.Write(b.data)
			return
		}
	}
	http.NotFound(w, r)
}

func writeREST(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
