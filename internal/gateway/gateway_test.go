package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/notarium/internal/cache"
	"github.com/terminal-bench/notarium/internal/ledger"
	"github.com/terminal-bench/notarium/internal/netconfig"
	"github.com/terminal-bench/notarium/internal/node"
	"github.com/terminal-bench/notarium/internal/stats"
	"github.com/terminal-bench/notarium/internal/transport"
	"github.com/terminal-bench/notarium/pkg/items"
	"github.com/terminal-bench/notarium/pkg/namecache"
)

func newTestGateway(t *testing.T) (*Gateway, *node.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	infos := []netconfig.NodeInfo{{Number: 1, Name: "solo", Host: "127.0.0.1", Port: 2080}}
	cfg, err := netconfig.New(infos)
	require.NoError(t, err)

	mesh := transport.NewLocalMesh()
	names := namecache.New(time.Minute, 0)
	n, err := node.New(node.Config{
		Self:         infos[0],
		Net:          cfg,
		Quorum:       netconfig.DefaultQuorum(1),
		Decoder:      items.DecodeTestItem,
		PollSchedule: []time.Duration{20 * time.Millisecond},
		MinPayment:   decimal.NewFromInt(1),
	}, ledger.NewMemory(), mesh.Node(1), cache.NewMemory(time.Hour), names, stats.NewCollector(1))
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		n.Shutdown()
		names.Shutdown()
	})

	g := New(Config{WaitTimeout: 5 * time.Second}, n, cfg, nil, items.DecodeTestItem, nil)
	return g, n
}

func doJSON(t *testing.T, g *Gateway, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	g.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	g, _ := newTestGateway(t)
	w := doJSON(t, g, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestRegisterAndWaitItem(t *testing.T) {
	g, _ := newTestGateway(t)

	item := items.NewTestItem(true)
	w := doJSON(t, g, http.MethodPost, "/api/v1/items", gin.H{"packed": item.Pack()})
	require.Equal(t, http.StatusAccepted, w.Code)

	path := fmt.Sprintf("/api/v1/items/%s/wait?timeout=3s", item.ID())
	w = doJSON(t, g, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result items.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, items.StateApproved.String(), result.State.String())
	assert.Equal(t, item.ID(), result.ItemID)
}

func TestRegisterItemMalformed(t *testing.T) {
	g, _ := newTestGateway(t)
	w := doJSON(t, g, http.MethodPost, "/api/v1/items", gin.H{"packed": []byte("not an item")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckUnknownItem(t *testing.T) {
	g, _ := newTestGateway(t)

	id := items.HashIDOf([]byte("unknown"))
	w := doJSON(t, g, http.MethodGet, "/api/v1/items/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result items.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, items.StateUndefined.String(), result.State.String())
	assert.False(t, result.HaveCopy)
}

func TestRegisterParcelFlow(t *testing.T) {
	g, _ := newTestGateway(t)

	payment := items.NewTestPayment(decimal.NewFromInt(5))
	payload := items.NewTestItem(true)
	parcel, err := items.NewParcel(payment, payload)
	require.NoError(t, err)

	w := doJSON(t, g, http.MethodPost, "/api/v1/parcels", gin.H{
		"payment": payment.Pack(),
		"payload": payload.Pack(),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	path := fmt.Sprintf("/api/v1/parcels/%s/wait?timeout=3s", parcel.ID())
	w = doJSON(t, g, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result items.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, items.StateApproved.String(), result.State.String())
}

func TestNetworkInfo(t *testing.T) {
	g, _ := newTestGateway(t)
	w := doJSON(t, g, http.MethodGet, "/api/v1/network", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"size":1`)
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    3,
		window:   time.Minute,
	}
	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow("10.0.0.1"))
	}
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "limits are per key")
}
