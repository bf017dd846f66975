package growlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchProber is a Prober tests flip between wifi and nothing.
type switchProber struct{ online atomic.Bool }

func (p *switchProber) Probe() (InterfaceClass, error) {
	if p.online.Load() {
		return ClassWifi, nil
	}
	return ClassNone, nil
}

// newTestClient builds an initialized client against srv with fast retries
// and a controllable prober.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...ClientOption) (*Client, *switchProber) {
	t.Helper()
	prober := &switchProber{}
	prober.online.Store(true)

	all := append([]ClientOption{
		WithBaseURL(srv.URL),
		WithProber(prober),
		WithPollInterval(time.Hour),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}),
	}, opts...)
	client := NewClient(all...)
	require.NoError(t, client.Init(context.Background()))
	t.Cleanup(client.Close)
	return client, prober
}

func TestClientNotInitialized(t *testing.T) {
	client := NewClient()
	ctx := context.Background()

	_, err := client.Get(ctx, "/api/v1/plants", nil)
	assert.Equal(t, KindNotInitialized, KindOf(err))

	_, err = client.Post(ctx, "/api/v1/plants", nil, nil)
	assert.Equal(t, KindNotInitialized, KindOf(err))

	_, err = client.Batch(ctx, nil)
	assert.Equal(t, KindNotInitialized, KindOf(err))

	_, err = client.DrainQueue(ctx)
	assert.Equal(t, KindNotInitialized, KindOf(err))
}

func TestClientGetCaching(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"p1","name":"Northern","stage":"veg","plantedAt":"2026-08-01"}]`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	first, err := client.Get(ctx, "/api/v1/plants", nil)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := client.Get(ctx, "/api/v1/plants", nil)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), hits.Load(), "second GET must not hit the network")

	t.Run("force refresh bypasses the cache", func(t *testing.T) {
		resp, err := client.Get(ctx, "/api/v1/plants", &RequestOptions{ForceRefresh: true})
		require.NoError(t, err)
		assert.False(t, resp.FromCache)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("different query is a different fingerprint", func(t *testing.T) {
		_, err := client.Get(ctx, "/api/v1/plants", &RequestOptions{Query: map[string]string{"roomId": "veg-1"}})
		require.NoError(t, err)
		assert.Equal(t, int32(3), hits.Load())
	})
}

func TestClientCachedResponseIsolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", "v1")
		w.Write([]byte(`{"id":"p1"}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	first, err := client.Get(ctx, "/api/v1/plants/p1", nil)
	require.NoError(t, err)
	first.Headers.Set("Etag", "mangled")

	second, err := client.Get(ctx, "/api/v1/plants/p1", nil)
	require.NoError(t, err)
	require.True(t, second.FromCache)
	assert.Equal(t, "v1", second.Headers.Get("Etag"), "caller mutation must not reach the cache entry")

	second.Headers.Set("Etag", "mangled-again")
	third, err := client.Get(ctx, "/api/v1/plants/p1", nil)
	require.NoError(t, err)
	require.True(t, third.FromCache)
	assert.Equal(t, "v1", third.Headers.Get("Etag"))
}

func TestClientOfflineGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("offline GET must not reach the network")
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	client.Connectivity().SetState(Offline)

	_, err := client.Get(context.Background(), "/api/v1/plants", nil)
	assert.Equal(t, KindNoConnection, KindOf(err))
}

func TestClientOfflineMutationDeferredAndReplayed(t *testing.T) {
	var posts atomic.Int32
	var idempotencyKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			idempotencyKey.Store(r.Header.Get("Idempotency-Key"))
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"h1"}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	client.Connectivity().SetState(Offline)

	_, err := client.Post(ctx, "/api/v1/harvests", map[string]string{"plantId": "p1"}, nil)
	require.Error(t, err)
	require.True(t, IsDeferred(err), "offline write must defer, got %v", err)
	ge, _ := AsError(err)
	assert.NotEmpty(t, ge.EntryID)
	assert.Equal(t, int32(0), posts.Load(), "deferred write must not execute")

	n, err := client.Queue().Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Back online: an explicit drain replays the entry with its idempotency
	// key and empties the queue.
	client.Connectivity().SetState(Online)
	waitForQueueEmpty(t, client)

	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, "growlog-"+ge.EntryID, idempotencyKey.Load())
}

// waitForQueueEmpty polls until the transition-triggered drain finishes.
func waitForQueueEmpty(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := client.Queue().Len()
		require.NoError(t, err)
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func TestClientBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	t.Run("responses align with requests", func(t *testing.T) {
		resps, err := client.Batch(ctx, []BatchRequest{
			{Method: http.MethodGet, Path: "/api/v1/plants"},
			{Method: http.MethodGet, Path: "/api/v1/harvests"},
		})
		require.NoError(t, err)
		require.Len(t, resps, 2)

		var first, second map[string]string
		require.NoError(t, resps[0].Decode(&first))
		require.NoError(t, resps[1].Decode(&second))
		assert.Equal(t, "/api/v1/plants", first["path"])
		assert.Equal(t, "/api/v1/harvests", second["path"])
	})

	t.Run("offline batch is rejected whole", func(t *testing.T) {
		client.Connectivity().SetState(Offline)
		defer client.Connectivity().SetState(Online)

		_, err := client.Batch(ctx, []BatchRequest{
			{Method: http.MethodPost, Path: "/api/v1/harvests", Body: map[string]string{"plantId": "p1"}},
		})
		assert.Equal(t, KindNoConnection, KindOf(err))

		n, qerr := client.Queue().Len()
		require.NoError(t, qerr)
		assert.Equal(t, 0, n, "rejected batch must not enqueue anything")
	})
}

func TestClientTokenRefreshOn401(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refreshToken"] != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(AuthCredential{AccessToken: "fresh", RefreshToken: "refresh-2"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"ok":false,"error":{"code":"token_expired","message":"token expired"}}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := newTestClient(t, srv, WithCredential(&AuthCredential{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
	}))

	resp, err := client.Get(context.Background(), "/api/v1/plants", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, "fresh", client.Guard().Credential().AccessToken)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)

	resp, err := client.Get(context.Background(), "/api/v1/plants", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientRetryExhaustion(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Run("read degrades to no-connection", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		_, err := client.Get(context.Background(), "/api/v1/plants", nil)
		require.Error(t, err)
		ge, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindNoConnection, ge.Kind)
		assert.True(t, ge.Exhausted)
	})

	t.Run("write degrades to deferred", func(t *testing.T) {
		client, _ := newTestClient(t, srv)
		hits.Store(0)

		_, err := client.Post(context.Background(), "/api/v1/harvests", map[string]string{"plantId": "p1"}, nil)
		require.True(t, IsDeferred(err), "exhausted write must defer, got %v", err)
		assert.Equal(t, int32(3), hits.Load(), "full retry budget spent before deferring")

		n, qerr := client.Queue().Len()
		require.NoError(t, qerr)
		assert.Equal(t, 1, n)
	})
}

func TestClientRateLimitRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)

	resp, err := client.Get(context.Background(), "/api/v1/plants", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientValidationFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"ok":false,"error":{"code":"invalid_stage","message":"unknown stage"}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv)

	_, err := client.Post(context.Background(), "/api/v1/plants", map[string]string{"stage": "bogus"}, nil)
	require.Error(t, err)
	ge, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, ge.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, ge.StatusCode)
	assert.Equal(t, "unknown stage", ge.Message)
	assert.Equal(t, int32(1), hits.Load())

	n, qerr := client.Queue().Len()
	require.NoError(t, qerr)
	assert.Equal(t, 0, n, "definitive rejection must not be queued")
}

func TestClientStandardHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv,
		WithAccessToken("tok-1"),
		WithDefaultHeader("X-Facility", "greenhouse-7"),
	)

	_, err := client.Get(context.Background(), "/api/v1/plants", &RequestOptions{
		Headers: map[string]string{"X-Trace": "abc"},
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "growlog-go/"+Version, got.Get("User-Agent"))
	assert.Equal(t, Version, got.Get("X-Client-Version"))
	assert.NotEmpty(t, got.Get("X-Platform"))
	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, "greenhouse-7", got.Get("X-Facility"))
	assert.Equal(t, "abc", got.Get("X-Trace"))
}

func TestSubClients(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/plants", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`[{"id":"p1","name":"Northern","stage":"veg","plantedAt":"2026-08-01"}]`))
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"p2"}`))
		}
	})
	mux.HandleFunc("/api/v1/sensors/readings", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "veg-1", r.URL.Query().Get("roomId"))
		assert.Equal(t, "temp", r.URL.Query().Get("metric"))
		w.Write([]byte(`[{"id":"r1","sensorId":"s1","metric":"temp","value":24.5,"recordedAt":"2026-08-25T10:00:00Z"}]`))
	})
	mux.HandleFunc("/api/v1/harvests", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"h1","plantId":"p1","wetWeightG":420,"harvestedAt":"2026-08-20"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := newTestClient(t, srv)
	ctx := context.Background()

	plants, err := client.Plants().List(ctx)
	require.NoError(t, err)
	require.Len(t, plants, 1)
	assert.Equal(t, "Northern", plants[0].Name)

	created, err := client.Plants().Create(ctx, &CreatePlantOptions{Name: "Haze", Stage: "seedling"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, created.StatusCode)

	readings, err := client.Sensors().Readings(ctx, &ReadingsQuery{RoomID: "veg-1", Metric: "temp"})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 24.5, readings[0].Value, 0.001)

	harvests, err := client.Harvests().List(ctx, "")
	require.NoError(t, err)
	require.Len(t, harvests, 1)
	assert.InDelta(t, 420.0, harvests[0].WetWeightG, 0.001)
}
