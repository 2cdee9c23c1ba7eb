package factory

import (
	"bytes"
	"context"
	"crypto/tls"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"

	"benchclient/internal/channel"
	"benchclient/internal/errors"
	"benchclient/internal/grpcweb"
	"benchclient/internal/metrics"
)

// ── fixtures ─────────────────────────────────────────────────────────

// countingFS counts every file opened through it.
type countingFS struct {
	fs.FS
	opens atomic.Int32
}

func (c *countingFS) Open(name string) (fs.File, error) {
	c.opens.Add(1)
	return c.FS.Open(name)
}

func newMetrics(t *testing.T) *metrics.Collector {
	t.Helper()
	c, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func startHealthServer(t *testing.T, creds credentials.TransportCredentials) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var opts []grpc.ServerOption
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func serverTLS(t *testing.T, clientAuth tls.ClientAuthType) credentials.TransportCredentials {
	t.Helper()
	cert, err := tls.LoadX509KeyPair("testdata/server.crt", "testdata/server.key")
	require.NoError(t, err)
	return credentials.NewTLS(&tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: clientAuth})
}

func checkHealth(t *testing.T, h *channel.Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := healthpb.NewHealthClient(h).Check(ctx, &healthpb.HealthCheckRequest{})
	return err
}

// ── cache behaviour ──────────────────────────────────────────────────

func TestAcquire_ExampleScenario(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", false, false, grpcweb.ModeNone, WithMetrics(m))
	ctx := context.Background()

	h, err := f.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:50051", h.Target().String())
	assert.Equal(t, grpcweb.ModeNone, h.Framing())
	assert.Nil(t, h.RoundTripper())

	again, err := f.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, 1.0, m.Snapshot().Created)
	assert.Equal(t, 1.0, m.Snapshot().CacheHits)

	require.NoError(t, f.Release(ctx, h))
	assert.Equal(t, channel.StateReleased, h.State())
	assert.Equal(t, 1.0, m.Snapshot().Released)
	assert.Equal(t, 0, f.Len())
}

func TestAcquire_PerIDIsolation(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", false, false, grpcweb.ModeNone, WithMetrics(m))
	defer f.Close()

	a, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	b, err := f.Acquire(context.Background(), 2)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, b.ID())
	assert.NotSame(t, a.ClientConn(), b.ClientConn())
	assert.Equal(t, 2.0, m.Snapshot().Created)
	assert.Equal(t, 2, f.Len())
}

func TestAcquire_NegativeAndLargeIDs(t *testing.T) {
	f := New("localhost:50051", false, false, grpcweb.ModeNone)
	defer f.Close()

	for _, id := range []int{-1, 0, 1 << 30} {
		h, err := f.Acquire(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, h.ID())
	}
}

func TestAcquire_SchemeSelection(t *testing.T) {
	tests := []struct {
		useTLS  bool
		framing grpcweb.Mode
		want    string
	}{
		{false, grpcweb.ModeNone, "http://bench.local:443"},
		{true, grpcweb.ModeNone, "https://bench.local:443"},
		{false, grpcweb.ModeBinary, "http://bench.local:443"},
		{true, grpcweb.ModeText, "https://bench.local:443"},
	}
	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.framing.String(), func(t *testing.T) {
			f := New("bench.local:443", tt.useTLS, false, tt.framing)
			defer f.Close()
			h, err := f.Acquire(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.Target().String())
		})
	}
}

func TestAcquire_ConcurrentSameID(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", false, false, grpcweb.ModeNone, WithMetrics(m))
	defer f.Close()

	const callers = 64
	var wg sync.WaitGroup
	handles := make([]*channel.Handle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := f.Acquire(context.Background(), 7)
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1.0, m.Snapshot().Created)
	assert.Equal(t, float64(callers-1), m.Snapshot().CacheHits)
}

// A built slot is served even when the caller's context is already
// done.
func TestAcquire_CachedWithCancelledContext(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", false, false, grpcweb.ModeNone, WithMetrics(m))
	defer f.Close()

	h, err := f.Acquire(context.Background(), 3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	const rounds = 100
	for i := 0; i < rounds; i++ {
		got, err := f.Acquire(ctx, 3)
		require.NoError(t, err, "round %d", i)
		require.Same(t, h, got)
	}
	assert.Equal(t, float64(rounds), m.Snapshot().CacheHits)
}

func TestAcquire_MalformedTarget(t *testing.T) {
	m := newMetrics(t)
	f := New("local host:50051", false, false, grpcweb.ModeNone, WithMetrics(m))

	_, err := f.Acquire(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsConfig(err))

	var ce *errors.ConstructionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "url", ce.Op)
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, map[string]float64{"config": 1}, m.Snapshot().Failures)
}

func TestAcquire_UnsupportedFraming(t *testing.T) {
	f := New("localhost:50051", false, false, grpcweb.Mode(42))
	_, err := f.Acquire(context.Background(), 1)
	require.ErrorIs(t, err, errors.ErrUnsupportedMode)
	assert.Equal(t, errors.KindTransport, errors.Classify(err))
}

// ── client certificate gating ────────────────────────────────────────

func TestAcquire_NoClientCertReadsNothing(t *testing.T) {
	fsys := &countingFS{FS: os.DirFS("testdata")}
	f := New("localhost:50051", true, false, grpcweb.ModeNone, WithIdentityFS(fsys))
	defer f.Close()

	_, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, fsys.opens.Load())
}

func TestAcquire_ClientCertPresent(t *testing.T) {
	fsys := &countingFS{FS: os.DirFS("testdata")}
	f := New("localhost:50051", true, true, grpcweb.ModeNone, WithIdentityFS(fsys))
	defer f.Close()

	_, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Positive(t, fsys.opens.Load())
}

func TestAcquire_ClientCertMissing(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", true, true, grpcweb.ModeNone,
		WithIdentityFS(fstest.MapFS{}), WithMetrics(m))

	_, err := f.Acquire(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIdentityNotFound)
	assert.True(t, errors.IsConfig(err))
	assert.Equal(t, 0, f.Len())

	// not cached: the next attempt reads again
	_, err = f.Acquire(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, 2.0, m.Snapshot().Failures["config"])
}

// ── framing ──────────────────────────────────────────────────────────

func TestAcquire_FramingWrap(t *testing.T) {
	for _, mode := range []grpcweb.Mode{grpcweb.ModeText, grpcweb.ModeBinary} {
		t.Run(mode.String(), func(t *testing.T) {
			f := New("localhost:50051", true, false, mode, WithInsecureSkipVerify(true))
			defer f.Close()

			h, err := f.Acquire(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, mode, h.Framing())
			assert.Nil(t, h.ClientConn())

			rt, ok := h.RoundTripper().(*grpcweb.Transport)
			require.True(t, ok)
			assert.Equal(t, mode, rt.Mode)

			base, ok := rt.Base.(*http.Transport)
			require.True(t, ok)
			assert.True(t, base.TLSClientConfig.InsecureSkipVerify)
			assert.Equal(t, []string{"http/1.1"}, base.TLSClientConfig.NextProtos)
		})
	}
}

// webHealth answers Health/Check in gRPC-Web binary framing.
func webHealth(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/grpc.health.v1.Health/Check", r.URL.Path)
		assert.Equal(t, 1, r.ProtoMajor)
		if _, err := grpcweb.ReadFrame(r.Body, 0); !assert.NoError(t, err) {
			return
		}
		payload, err := proto.Marshal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING})
		require.NoError(t, err)

		var out bytes.Buffer
		_ = grpcweb.WriteFrame(&out, grpcweb.FlagData, payload)
		_ = grpcweb.WriteFrame(&out, grpcweb.FlagTrailer, []byte("grpc-status: 0\r\n"))
		w.Header().Set("Content-Type", "application/grpc-web+proto")
		_, _ = w.Write(out.Bytes())
	})
}

func TestAcquire_GRPCWebOverTLS(t *testing.T) {
	srv := httptest.NewTLSServer(webHealth(t))
	defer srv.Close()

	f := New(srv.Listener.Addr().String(), true, false, grpcweb.ModeBinary, WithInsecureSkipVerify(true))
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, checkHealth(t, h))
}

// ── end to end ───────────────────────────────────────────────────────

func TestAcquire_Plaintext(t *testing.T) {
	addr := startHealthServer(t, nil)
	f := New(addr, false, false, grpcweb.ModeNone)
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, checkHealth(t, h))
}

func TestAcquire_TLSInsecure(t *testing.T) {
	addr := startHealthServer(t, serverTLS(t, tls.NoClientCert))
	f := New(addr, true, false, grpcweb.ModeNone, WithInsecureSkipVerify(true))
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, checkHealth(t, h))
}

func TestAcquire_TLSVerifiedWithCA(t *testing.T) {
	addr := startHealthServer(t, serverTLS(t, tls.NoClientCert))
	f := New(addr, true, false, grpcweb.ModeNone,
		WithCAFile("testdata/server.crt"), WithServerName("localhost"))
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, checkHealth(t, h))
}

func TestAcquire_TLSRejectsUnknownServer(t *testing.T) {
	addr := startHealthServer(t, serverTLS(t, tls.NoClientCert))
	f := New(addr, true, false, grpcweb.ModeNone)
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err, "construction is lazy")
	assert.Error(t, checkHealth(t, h))
}

func TestAcquire_MutualTLS(t *testing.T) {
	addr := startHealthServer(t, serverTLS(t, tls.RequireAnyClientCert))
	f := New(addr, true, true, grpcweb.ModeNone,
		WithInsecureSkipVerify(true), WithIdentityFS(os.DirFS("testdata")))
	defer f.Close()

	h, err := f.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NoError(t, checkHealth(t, h))
}

// ── release ──────────────────────────────────────────────────────────

func TestRelease_Terminal(t *testing.T) {
	addr := startHealthServer(t, nil)
	f := New(addr, false, false, grpcweb.ModeNone)
	defer f.Close()
	ctx := context.Background()

	h, err := f.Acquire(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, checkHealth(t, h))

	require.NoError(t, f.Release(ctx, h))
	assert.ErrorIs(t, checkHealth(t, h), errors.ErrChannelReleased)
	assert.ErrorIs(t, f.Release(ctx, h), errors.ErrChannelReleased)

	// purge-on-release: the slot gets a fresh channel
	fresh, err := f.Acquire(ctx, 3)
	require.NoError(t, err)
	assert.NotSame(t, h, fresh)
	assert.NoError(t, checkHealth(t, fresh))
}

func TestRelease_Nil(t *testing.T) {
	f := New("localhost:50051", false, false, grpcweb.ModeNone)
	assert.Error(t, f.Release(context.Background(), nil))
}

func TestClose(t *testing.T) {
	m := newMetrics(t)
	f := New("localhost:50051", false, false, grpcweb.ModeBinary, WithMetrics(m))
	ctx := context.Background()

	var handles []*channel.Handle
	for id := 0; id < 3; id++ {
		h, err := f.Acquire(ctx, id)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	for _, h := range handles {
		assert.True(t, h.Released())
	}
	assert.Equal(t, 0.0, m.Snapshot().Active)

	_, err := f.Acquire(ctx, 0)
	assert.ErrorIs(t, err, errors.ErrFactoryClosed)
	assert.Equal(t, errors.KindMisuse, errors.Classify(err))
}

func TestClose_StopsTransports(t *testing.T) {
	addr := startHealthServer(t, nil)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := New(addr, false, false, grpcweb.ModeNone)
	for id := 0; id < 4; id++ {
		h, err := f.Acquire(context.Background(), id)
		require.NoError(t, err)
		require.NoError(t, checkHealth(t, h))
	}
	require.NoError(t, f.Close())
}
