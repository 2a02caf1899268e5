package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"shardq/internal/queue"
	"shardq/internal/security"
)

const bufSize = 1 << 20

type testEnv struct {
	queue  *queue.Router[[]byte]
	server *Server
	conn   *grpc.ClientConn
	client *Client
}

func testQueueConfig() queue.Config {
	return queue.Config{
		ShardCount:        2,
		CapacityPerShard:  16,
		VisibilityTimeout: time.Second,
		MaxRetries:        3,
		PollInterval:      10 * time.Millisecond,
		BlockOnFull:       true,
	}
}

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.EnableReflection = false
	cfg.NodeID = "test-node"
	cfg.MaxWait = time.Second
	cfg.HealthInterval = 10 * time.Millisecond
	return cfg
}

// setupTestServer serves a fresh router over an in-memory listener.
func setupTestServer(t *testing.T, qcfg queue.Config, cfg ServerConfig, dialOpts ...grpc.DialOption) *testEnv {
	t.Helper()

	q, err := queue.NewRouter[[]byte](qcfg)
	require.NoError(t, err)

	srv := NewServer(q, cfg, nil)
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()

	dialOpts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)
	conn, err := grpc.NewClient("passthrough:///bufnet", dialOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
		_ = q.Close()
	})

	return &testEnv{queue: q, server: srv, conn: conn, client: NewClient(conn)}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPublishConsumeAckOverGRPC(t *testing.T) {
	env := setupTestServer(t, testQueueConfig(), testServerConfig())
	ctx := testContext(t)

	pub, err := env.client.Publish(ctx, "orders", []byte("hi"), time.Minute)
	require.NoError(t, err)
	require.Equal(t, queue.FormatID(pub.ID), pub.Ref)
	require.Equal(t, env.queue.ShardFor("orders"), pub.Shard)

	msg, err := env.client.Consume(ctx, pub.Shard, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, pub.ID, msg.ID)
	require.Equal(t, []byte("hi"), msg.Value)
	require.Zero(t, msg.RetryCount)
	require.Equal(t, time.Minute, msg.ExpiresAt.Sub(msg.EnqueuedAt))

	require.NoError(t, env.client.Ack(ctx, msg.ID))
	require.NoError(t, env.client.Ack(ctx, msg.ID), "second ack is a no-op")

	stats, err := env.client.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, "test-node", stats.NodeID)
	require.EqualValues(t, 1, stats.Queue.Acked)
	require.Zero(t, stats.Queue.InFlight)
}

func TestConsumeAnyShardAndEmptyWait(t *testing.T) {
	env := setupTestServer(t, testQueueConfig(), testServerConfig())
	ctx := testContext(t)

	msg, err := env.client.Consume(ctx, -1, 20*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, msg, "empty queue returns no message once the wait elapses")

	_, err = env.client.Publish(ctx, "", []byte("rr"), 0)
	require.NoError(t, err)

	msg, err = env.client.Consume(ctx, -1, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, []byte("rr"), msg.Value)
	require.True(t, msg.ExpiresAt.Sub(msg.EnqueuedAt) == time.Hour, "default ttl applies")
}

func TestErrorCodes(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.ShardCount = 1
	qcfg.CapacityPerShard = 1
	qcfg.BlockOnFull = false
	env := setupTestServer(t, qcfg, testServerConfig())
	ctx := testContext(t)

	_, err := env.client.PublishToShard(ctx, 5, []byte("x"), 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Consume(ctx, 5, 0)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = env.client.Publish(ctx, "", []byte("first"), 0)
	require.NoError(t, err)
	_, err = env.client.Publish(ctx, "", []byte("second"), 0)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	var resp PublishResponse
	err = env.conn.Invoke(ctx, "/"+ServiceName+"/Publish",
		&PublishRequest{Value: []byte("x"), TTLMillis: -1}, &resp, grpc.CallContentSubtype(CodecName))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, env.queue.Close())
	_, err = env.client.Publish(ctx, "", []byte("late"), 0)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestPublishRateLimited(t *testing.T) {
	cfg := testServerConfig()
	cfg.PublishRate = 0.001
	cfg.PublishBurst = 1
	env := setupTestServer(t, testQueueConfig(), cfg)
	ctx := testContext(t)

	_, err := env.client.Publish(ctx, "a", []byte("ok"), 0)
	require.NoError(t, err)

	_, err = env.client.Publish(ctx, "a", []byte("limited"), 0)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestDrainDeadLettersOverGRPC(t *testing.T) {
	qcfg := testQueueConfig()
	qcfg.VisibilityTimeout = 20 * time.Millisecond
	qcfg.MaxRetries = 0
	env := setupTestServer(t, qcfg, testServerConfig())
	ctx := testContext(t)

	pub, err := env.client.Publish(ctx, "poison", []byte("bad"), time.Minute)
	require.NoError(t, err)
	msg, err := env.client.Consume(ctx, pub.Shard, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	var letters []DeadLetter
	require.Eventually(t, func() bool {
		got, err := env.client.DrainDeadLetters(ctx)
		if err != nil {
			return false
		}
		letters = append(letters, got...)
		return len(letters) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, letters, 1)
	require.Equal(t, pub.ID, letters[0].Message.ID)
	require.Equal(t, string(queue.ReasonMaxRetriesExceeded), letters[0].Reason)
}

func TestHealthFollowsRouter(t *testing.T) {
	env := setupTestServer(t, testQueueConfig(), testServerConfig())
	ctx := testContext(t)

	ok, err := env.client.Healthy(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	overall, err := healthpb.NewHealthClient(env.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, overall.GetStatus())

	require.NoError(t, env.queue.Close())

	require.Eventually(t, func() bool {
		ok, err := env.client.Healthy(ctx)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	env := setupTestServer(t, testQueueConfig(), testServerConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env.server.Stop(ctx)
	env.server.Stop(ctx)

	require.Error(t, env.server.Serve(bufconn.Listen(bufSize)))
}

func TestAPIKeyAuth(t *testing.T) {
	keys, err := security.NewKeyStore(security.Config{
		Enabled: true,
		Keys: []security.KeyConfig{
			{Name: "producer", Key: "sq_producer", Roles: []string{security.RoleProducer}},
			{Name: "ops", Key: "sq_ops", Roles: []string{security.RoleAdmin}},
		},
	})
	require.NoError(t, err)

	cfg := testServerConfig()
	cfg.Keys = keys

	t.Run("no key", func(t *testing.T) {
		env := setupTestServer(t, testQueueConfig(), cfg)
		ctx := testContext(t)

		_, err := env.client.Publish(ctx, "k", []byte("x"), 0)
		require.Equal(t, codes.Unauthenticated, status.Code(err))

		// Health stays open.
		ok, err := env.client.Healthy(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("producer key", func(t *testing.T) {
		env := setupTestServer(t, testQueueConfig(), cfg, grpc.WithPerRPCCredentials(APIKey("sq_producer")))
		ctx := testContext(t)

		_, err := env.client.Publish(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)

		_, err = env.client.Consume(ctx, -1, 10*time.Millisecond)
		require.Equal(t, codes.PermissionDenied, status.Code(err))

		_, err = env.client.Stats(ctx)
		require.NoError(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		env := setupTestServer(t, testQueueConfig(), cfg, grpc.WithPerRPCCredentials(APIKey("sq_nope")))
		_, err := env.client.Stats(testContext(t))
		require.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("admin key", func(t *testing.T) {
		env := setupTestServer(t, testQueueConfig(), cfg, grpc.WithPerRPCCredentials(APIKey("sq_ops")))
		ctx := testContext(t)

		_, err := env.client.Publish(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)
		_, err = env.client.DrainDeadLetters(ctx)
		require.NoError(t, err)
	})
}
