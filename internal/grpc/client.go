package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"shardq/internal/security"
)

// Client calls shardq.v1.QueueService with the JSON codec.
type Client struct {
	conn   grpc.ClientConnInterface
	owned  *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	c := NewClient(conn)
	c.owned = conn
	return c, nil
}

// NewClient wraps an existing connection. The caller keeps ownership of it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

// APIKey attaches an API key to every RPC:
//
//	grpcserver.Dial(addr, grpc.WithPerRPCCredentials(grpcserver.APIKey(key)))
type APIKey string

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (k APIKey) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{security.MetadataKey: string(k)}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials. Keys
// are sent over plaintext connections too, matching Dial.
func (k APIKey) RequireTransportSecurity() bool {
	return false
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype(CodecName))
}

// Publish enqueues value. A ttl of zero uses the server default.
func (c *Client) Publish(ctx context.Context, key string, value []byte, ttl time.Duration) (*PublishResponse, error) {
	resp := new(PublishResponse)
	err := c.invoke(ctx, "Publish", &PublishRequest{Key: key, Value: value, TTLMillis: ttl.Milliseconds()}, resp)
	return resp, err
}

// PublishToShard enqueues value on an explicit shard.
func (c *Client) PublishToShard(ctx context.Context, shard int, value []byte, ttl time.Duration) (*PublishResponse, error) {
	resp := new(PublishResponse)
	err := c.invoke(ctx, "Publish", &PublishRequest{Value: value, TTLMillis: ttl.Milliseconds(), Shard: &shard}, resp)
	return resp, err
}

// Consume waits up to wait for a message. shard < 0 consumes from any shard.
// The returned message is nil when the wait elapsed.
func (c *Client) Consume(ctx context.Context, shard int, wait time.Duration) (*Message, error) {
	req := &ConsumeRequest{WaitMillis: wait.Milliseconds()}
	if shard >= 0 {
		req.Shard = &shard
	}
	resp := new(ConsumeResponse)
	if err := c.invoke(ctx, "Consume", req, resp); err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Message, nil
}

// Ack acknowledges id.
func (c *Client) Ack(ctx context.Context, id uint64) error {
	return c.invoke(ctx, "Ack", &AckRequest{ID: id}, new(AckResponse))
}

// DrainDeadLetters removes and returns every dead letter.
func (c *Client) DrainDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	resp := new(DrainDeadLettersResponse)
	if err := c.invoke(ctx, "DrainDeadLetters", &DrainDeadLettersRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Stats returns the server's counters.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp := new(StatsResponse)
	err := c.invoke(ctx, "Stats", &StatsRequest{}, resp)
	return resp, err
}

// Healthy asks grpc.health.v1 for the status of the queue service.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
