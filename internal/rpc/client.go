package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/shale-io/shale/internal/gc"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/tserver"
)

// Client calls a tablet server or GC monitor. Failed calls return the
// tserver error types.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient uses an existing connection, which Close leaves open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, in, out any) error {
	if id := logging.RequestIDFromCtx(ctx); id != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out,
		grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	if err != nil {
		return fromStatus(err, trailer)
	}
	return nil
}

func (c *Client) tablet(ctx context.Context, method string, in, out any) error {
	return c.invoke(ctx, TabletClientServiceName, method, in, out)
}

func (c *Client) StartScan(ctx context.Context, req tserver.ScanRequest) (tserver.InitialScan, error) {
	var out tserver.InitialScan
	err := c.tablet(ctx, "StartScan", &req, &out)
	return out, err
}

func (c *Client) ContinueScan(ctx context.Context, id int64) (tserver.ScanResult, error) {
	var out tserver.ScanResult
	err := c.tablet(ctx, "ContinueScan", &SessionRequest{ID: id}, &out)
	return out, err
}

func (c *Client) CloseScan(ctx context.Context, id int64) error {
	return c.tablet(ctx, "CloseScan", &SessionRequest{ID: id}, &Empty{})
}

func (c *Client) StartMultiScan(ctx context.Context, req tserver.MultiScanRequest) (tserver.InitialMultiScan, error) {
	var out tserver.InitialMultiScan
	err := c.tablet(ctx, "StartMultiScan", &req, &out)
	return out, err
}

func (c *Client) ContinueMultiScan(ctx context.Context, id int64) (tserver.MultiScanResult, error) {
	var out tserver.MultiScanResult
	err := c.tablet(ctx, "ContinueMultiScan", &SessionRequest{ID: id}, &out)
	return out, err
}

func (c *Client) CloseMultiScan(ctx context.Context, id int64) error {
	return c.tablet(ctx, "CloseMultiScan", &SessionRequest{ID: id}, &Empty{})
}

func (c *Client) StartUpdate(ctx context.Context, creds security.Credentials, client string) (int64, error) {
	var out SessionRequest
	err := c.tablet(ctx, "StartUpdate", &StartUpdateRequest{Credentials: creds, Client: client}, &out)
	return out.ID, err
}

func (c *Client) ApplyUpdates(ctx context.Context, id int64, extent kv.Extent, mutations []kv.Mutation) error {
	return c.tablet(ctx, "ApplyUpdates", &ApplyUpdatesRequest{ID: id, Extent: extent, Mutations: mutations}, &Empty{})
}

func (c *Client) CloseUpdate(ctx context.Context, id int64) (tserver.UpdateErrors, error) {
	var out tserver.UpdateErrors
	err := c.tablet(ctx, "CloseUpdate", &SessionRequest{ID: id}, &out)
	return out, err
}

func (c *Client) Update(ctx context.Context, creds security.Credentials, extent kv.Extent, mutation kv.Mutation) error {
	return c.tablet(ctx, "Update", &UpdateRequest{Credentials: creds, Extent: extent, Mutation: mutation}, &Empty{})
}

func (c *Client) GetActiveScans(ctx context.Context) ([]tserver.ActiveScan, error) {
	var out ActiveScansResponse
	err := c.tablet(ctx, "GetActiveScans", &Empty{}, &out)
	return out.Scans, err
}

// GCStatus asks a garbage collector for its cycle counters.
func (c *Client) GCStatus(ctx context.Context) (gc.Status, error) {
	var out gc.Status
	err := c.invoke(ctx, GCMonitorServiceName, "GetStatus", &Empty{}, &out)
	return out, err
}
