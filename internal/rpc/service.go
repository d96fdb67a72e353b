package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/shale-io/shale/internal/gc"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/tserver"
)

// Service names.
const (
	TabletClientServiceName = "shale.TabletClientService"
	GCMonitorServiceName    = "shale.GCMonitorService"
)

// TabletServer is the engine behind TabletClientService. *tserver.Server
// implements it.
type TabletServer interface {
	StartScan(req tserver.ScanRequest) (tserver.InitialScan, error)
	ContinueScan(id int64) (tserver.ScanResult, error)
	CloseScan(id int64)
	StartMultiScan(req tserver.MultiScanRequest) (tserver.InitialMultiScan, error)
	ContinueMultiScan(id int64) (tserver.MultiScanResult, error)
	CloseMultiScan(id int64) error
	StartUpdate(creds security.Credentials, client string) (int64, error)
	ApplyUpdates(ctx context.Context, id int64, extent kv.Extent, mutations []kv.Mutation) error
	CloseUpdate(ctx context.Context, id int64) (tserver.UpdateErrors, error)
	Update(ctx context.Context, creds security.Credentials, extent kv.Extent, mutation kv.Mutation) error
	GetActiveScans() []tserver.ActiveScan
}

// GCMonitor is the engine behind GCMonitorService. *gc.Collector
// implements it.
type GCMonitor interface {
	Status() gc.Status
}

// Empty is the message of calls without arguments or results.
type Empty struct{}

// SessionRequest names a scan or update session.
type SessionRequest struct {
	ID int64 `json:"id"`
}

type StartUpdateRequest struct {
	Credentials security.Credentials `json:"credentials"`
	Client      string               `json:"client,omitempty"`
}

type ApplyUpdatesRequest struct {
	ID        int64         `json:"id"`
	Extent    kv.Extent     `json:"extent"`
	Mutations []kv.Mutation `json:"mutations"`
}

type UpdateRequest struct {
	Credentials security.Credentials `json:"credentials"`
	Extent      kv.Extent            `json:"extent"`
	Mutation    kv.Mutation          `json:"mutation"`
}

type ActiveScansResponse struct {
	Scans []tserver.ActiveScan `json:"scans"`
}

// unary builds the descriptor of one method whose handler calls fn on the
// registered service value.
func unary[S, Req, Resp any](service, method string, fn func(ctx context.Context, srv S, req *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(ctx, srv.(S), req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

func tabletMethod[Req, Resp any](method string, fn func(ctx context.Context, srv TabletServer, req *Req) (*Resp, error)) grpc.MethodDesc {
	return unary(TabletClientServiceName, method, fn)
}

// TabletClientServiceDesc describes shale.TabletClientService.
var TabletClientServiceDesc = grpc.ServiceDesc{
	ServiceName: TabletClientServiceName,
	HandlerType: (*TabletServer)(nil),
	Methods: []grpc.MethodDesc{
		tabletMethod("StartScan", func(_ context.Context, s TabletServer, req *tserver.ScanRequest) (*tserver.InitialScan, error) {
			res, err := s.StartScan(*req)
			return &res, err
		}),
		tabletMethod("ContinueScan", func(_ context.Context, s TabletServer, req *SessionRequest) (*tserver.ScanResult, error) {
			res, err := s.ContinueScan(req.ID)
			return &res, err
		}),
		tabletMethod("CloseScan", func(_ context.Context, s TabletServer, req *SessionRequest) (*Empty, error) {
			s.CloseScan(req.ID)
			return &Empty{}, nil
		}),
		tabletMethod("StartMultiScan", func(_ context.Context, s TabletServer, req *tserver.MultiScanRequest) (*tserver.InitialMultiScan, error) {
			res, err := s.StartMultiScan(*req)
			return &res, err
		}),
		tabletMethod("ContinueMultiScan", func(_ context.Context, s TabletServer, req *SessionRequest) (*tserver.MultiScanResult, error) {
			res, err := s.ContinueMultiScan(req.ID)
			return &res, err
		}),
		tabletMethod("CloseMultiScan", func(_ context.Context, s TabletServer, req *SessionRequest) (*Empty, error) {
			return &Empty{}, s.CloseMultiScan(req.ID)
		}),
		tabletMethod("StartUpdate", func(_ context.Context, s TabletServer, req *StartUpdateRequest) (*SessionRequest, error) {
			id, err := s.StartUpdate(req.Credentials, req.Client)
			return &SessionRequest{ID: id}, err
		}),
		tabletMethod("ApplyUpdates", func(ctx context.Context, s TabletServer, req *ApplyUpdatesRequest) (*Empty, error) {
			return &Empty{}, s.ApplyUpdates(ctx, req.ID, req.Extent, req.Mutations)
		}),
		tabletMethod("CloseUpdate", func(ctx context.Context, s TabletServer, req *SessionRequest) (*tserver.UpdateErrors, error) {
			res, err := s.CloseUpdate(ctx, req.ID)
			return &res, err
		}),
		tabletMethod("Update", func(ctx context.Context, s TabletServer, req *UpdateRequest) (*Empty, error) {
			return &Empty{}, s.Update(ctx, req.Credentials, req.Extent, req.Mutation)
		}),
		tabletMethod("GetActiveScans", func(_ context.Context, s TabletServer, _ *Empty) (*ActiveScansResponse, error) {
			return &ActiveScansResponse{Scans: s.GetActiveScans()}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shale/tabletclient",
}

// GCMonitorServiceDesc describes shale.GCMonitorService.
var GCMonitorServiceDesc = grpc.ServiceDesc{
	ServiceName: GCMonitorServiceName,
	HandlerType: (*GCMonitor)(nil),
	Methods: []grpc.MethodDesc{
		unary(GCMonitorServiceName, "GetStatus", func(_ context.Context, m GCMonitor, _ *Empty) (*gc.Status, error) {
			st := m.Status()
			return &st, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shale/gcmonitor",
}
