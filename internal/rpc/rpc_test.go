package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/gc"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/objectstore"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/tserver"
	"github.com/shale-io/shale/internal/wal"
)

var (
	alice = security.Credentials{Principal: "alice", Password: "secret"}
	root  = security.Credentials{Principal: "root", Password: "root"}
)

type fixedStatus gc.Status

func (s fixedStatus) Status() gc.Status { return gc.Status(s) }

func newTestClient(t *testing.T, monitor GCMonitor) (*Client, *tserver.Server) {
	t.Helper()

	store, err := tablet.OpenInMemory(tablet.Options{Logger: logging.NewNop()})
	require.NoError(t, err)
	auth := security.NewStaticAuthenticator()
	auth.AddUser(alice.Principal, alice.Password, false, kv.NewAuthorizations("public"),
		map[kv.TableID][]security.Permission{"1": {security.PermRead, security.PermWrite}})
	auth.AddUser(root.Principal, root.Password, true, kv.NewAuthorizations("public", "private"), nil)
	walLogger := wal.NewLogger(objectstore.NewMockStore(), wal.LoggerConfig{Server: "rpc-test"})

	ts := tserver.New(tserver.DefaultConfig(), store, auth, walLogger, logging.NewNop())
	ts.Start()

	srv := NewServer(ServerConfig{}, logging.NewNop())
	srv.RegisterTabletServer(ts)
	if monitor != nil {
		srv.RegisterGCMonitor(monitor)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		srv.Stop(time.Second)
		ts.Close()
		store.Close()
	})
	return client, ts
}

func put(row, vis string) kv.Mutation {
	return *kv.NewMutation([]byte(row)).Put([]byte("f"), []byte("q"), []byte(vis), []byte("v-"+row))
}

func TestScanAndUpdateRoundTrip(t *testing.T) {
	client, ts := newTestClient(t, nil)
	ctx := context.Background()
	ext := kv.NewExtent("1", "", "")
	_, err := ts.LoadTablet(ext)
	require.NoError(t, err)

	id, err := client.StartUpdate(ctx, alice, "test")
	require.NoError(t, err)
	require.NoError(t, client.ApplyUpdates(ctx, id, ext, []kv.Mutation{put("a", "public"), put("b", "")}))
	report, err := client.CloseUpdate(ctx, id)
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Empty(t, report.Violations)
	require.NoError(t, client.Update(ctx, root, ext, put("c", "private")))

	initial, err := client.StartScan(ctx, tserver.ScanRequest{
		Credentials:    alice,
		Extent:         ext,
		Range:          kv.InfiniteRange(),
		Authorizations: kv.NewAuthorizations("public"),
	})
	require.NoError(t, err)
	var rows []string
	result := initial.Result
	for {
		for _, e := range result.Results {
			rows = append(rows, string(e.Key.Row))
		}
		if !result.More {
			break
		}
		result, err = client.ContinueScan(ctx, initial.ScanID)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a", "b"}, rows)
	require.NoError(t, client.CloseScan(ctx, initial.ScanID))
}

func TestMultiScanAndActiveScans(t *testing.T) {
	client, ts := newTestClient(t, nil)
	ctx := context.Background()
	ext := kv.NewExtent("1", "", "")
	_, err := ts.LoadTablet(ext)
	require.NoError(t, err)
	require.NoError(t, client.Update(ctx, root, ext, put("a", "")))

	initial, err := client.StartMultiScan(ctx, tserver.MultiScanRequest{
		Credentials: alice,
		Batch:       []tserver.ExtentRanges{{Extent: ext, Ranges: []kv.Range{kv.InfiniteRange()}}},
	})
	require.NoError(t, err)
	require.Len(t, initial.Result.Results, 1)
	require.Equal(t, []kv.Extent{ext}, initial.Result.FullScans)

	scans, err := client.GetActiveScans(ctx)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	require.Equal(t, tserver.ScanTypeBatch, scans[0].Type)
	require.Equal(t, "alice", scans[0].User)

	require.NoError(t, client.CloseMultiScan(ctx, initial.ScanID))
	scans, err = client.GetActiveScans(ctx)
	require.NoError(t, err)
	require.Empty(t, scans)
}

func TestErrorsKeepTheirType(t *testing.T) {
	client, ts := newTestClient(t, nil)
	ctx := context.Background()
	ext := kv.NewExtent("1", "", "")
	_, err := ts.LoadTablet(ext)
	require.NoError(t, err)
	scan := func(req tserver.ScanRequest) error {
		req.Range = kv.InfiniteRange()
		_, err := client.StartScan(ctx, req)
		return err
	}

	var noSuchScan *tserver.NoSuchScanIDError
	_, err = client.ContinueScan(ctx, 4242)
	require.ErrorAs(t, err, &noSuchScan)
	require.EqualValues(t, 4242, noSuchScan.ID)

	var notServing *tserver.NotServingTabletError
	other := kv.NewExtent("1", "m", "")
	require.ErrorAs(t, scan(tserver.ScanRequest{Credentials: alice, Extent: other}), &notServing)
	require.Equal(t, other, notServing.Extent)

	var secErr *tserver.SecurityError
	bad := security.Credentials{Principal: "alice", Password: "wrong"}
	require.ErrorAs(t, scan(tserver.ScanRequest{Credentials: bad, Extent: ext}), &secErr)
	require.Equal(t, tserver.BadCredentials, secErr.Code)
	require.Equal(t, "alice", secErr.User)

	err = scan(tserver.ScanRequest{
		Credentials: alice,
		Extent:      ext,
		Iterators:   []kv.IteratorSetting{{Priority: 10, Name: "x", Class: "no.such.Iterator"}},
	})
	require.True(t, tserver.IllegalArgument.Has(err), "got %v", err)

	var violation *tserver.ConstraintViolationError
	err = client.Update(ctx, alice, ext, put("a", "private"))
	require.ErrorAs(t, err, &violation)
	require.Len(t, violation.Violations, 1)
	require.Equal(t, constraints.CodeMissingAuthorization, violation.Violations[0].Code)
}

func TestGCStatus(t *testing.T) {
	want := gc.Status{
		Last:    gc.CycleStats{Started: 1, Finished: 2, Candidates: 10, InUse: 4, Deleted: 5, Errors: 1},
		Current: gc.CycleStats{Started: 3, Candidates: 7},
	}
	client, _ := newTestClient(t, fixedStatus(want))
	got, err := client.GCStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStatusMapping(t *testing.T) {
	ext := kv.NewExtent("7", "m", "")
	cases := []error{
		&tserver.NotServingTabletError{Extent: ext},
		&tserver.NoSuchScanIDError{ID: 9},
		&tserver.TooManyFilesError{Extent: ext, Err: errors.New("too many open files")},
		&tserver.SecurityError{User: "bob", Code: tserver.PermissionDenied},
		&tserver.ConstraintViolationError{Violations: []constraints.Violation{{Constraint: "c", Code: 2, Count: 3}}},
	}
	for _, in := range cases {
		detail, serr := toStatus(tserver.Error.Wrap(in))
		var md map[string][]string
		if detail != nil {
			md = detail.trailer()
		}
		out := fromStatus(serr, md)
		require.IsType(t, in, out)
		if tm, ok := out.(*tserver.TooManyFilesError); ok {
			require.Equal(t, ext, tm.Extent)
			continue
		}
		require.Equal(t, in, out)
	}

	_, serr := toStatus(session.ErrAlreadyReserved)
	require.ErrorIs(t, fromStatus(serr, nil), session.ErrAlreadyReserved)

	_, serr = toStatus(context.DeadlineExceeded)
	require.Equal(t, serr, fromStatus(serr, nil))
}
