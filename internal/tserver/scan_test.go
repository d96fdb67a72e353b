package tserver

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shale-io/shale/internal/kv"
)

func scanRequest(extent kv.Extent, batchSize int) ScanRequest {
	return ScanRequest{
		Credentials: alice,
		Client:      "test-client",
		Extent:      extent,
		Range:       kv.InfiniteRange(),
		BatchSize:   batchSize,
	}
}

func TestScanReturnsEveryBatch(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	rows := rowNames("r", 25)
	env.write(t, ext, rows...)

	init, err := env.srv.StartScan(scanRequest(ext, 10))
	require.NoError(t, err)
	require.True(t, init.Result.More)
	got := rowsOf(init.Result.Results)

	for {
		res, err := env.srv.ContinueScan(init.ScanID)
		require.NoError(t, err)
		got = append(got, rowsOf(res.Results)...)
		if !res.More {
			break
		}
	}
	require.Equal(t, rows, got)

	// The last batch closed the session.
	_, err = env.srv.ContinueScan(init.ScanID)
	var noSuch *NoSuchScanIDError
	require.ErrorAs(t, err, &noSuch)
	require.Equal(t, init.ScanID, noSuch.ID)
}

func TestScanReadsAheadAfterThreeBatches(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	env.write(t, ext, rowNames("r", 60)...)

	init, err := env.srv.StartScan(scanRequest(ext, 10))
	require.NoError(t, err)
	ss := env.srv.Sessions().Get(init.ScanID).(*ScanSession)

	for i := 0; i < 2; i++ {
		_, err := env.srv.ContinueScan(init.ScanID)
		require.NoError(t, err)
	}
	require.Zero(t, ss.readAheads.Load())
	require.Nil(t, ss.nextBatch.Load())

	// Fourth batch.
	res, err := env.srv.ContinueScan(init.ScanID)
	require.NoError(t, err)
	require.Len(t, res.Results, 10)
	require.EqualValues(t, 1, ss.readAheads.Load())
	require.EqualValues(t, 1, env.metrics.readAheads.Load())
	require.NotNil(t, ss.nextBatch.Load())

	// The read-ahead batch is the next one handed out.
	res, err = env.srv.ContinueScan(init.ScanID)
	require.NoError(t, err)
	require.Equal(t, "r040", string(res.Results[0].Key.Row))
}

func TestScanTimeoutThenResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanResultWait = 50 * time.Millisecond
	cfg.ClientTimeout = time.Minute
	env := newTestEnv(t, cfg)
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	env.write(t, ext, rowNames("r", 5)...)

	req := scanRequest(ext, 10)
	req.Iterators = []kv.IteratorSetting{{Name: "hold", Class: "gated", Priority: 10}}
	init, err := env.srv.StartScan(req)
	require.NoError(t, err)
	require.Empty(t, init.Result.Results)
	require.True(t, init.Result.More)
	require.EqualValues(t, 1, env.metrics.timeouts.Load())

	scans := env.srv.GetActiveScans()
	require.Len(t, scans, 1)
	assert.Equal(t, ScanStateRunning, scans[0].State)
	assert.Equal(t, ScanTypeSingle, scans[0].Type)

	env.gate.open()
	require.Eventually(t, func() bool {
		res, err := env.srv.ContinueScan(init.ScanID)
		return err == nil && len(res.Results) == 5 && !res.More
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTimedOutScanRemovedWhenClientNeverReturns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScanResultWait = 50 * time.Millisecond
	cfg.ClientTimeout = 100 * time.Millisecond
	cfg.SessionIdleMax = time.Hour
	env := newTestEnv(t, cfg)
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	env.write(t, ext, rowNames("r", 5)...)

	req := scanRequest(ext, 10)
	req.Iterators = []kv.IteratorSetting{{Name: "hold", Class: "gated", Priority: 10}}
	init, err := env.srv.StartScan(req)
	require.NoError(t, err)
	require.True(t, init.Result.More)
	require.Equal(t, 1, env.srv.Sessions().Len())

	// The idle sweep is an hour away, so only the client timeout can
	// remove the session.
	require.Eventually(t, func() bool {
		return env.srv.Sessions().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = env.srv.ContinueScan(init.ScanID)
	var noSuch *NoSuchScanIDError
	require.ErrorAs(t, err, &noSuch)
}

func TestScanNotServingAfterUnload(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	env.write(t, ext, rowNames("r", 20)...)

	init, err := env.srv.StartScan(scanRequest(ext, 5))
	require.NoError(t, err)

	env.srv.UnloadTablet(ext)
	_, err = env.srv.ContinueScan(init.ScanID)
	var notServing *NotServingTabletError
	require.ErrorAs(t, err, &notServing)
	require.Equal(t, ext, notServing.Extent)
	require.Nil(t, env.srv.Sessions().Get(init.ScanID))

	_, err = env.srv.StartScan(scanRequest(ext, 5))
	require.ErrorAs(t, err, &notServing)
}

func TestScanReadFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	tab, err := env.srv.LoadTablet(ext)
	require.NoError(t, err)
	env.write(t, ext, rowNames("r", 20)...)

	init, err := env.srv.StartScan(scanRequest(ext, 5))
	require.NoError(t, err)

	boom := errors.New("disk on fire")
	tab.FailReads(boom)
	_, err = env.srv.ContinueScan(init.ScanID)
	require.True(t, Error.Has(err))
	require.ErrorIs(t, err, boom)
	require.Nil(t, env.srv.Sessions().Get(init.ScanID))
}

func TestStartScanSecurity(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)

	cases := []struct {
		name string
		mod  func(*ScanRequest)
		code SecurityCode
	}{
		{"bad password", func(r *ScanRequest) { r.Credentials.Password = "nope" }, BadCredentials},
		{"unknown user", func(r *ScanRequest) { r.Credentials.Principal = "mallory" }, BadCredentials},
		{"no read grant", func(r *ScanRequest) { r.Extent = kv.NewExtent("9", "", "") }, PermissionDenied},
		{"authorizations not held", func(r *ScanRequest) {
			r.Authorizations = kv.NewAuthorizations("public", "private")
		}, BadAuthorizations},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := scanRequest(ext, 10)
			tc.mod(&req)
			_, err := env.srv.StartScan(req)
			var secErr *SecurityError
			require.ErrorAs(t, err, &secErr)
			require.Equal(t, tc.code, secErr.Code)
		})
	}
	require.Zero(t, env.srv.Sessions().Len())
}

func TestStartScanRejectsUnknownIterator(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)

	req := scanRequest(ext, 10)
	req.Iterators = []kv.IteratorSetting{{Name: "x", Class: "no-such-class"}}
	_, err := env.srv.StartScan(req)
	require.True(t, IllegalArgument.Has(err))
}

func TestScanVisibilityFiltering(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ext := kv.NewExtent(table1, "", "")
	env.load(t, ext)
	m := kv.NewMutation([]byte("row")).
		Put([]byte("f"), []byte("open"), []byte("public"), []byte("1")).
		Put([]byte("f"), []byte("closed"), []byte("private"), []byte("2"))
	require.NoError(t, env.srv.Update(t.Context(), root, ext, *m))

	req := scanRequest(ext, 10)
	req.Authorizations = kv.NewAuthorizations("public")
	init, err := env.srv.StartScan(req)
	require.NoError(t, err)
	require.Len(t, init.Result.Results, 1)
	require.Equal(t, "open", string(init.Result.Results[0].Key.Qualifier))
}

func TestContinueUnknownScan(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, err := env.srv.ContinueScan(12345)
	var noSuch *NoSuchScanIDError
	require.ErrorAs(t, err, &noSuch)

	env.srv.CloseScan(12345)
}
