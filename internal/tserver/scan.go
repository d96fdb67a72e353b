package tserver

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/task"
)

// Scan type labels.
const (
	scanTypeSingle = "single"
	scanTypeBatch  = "batch"
)

// ScanRequest starts a scan of one tablet.
type ScanRequest struct {
	Credentials    security.Credentials `json:"credentials"`
	Client         string               `json:"client,omitempty"`
	Extent         kv.Extent            `json:"extent"`
	Range          kv.Range             `json:"range"`
	Columns        []kv.Column          `json:"columns,omitempty"`
	Iterators      []kv.IteratorSetting `json:"iterators,omitempty"`
	Authorizations kv.Authorizations    `json:"authorizations,omitempty"`
	BatchSize      int                  `json:"batchSize,omitempty"`
	WaitForWrites  bool                 `json:"waitForWrites,omitempty"`
	Isolated       bool                 `json:"isolated,omitempty"`
}

// ScanResult is one batch. More is set when the batch filled, meaning the
// client should continue; an empty batch with More set means the result
// was not ready yet.
type ScanResult struct {
	Results []kv.KeyValue `json:"results"`
	More    bool          `json:"more"`
}

// InitialScan is the session id and first batch of a new scan.
type InitialScan struct {
	ScanID int64      `json:"scanId"`
	Result ScanResult `json:"result"`
}

// StartScan opens a scan session and returns its first batch.
func (s *Server) StartScan(req ScanRequest) (InitialScan, error) {
	user := req.Credentials.Principal
	if err := s.checkTablePermission(req.Credentials, req.Extent.Table, security.PermRead); err != nil {
		return InitialScan{}, err
	}
	if err := s.checkAuthorizations(user, req.Authorizations); err != nil {
		return InitialScan{}, err
	}
	if err := s.store.Iterators().Validate(req.Iterators); err != nil {
		return InitialScan{}, IllegalArgument.Wrap(err)
	}

	if req.WaitForWrites {
		s.tracker.WaitForWrites(req.Extent.Class())
	}

	t := s.onlineTablet(req.Extent)
	if t == nil {
		return InitialScan{}, &NotServingTabletError{Extent: req.Extent}
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ss := &ScanSession{
		Base:      session.Base{Client: req.Client, User: user},
		Extent:    req.Extent,
		Columns:   req.Columns,
		Iterators: req.Iterators,
		BatchSize: batchSize,
		interrupt: new(atomic.Bool),
	}
	ss.scanner = t.CreateScanner(req.Range, tablet.ScanOptions{
		Columns:        req.Columns,
		Authorizations: req.Authorizations,
		Iterators:      req.Iterators,
		Interrupt:      ss.interrupt,
	}, req.Isolated)

	id, err := s.sessions.Create(ss, true)
	if err != nil {
		ss.Cleanup()
		return InitialScan{}, Error.Wrap(err)
	}
	s.metrics.ScanStarted(scanTypeSingle)
	defer s.unreserve(ss)

	res, err := s.continueScan(id, ss)
	if err != nil {
		return InitialScan{}, err
	}
	return InitialScan{ScanID: id, Result: res}, nil
}

// ContinueScan returns the next batch of a scan.
func (s *Server) ContinueScan(id int64) (ScanResult, error) {
	sess, err := s.sessions.Reserve(id)
	if err != nil {
		return ScanResult{}, Error.Wrap(err)
	}
	ss, ok := sess.(*ScanSession)
	if !ok {
		if sess != nil {
			s.unreserve(sess)
		}
		return ScanResult{}, &NoSuchScanIDError{ID: id}
	}
	defer s.unreserve(ss)
	return s.continueScan(id, ss)
}

func (s *Server) continueScan(id int64, ss *ScanSession) (ScanResult, error) {
	start := time.Now()
	t := ss.nextBatch.Load()
	if t == nil {
		t = s.submitNextBatch(id, ss)
	}

	res, err := t.Await(s.cfg.ScanResultWait)
	if err != nil {
		return s.scanFailed(id, ss, err)
	}
	ss.nextBatch.Store(nil)

	ss.entriesReturned.Add(int64(len(res.Results)))
	batches := ss.batchCount.Add(1)
	s.metrics.BatchReturned(scanTypeSingle, len(res.Results), time.Since(start).Seconds())

	if res.More && batches > 3 {
		// Compute the next batch while this one goes back to the client.
		s.submitNextBatch(id, ss)
		ss.readAheads.Add(1)
		s.metrics.ReadAhead()
	}
	if !res.More {
		s.CloseScan(id)
	}
	return res, nil
}

func (s *Server) scanFailed(id int64, ss *ScanSession, err error) (ScanResult, error) {
	switch {
	case errors.Is(err, task.ErrTimeout):
		// Keep the session for a while in case the client returns.
		s.sessions.RemoveIfNotAccessed(id, s.cfg.ClientTimeout)
		s.metrics.ResultTimeout(scanTypeSingle)
		return ScanResult{More: true}, nil

	case errors.Is(err, task.ErrCanceled):
		s.sessions.Remove(id)
		if t := s.onlineTablet(ss.Extent); t == nil || t.IsClosed() {
			return ScanResult{}, &NotServingTabletError{Extent: ss.Extent}
		}
		return ScanResult{}, &NoSuchScanIDError{ID: id}
	}

	s.sessions.Remove(id)
	var execErr *task.ExecutionError
	if !errors.As(err, &execErr) {
		s.logger.Warnf("failed to get next batch", map[string]any{"scanId": id, "error": err.Error()})
		return ScanResult{}, Error.Wrap(err)
	}
	var notServing *NotServingTabletError
	if errors.As(execErr.Err, &notServing) {
		return ScanResult{}, notServing
	}
	if tablet.IsTooManyFiles(execErr.Err) {
		return ScanResult{}, &TooManyFilesError{Extent: ss.Extent, Err: execErr.Err}
	}
	return ScanResult{}, Error.Wrap(execErr.Err)
}

// submitNextBatch queues a task reading the session's next batch and
// records it as pending.
func (s *Server) submitNextBatch(id int64, ss *ScanSession) *task.Task[ScanResult] {
	t := task.New[ScanResult](ss.interrupt)
	if ss.interrupt.Load() {
		t.Cancel()
	}
	ss.nextBatch.Store(t)
	s.pools.submit(ss.Extent.Class(), func() {
		t.Run(func(*atomic.Bool) (ScanResult, error) {
			return s.nextBatch(id, ss, t)
		})
	})
	return t
}

func (s *Server) nextBatch(id int64, ss *ScanSession, t *task.Task[ScanResult]) (ScanResult, error) {
	if s.sessions.Get(id) == nil {
		return ScanResult{}, &NoSuchScanIDError{ID: id}
	}
	tab := s.onlineTablet(ss.Extent)
	if tab == nil {
		return ScanResult{}, &NotServingTabletError{Extent: ss.Extent}
	}

	start := time.Now()
	batch, err := ss.scanner.Read(ss.BatchSize)
	ss.batchTimes.add(time.Since(start))
	switch {
	case err == nil:
		return ScanResult{Results: batch.Results, More: batch.More}, nil
	case errors.Is(err, tablet.ErrTabletClosed):
		return ScanResult{}, &NotServingTabletError{Extent: ss.Extent}
	case errors.Is(err, tablet.ErrIterationInterrupted):
		if !t.Canceled() {
			s.logger.Warnf("iteration interrupted when scan not canceled", map[string]any{"scanId": id})
		}
		return ScanResult{}, err
	case tablet.IsTooManyFiles(err):
		return ScanResult{}, err
	default:
		s.logger.Warnf("exception while scanning tablet", map[string]any{
			"extent": ss.Extent.String(),
			"error":  err.Error(),
		})
		return ScanResult{}, err
	}
}

// CloseScan ends a scan session. Closing an unknown id is not an error.
func (s *Server) CloseScan(id int64) {
	sess := s.sessions.Remove(id)
	ss, ok := sess.(*ScanSession)
	if !ok {
		return
	}
	s.logger.Debugf("scan session closed", map[string]any{
		"scanId":     id,
		"client":     ss.Client,
		"table":      string(ss.Extent.Table),
		"entries":    ss.entriesReturned.Load(),
		"batches":    ss.batchCount.Load(),
		"readAheads": ss.readAheads.Load(),
		"elapsedSec": secondsSince(ss.StartTime),
		"batchTimes": ss.batchTimes.String(),
	})
}

func (s *Server) unreserve(sess session.Session) {
	if err := s.sessions.Unreserve(sess); err != nil {
		s.logger.Warnf("unreserve failed", map[string]any{"error": err.Error()})
	}
}
