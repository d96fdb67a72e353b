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

// ExtentRanges pairs a tablet with ranges to read from it.
type ExtentRanges struct {
	Extent kv.Extent  `json:"extent"`
	Ranges []kv.Range `json:"ranges"`
}

// MultiScanRequest starts a scan over ranges of many tablets.
type MultiScanRequest struct {
	Credentials    security.Credentials `json:"credentials"`
	Client         string               `json:"client,omitempty"`
	Batch          []ExtentRanges       `json:"batch"`
	Columns        []kv.Column          `json:"columns,omitempty"`
	Iterators      []kv.IteratorSetting `json:"iterators,omitempty"`
	Authorizations kv.Authorizations    `json:"authorizations,omitempty"`
	WaitForWrites  bool                 `json:"waitForWrites,omitempty"`
}

// MultiScanResult is one round of a batch scan.
type MultiScanResult struct {
	Results []kv.KeyValue `json:"results"`
	// Failures are tablets that are not served here, with the ranges the
	// client must read elsewhere.
	Failures []ExtentRanges `json:"failures,omitempty"`
	// FullScans are tablets whose ranges are now fully read.
	FullScans []kv.Extent `json:"fullScans,omitempty"`
	// PartScan is the tablet left partially read, resuming at PartNextKey.
	PartScan             *kv.Extent `json:"partScan,omitempty"`
	PartNextKey          *kv.Key    `json:"partNextKey,omitempty"`
	PartNextKeyInclusive bool       `json:"partNextKeyInclusive,omitempty"`
	More                 bool       `json:"more"`
}

// InitialMultiScan is the session id and first result of a batch scan.
type InitialMultiScan struct {
	ScanID int64           `json:"scanId"`
	Result MultiScanResult `json:"result"`
}

// StartMultiScan opens a batch scan session and returns its first result.
func (s *Server) StartMultiScan(req MultiScanRequest) (InitialMultiScan, error) {
	user := req.Credentials.Principal
	if err := s.authenticate(req.Credentials); err != nil {
		return InitialMultiScan{}, err
	}
	tables := make(map[kv.TableID]bool)
	for _, er := range req.Batch {
		if tables[er.Extent.Table] {
			continue
		}
		tables[er.Extent.Table] = true
		if err := s.checkPermission(user, er.Extent.Table, security.PermRead); err != nil {
			return InitialMultiScan{}, err
		}
	}
	if err := s.checkAuthorizations(user, req.Authorizations); err != nil {
		return InitialMultiScan{}, err
	}

	queries := make(map[kv.Extent][]kv.Range, len(req.Batch))
	extents := make([]kv.Extent, 0, len(req.Batch))
	numRanges := 0
	for _, er := range req.Batch {
		if _, dup := queries[er.Extent]; !dup {
			extents = append(extents, er.Extent)
		}
		queries[er.Extent] = append(queries[er.Extent], er.Ranges...)
		numRanges += len(er.Ranges)
	}
	class, err := kv.ClassOf(extents)
	if err != nil {
		return InitialMultiScan{}, IllegalArgument.Wrap(err)
	}
	if err := s.store.Iterators().Validate(req.Iterators); err != nil {
		return InitialMultiScan{}, IllegalArgument.Wrap(err)
	}

	if req.WaitForWrites {
		s.tracker.WaitForWrites(class)
	}

	ms := &MultiScanSession{
		Base:           session.Base{Client: req.Client, User: user},
		Columns:        req.Columns,
		Iterators:      req.Iterators,
		Authorizations: req.Authorizations,
		poolExtent:     extents[0],
		queries:        queries,
		interrupt:      new(atomic.Bool),
		numTablets:     len(queries),
		numRanges:      numRanges,
	}
	id, err := s.sessions.Create(ms, true)
	if err != nil {
		return InitialMultiScan{}, Error.Wrap(err)
	}
	s.metrics.ScanStarted(scanTypeBatch)
	defer s.unreserve(ms)

	res, err := s.continueMultiScan(id, ms)
	if err != nil {
		return InitialMultiScan{}, err
	}
	return InitialMultiScan{ScanID: id, Result: res}, nil
}

// ContinueMultiScan returns the next result of a batch scan.
func (s *Server) ContinueMultiScan(id int64) (MultiScanResult, error) {
	sess, err := s.sessions.Reserve(id)
	if err != nil {
		return MultiScanResult{}, Error.Wrap(err)
	}
	ms, ok := sess.(*MultiScanSession)
	if !ok {
		if sess != nil {
			s.unreserve(sess)
		}
		return MultiScanResult{}, &NoSuchScanIDError{ID: id}
	}
	defer s.unreserve(ms)
	return s.continueMultiScan(id, ms)
}

func (s *Server) continueMultiScan(id int64, ms *MultiScanSession) (MultiScanResult, error) {
	start := time.Now()
	t := ms.lookup.Load()
	if t == nil {
		t = task.New[MultiScanResult](ms.interrupt)
		ms.lookup.Store(t)
		s.pools.submit(ms.poolExtent.Class(), func() {
			t.Run(func(*atomic.Bool) (MultiScanResult, error) {
				return s.lookup(id, ms, t)
			})
		})
	}

	res, err := t.Await(s.cfg.ScanResultWait)
	switch {
	case err == nil:
		ms.lookup.Store(nil)
		s.metrics.BatchReturned(scanTypeBatch, len(res.Results), time.Since(start).Seconds())
		return res, nil

	case errors.Is(err, task.ErrTimeout):
		s.sessions.RemoveIfNotAccessed(id, s.cfg.ClientTimeout)
		s.metrics.ResultTimeout(scanTypeBatch)
		return MultiScanResult{More: true}, nil

	case errors.Is(err, task.ErrCanceled):
		s.sessions.Remove(id)
		return MultiScanResult{}, &NoSuchScanIDError{ID: id}
	}

	s.sessions.Remove(id)
	s.logger.Warnf("failed to get multiscan result", map[string]any{"scanId": id, "error": err.Error()})
	var execErr *task.ExecutionError
	if errors.As(err, &execErr) {
		var noSuch *NoSuchScanIDError
		if errors.As(execErr.Err, &noSuch) {
			return MultiScanResult{}, noSuch
		}
		if tablet.IsTooManyFiles(execErr.Err) {
			return MultiScanResult{}, &TooManyFilesError{Extent: ms.poolExtent, Err: execErr.Err}
		}
		return MultiScanResult{}, Error.Wrap(execErr.Err)
	}
	return MultiScanResult{}, Error.Wrap(err)
}

// lookup reads pending ranges tablet by tablet until the result budget or
// the time budget runs out.
func (s *Server) lookup(id int64, ms *MultiScanSession, t *task.Task[MultiScanResult]) (MultiScanResult, error) {
	if s.sessions.Get(id) == nil {
		return MultiScanResult{}, &NoSuchScanIDError{ID: id}
	}

	var (
		res        MultiScanResult
		bytesAdded int64
		start      = time.Now()
		opts       = tablet.ScanOptions{
			Columns:        ms.Columns,
			Authorizations: ms.Authorizations,
			Iterators:      ms.Iterators,
			Interrupt:      ms.interrupt,
		}
	)
	for _, extent := range ms.pending() {
		if bytesAdded >= s.cfg.MaxResultSize || time.Since(start) >= maxLookupTime {
			break
		}
		ranges := ms.queries[extent]
		delete(ms.queries, extent)

		tab := s.onlineTablet(extent)
		if tab == nil {
			res.Failures = append(res.Failures, ExtentRanges{Extent: extent, Ranges: ranges})
			continue
		}

		// A cancel between lookups must still stop the next one.
		if t.Canceled() {
			ms.interrupt.Store(true)
		}
		lr, err := tab.Lookup(ranges, opts, s.cfg.MaxResultSize-bytesAdded)
		// A closed tablet may have raised the flag; it must not leak into
		// the next lookup.
		ms.interrupt.Store(false)
		if err != nil {
			if errors.Is(err, tablet.ErrIterationInterrupted) && !t.Canceled() {
				s.logger.Warnf("iteration interrupted when scan not canceled", map[string]any{"scanId": id})
			} else if !errors.Is(err, tablet.ErrIterationInterrupted) {
				s.logger.Warnf("lookup failed", map[string]any{"extent": extent.String(), "error": err.Error()})
			}
			return MultiScanResult{}, err
		}

		bytesAdded += lr.BytesAdded
		res.Results = append(res.Results, lr.Results...)
		switch {
		case len(lr.Unfinished) == 0:
			res.FullScans = append(res.FullScans, extent)
		case lr.Closed:
			res.Failures = append(res.Failures, ExtentRanges{Extent: extent, Ranges: lr.Unfinished})
		default:
			ms.queries[extent] = lr.Unfinished
			e := extent
			res.PartScan = &e
			res.PartNextKey = lr.Unfinished[0].Start
			res.PartNextKeyInclusive = lr.Unfinished[0].StartInclusive
		}
	}

	ms.lookupTime.add(time.Since(start))
	ms.numEntries.Add(int64(len(res.Results)))
	res.More = len(ms.queries) != 0
	return res, nil
}

// CloseMultiScan ends a batch scan session.
func (s *Server) CloseMultiScan(id int64) error {
	sess := s.sessions.Remove(id)
	ms, ok := sess.(*MultiScanSession)
	if !ok {
		return &NoSuchScanIDError{ID: id}
	}
	s.logger.Debugf("multiscan session closed", map[string]any{
		"scanId":     id,
		"client":     ms.Client,
		"entries":    ms.numEntries.Load(),
		"elapsedSec": secondsSince(ms.StartTime),
		"lookupTime": ms.lookupTime.total().String(),
		"tablets":    ms.numTablets,
		"ranges":     ms.numRanges,
	})
	return nil
}
