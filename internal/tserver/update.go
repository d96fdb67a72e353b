package tserver

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/security"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tablet"
	"github.com/shale-io/shale/internal/wal"
)

// TabletFailure is a tablet that stopped accepting a session's writes and
// how many of its mutations were committed before that.
type TabletFailure struct {
	Extent            kv.Extent `json:"extent"`
	SuccessfulCommits int64     `json:"successfulCommits"`
}

// UpdateErrors is everything that went wrong in an update session.
type UpdateErrors struct {
	Failures     []TabletFailure         `json:"failures,omitempty"`
	Violations   []constraints.Violation `json:"violations,omitempty"`
	AuthFailures []kv.Extent             `json:"authFailures,omitempty"`
}

// StartUpdate opens an update session for the authenticated user.
func (s *Server) StartUpdate(creds security.Credentials, client string) (int64, error) {
	if err := s.authenticate(creds); err != nil {
		return 0, err
	}
	auths, err := s.auth.Authorizations(creds.Principal)
	if err != nil {
		return 0, &SecurityError{User: creds.Principal, Code: BadCredentials}
	}
	us := &UpdateSession{
		Base:              session.Base{Client: client, User: creds.Principal},
		creds:             creds,
		env:               constraints.Environment{User: creds.Principal, Authorizations: auths},
		queued:            make(map[*tablet.Tablet][]kv.Mutation),
		successfulCommits: make(map[*tablet.Tablet]int64),
		failures:          make(map[kv.Extent]int64),
		authFailures:      make(map[kv.Extent]struct{}),
	}
	id, err := s.sessions.Create(us, false)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// ApplyUpdates queues mutations for extent. Problems are reported by
// CloseUpdate, so an unknown session is ignored and only a failed flush
// returns an error. A flush runs to completion even after the caller's ctx
// ends.
func (s *Server) ApplyUpdates(_ context.Context, id int64, extent kv.Extent, mutations []kv.Mutation) error {
	sess, err := s.sessions.Reserve(id)
	if err != nil {
		return Error.Wrap(err)
	}
	us, ok := sess.(*UpdateSession)
	if !ok {
		if sess != nil {
			s.unreserve(sess)
		}
		return nil
	}
	defer s.unreserve(us)

	s.setUpdateTablet(us, extent)
	if us.current == nil {
		return nil
	}
	us.queued[us.current] = append(us.queued[us.current], mutations...)
	us.queuedSize += kv.TotalSize(mutations)
	if us.queuedSize > s.cfg.MutationQueueMax {
		return s.flush(us)
	}
	return nil
}

// setUpdateTablet makes extent the session's current tablet. Write
// permission is only checked when the table changes.
func (s *Server) setUpdateTablet(us *UpdateSession, extent kv.Extent) {
	if us.current != nil && us.current.Extent() == extent {
		return
	}
	if us.current == nil {
		if _, failed := us.failures[extent]; failed {
			return
		}
		if _, denied := us.authFailures[extent]; denied {
			return
		}
	}

	start := time.Now()
	sameTable := us.current != nil && us.current.Extent().Table == extent.Table
	allowed := sameTable
	if !sameTable {
		ok, err := s.auth.HasTablePermission(us.User, extent.Table, security.PermWrite)
		if err != nil {
			s.logger.Errorf("failed to check write permission", map[string]any{
				"user":  us.User,
				"table": string(extent.Table),
				"error": err.Error(),
			})
		}
		allowed = err == nil && ok
	}
	us.authTimes.add(time.Since(start))

	if !allowed {
		s.logger.Warnf("denying write access", map[string]any{"user": us.User, "table": string(extent.Table)})
		us.current = nil
		us.authFailures[extent] = struct{}{}
		return
	}
	us.current = s.onlineTablet(extent)
	if us.current == nil {
		us.failures[extent] = 0
		return
	}
	if _, ok := us.queued[us.current]; !ok {
		us.queued[us.current] = nil
	}
}

// flush pushes every queued mutation through prepare, the write-ahead log,
// and commit. Tablets whose mutations could not be made durable are
// recorded as failures.
func (s *Server) flush(us *UpdateSession) error {
	type sendable struct {
		tab *tablet.Tablet
		cs  *tablet.CommitSession
	}
	var (
		sendables     []sendable
		mutationCount int
		start         = time.Now()
	)
	defer func() {
		clear(us.queued)
		if us.current != nil {
			us.queued[us.current] = nil
		}
		us.queuedSize = 0
	}()

	var violations int64
	for tab, mutations := range us.queued {
		if len(mutations) == 0 {
			continue
		}
		cs, err := tab.PrepareMutationsForCommit(us.env, mutations)
		if err != nil {
			for _, sd := range sendables {
				sd.cs.Abort()
			}
			s.logger.Errorf("unexpected error preparing for commit", map[string]any{
				"extent": tab.Extent().String(),
				"error":  err.Error(),
			})
			s.failQueued(us)
			return Error.Wrap(err)
		}
		if cs == nil {
			if us.current == tab {
				us.current = nil
			}
			us.failures[tab.Extent()] = us.successfulCommits[tab]
			continue
		}
		mutationCount += len(mutations)
		if v := cs.Violations(); len(v) > 0 {
			us.violations.AddAll(v)
			for _, vi := range v {
				violations += vi.Count
			}
		}
		if len(cs.Mutations()) == 0 {
			cs.Abort()
			continue
		}
		sendables = append(sendables, sendable{tab: tab, cs: cs})
	}
	prepared := time.Now()
	us.prepareTimes.add(prepared.Sub(start))

	if len(sendables) > 0 {
		entries := make([]wal.Entry, 0, len(sendables))
		for _, sd := range sendables {
			entries = append(entries, wal.Entry{Seq: sd.cs.Seq(), Extent: sd.cs.Extent(), Mutations: sd.cs.Mutations()})
		}
		if err := s.logMutations(entries); err != nil {
			for _, sd := range sendables {
				sd.cs.Abort()
			}
			s.failQueued(us)
			return err
		}
	}
	logged := time.Now()
	us.walTimes.add(logged.Sub(prepared))

	var group errs.Group
	for _, sd := range sendables {
		if err := sd.cs.Commit(); err != nil {
			group.Add(err)
			us.failures[sd.tab.Extent()] = us.successfulCommits[sd.tab]
			if us.current == sd.tab {
				us.current = nil
			}
			continue
		}
		if sd.tab == us.current {
			// Count what the client sent, not what survived constraints.
			us.successfulCommits[sd.tab] += int64(len(us.queued[sd.tab]))
		}
	}
	done := time.Now()
	us.commitTimes.add(done.Sub(logged))
	us.flushTime += done.Sub(start)
	us.totalUpdates += int64(mutationCount)
	s.metrics.MutationsCommitted(mutationCount, violations)
	if err := group.Err(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// failQueued marks every tablet with queued mutations as failed at its
// current commit count. Later mutations for those tablets are dropped.
func (s *Server) failQueued(us *UpdateSession) {
	for tab, mutations := range us.queued {
		if len(mutations) == 0 {
			continue
		}
		us.failures[tab.Extent()] = us.successfulCommits[tab]
		if us.current == tab {
			us.current = nil
		}
	}
}

// logMutations writes entries to the write-ahead log, retrying storage
// failures until they succeed or the server closes.
func (s *Server) logMutations(entries []wal.Entry) error {
	ctx := s.life
	for {
		_, err := s.wal.Log(ctx, entries)
		if err == nil {
			return nil
		}
		if !wal.IsRetryable(err) {
			s.logger.Errorf("unknown error logging mutations", map[string]any{"error": err.Error()})
			return Error.Wrap(err)
		}
		s.logger.Warnf("logging mutations failed, retrying", map[string]any{"error": err.Error()})
		s.metrics.WALRetry()
		select {
		case <-ctx.Done():
			return Error.Wrap(ctx.Err())
		case <-time.After(s.cfg.WALRetry):
		}
	}
}

// CloseUpdate flushes what is queued, ends the session, and reports the
// session's failures, including tablets a failed final flush lost.
func (s *Server) CloseUpdate(_ context.Context, id int64) (UpdateErrors, error) {
	sess := s.sessions.Remove(id)
	us, ok := sess.(*UpdateSession)
	if !ok {
		return UpdateErrors{}, &NoSuchScanIDError{ID: id}
	}

	// Scans waiting for writes must see this flush.
	opid, err := s.tracker.StartWriteExtents(us.queuedExtents())
	if err != nil {
		return UpdateErrors{}, Error.Wrap(err)
	}
	defer func() {
		if err := s.tracker.FinishWrite(opid); err != nil {
			s.logger.Warnf("finish write failed", map[string]any{"error": err.Error()})
		}
	}()
	if err := s.flush(us); err != nil {
		s.logger.Warnf("final flush failed", map[string]any{"updateId": id, "error": err.Error()})
	}

	s.logger.Debugf("update session closed", map[string]any{
		"updateId":   id,
		"client":     us.Client,
		"updates":    us.totalUpdates,
		"elapsedSec": secondsSince(us.StartTime),
		"authTimes":  us.authTimes.String(),
		"flushTime":  us.flushTime.String(),
		"prepTime":   us.prepareTimes.total().String(),
		"walTime":    us.walTimes.total().String(),
		"commitTime": us.commitTimes.total().String(),
	})

	report := UpdateErrors{Violations: us.violations.Summaries()}
	for extent, n := range us.failures {
		report.Failures = append(report.Failures, TabletFailure{Extent: extent, SuccessfulCommits: n})
	}
	for extent := range us.authFailures {
		report.AuthFailures = append(report.AuthFailures, extent)
	}
	if len(report.Failures) > 0 {
		s.logger.Debugf("update session failures", map[string]any{
			"count": len(report.Failures),
			"first": report.Failures[0].Extent.String(),
		})
	}
	if len(report.AuthFailures) > 0 {
		sortExtents(report.AuthFailures)
		s.logger.Debugf("update session authorization failures", map[string]any{
			"count": len(report.AuthFailures),
			"first": report.AuthFailures[0].String(),
		})
	}
	return report, nil
}

// Update writes a single mutation outside of any session.
func (s *Server) Update(_ context.Context, creds security.Credentials, extent kv.Extent, mutation kv.Mutation) error {
	if err := s.checkTablePermission(creds, extent.Table, security.PermWrite); err != nil {
		return err
	}
	tab := s.onlineTablet(extent)
	if tab == nil {
		return &NotServingTabletError{Extent: extent}
	}

	opid := s.tracker.StartWrite(extent.Class())
	defer func() {
		if err := s.tracker.FinishWrite(opid); err != nil {
			s.logger.Warnf("finish write failed", map[string]any{"error": err.Error()})
		}
	}()

	auths, err := s.auth.Authorizations(creds.Principal)
	if err != nil {
		return &SecurityError{User: creds.Principal, Code: BadCredentials}
	}
	env := constraints.Environment{User: creds.Principal, Authorizations: auths}
	cs, err := tab.PrepareMutationsForCommit(env, []kv.Mutation{mutation})
	if err != nil {
		return Error.Wrap(err)
	}
	if cs == nil {
		return &NotServingTabletError{Extent: extent}
	}
	if v := cs.Violations(); len(v) > 0 {
		cs.Abort()
		var agg constraints.Violations
		agg.AddAll(v)
		s.metrics.MutationsCommitted(0, int64(len(v)))
		return &ConstraintViolationError{Violations: agg.Summaries()}
	}

	entry := wal.Entry{Seq: cs.Seq(), Extent: extent, Mutations: cs.Mutations()}
	if err := s.logMutations([]wal.Entry{entry}); err != nil {
		cs.Abort()
		return err
	}
	if err := cs.Commit(); err != nil {
		return Error.Wrap(err)
	}
	s.metrics.MutationsCommitted(1, 0)
	return nil
}
