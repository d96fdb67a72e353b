package tserver

import (
	"sort"
	"time"

	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/task"
)

// ScanType distinguishes single tablet scans from batch scans.
type ScanType string

const (
	ScanTypeSingle ScanType = "SINGLE"
	ScanTypeBatch  ScanType = "BATCH"
)

// ScanState is what an active scan is doing right now.
type ScanState string

const (
	ScanStateIdle    ScanState = "IDLE"
	ScanStateQueued  ScanState = "QUEUED"
	ScanStateRunning ScanState = "RUNNING"
)

func scanState(rs task.RunState) ScanState {
	switch rs {
	case task.Queued:
		return ScanStateQueued
	case task.Running:
		return ScanStateRunning
	default:
		return ScanStateIdle
	}
}

// ActiveScan describes one open scan session.
type ActiveScan struct {
	ScanID    int64                `json:"scanId"`
	Client    string               `json:"client"`
	User      string               `json:"user"`
	Table     kv.TableID           `json:"table"`
	AgeMs     int64                `json:"ageMs"`
	IdleMs    int64                `json:"idleMs"`
	Type      ScanType             `json:"type"`
	State     ScanState            `json:"state"`
	Extent    kv.Extent            `json:"extent"`
	Columns   []kv.Column          `json:"columns,omitempty"`
	Iterators []kv.IteratorSetting `json:"iterators,omitempty"`
}

// ScanStateCounts counts a table's scans by state.
type ScanStateCounts struct {
	Idle    int `json:"idle"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// GetActiveScans lists every open scan and batch scan session, oldest
// first.
func (s *Server) GetActiveScans() []ActiveScan {
	now := time.Now()
	var out []ActiveScan
	for _, e := range s.sessions.Snapshot() {
		as := ActiveScan{
			ScanID: e.Info.ID,
			Client: e.Info.Client,
			User:   e.Info.User,
			AgeMs:  now.Sub(e.Info.StartTime).Milliseconds(),
			IdleMs: now.Sub(e.Info.LastAccess).Milliseconds(),
		}
		switch sess := e.Session.(type) {
		case *ScanSession:
			as.Type = ScanTypeSingle
			as.State = scanState(sess.runState())
			as.Extent = sess.Extent
			as.Columns = sess.Columns
			as.Iterators = sess.Iterators
		case *MultiScanSession:
			as.Type = ScanTypeBatch
			as.State = scanState(sess.runState())
			as.Extent = sess.poolExtent
			as.Columns = sess.Columns
			as.Iterators = sess.Iterators
		default:
			continue
		}
		as.Table = as.Extent.Table
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgeMs != out[j].AgeMs {
			return out[i].AgeMs > out[j].AgeMs
		}
		return out[i].ScanID < out[j].ScanID
	})
	return out
}

// ActiveScansPerTable counts open scans by table and state.
func (s *Server) ActiveScansPerTable() map[kv.TableID]ScanStateCounts {
	out := make(map[kv.TableID]ScanStateCounts)
	for _, as := range s.GetActiveScans() {
		c := out[as.Table]
		switch as.State {
		case ScanStateQueued:
			c.Queued++
		case ScanStateRunning:
			c.Running++
		default:
			c.Idle++
		}
		out[as.Table] = c
	}
	return out
}
