package cluster

import (
	"context"
	"errors"
	"net"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/protocol"
)

// Status is the outcome of a single call made to a peer.
type Status string

const (
	StatusOK          Status = "ok"
	StatusSkipped     Status = "skipped"
	StatusConflict    Status = "conflict"
	StatusTimeout     Status = "timeout"
	StatusUnreachable Status = "unreachable"
	StatusRejected    Status = "rejected"
)

// Failed is true for the outcomes where the peer did not do what was asked.
func (s Status) Failed() bool {
	return s == StatusTimeout || s == StatusUnreachable || s == StatusRejected
}

// Operation names used in reports.
const (
	OpReplicate = "replicate"
	OpSyncList  = "sync-list"
	OpSyncPull  = "sync-pull"
	OpCapacity  = "capacity"
	OpUsage     = "usage"
)

// PeerResult is what happened when we talked to a single peer.
type PeerResult struct {
	Op     string
	Peer   string
	Name   string // file name for per-file operations
	Status Status
	Value  float64
	Err    error
}

// Wire converts the result to it's JSON representation.
func (r PeerResult) Wire() protocol.PeerStatus {
	ps := protocol.PeerStatus{
		Op:     r.Op,
		Peer:   r.Peer,
		Name:   r.Name,
		Status: string(r.Status),
	}
	if r.Err != nil {
		ps.Error = r.Err.Error()
	}
	return ps
}

// Report collects the per-peer results of one fan-out.
type Report struct {
	Op      string
	Results []PeerResult
}

func NewReport(op string) Report {
	return Report{Op: op}
}

// Add appends the result, stamping it with the report operation.
func (r *Report) Add(res PeerResult) {
	res.Op = r.Op
	r.Results = append(r.Results, res)
}

// Failed returns the results that did not succeed.
func (r Report) Failed() []PeerResult {
	var res []PeerResult
	for _, pr := range r.Results {
		if pr.Status.Failed() {
			res = append(res, pr)
		}
	}
	return res
}

// Count returns how many results have the provided status.
func (r Report) Count(s Status) int {
	var n int
	for _, pr := range r.Results {
		if pr.Status == s {
			n++
		}
	}
	return n
}

// Classify maps an error returned by the peer client to a Status.
func Classify(err error) Status {
	if err == nil {
		return StatusOK
	}

	if errors.Is(err, client.ErrExists) {
		return StatusConflict
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimeout
	}

	var st *client.StatusError
	if errors.As(err, &st) || errors.Is(err, client.ErrNotFound) {
		return StatusRejected
	}

	return StatusUnreachable
}
