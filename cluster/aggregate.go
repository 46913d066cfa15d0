package cluster

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/YuriyNasretdinov/kladovka/protocol"
)

// LocalUsage is the part of the local storage needed for aggregation.
type LocalUsage interface {
	UsageBytes() (int64, error)
}

// PeerStats queries a single peer for it's own capacity and usage.
type PeerStats interface {
	Capacity(ctx context.Context, addr string) (float64, error)
	Usage(ctx context.Context, addr string) (float64, error)
}

// ClusterView is the group-wide total computed for a single request.
type ClusterView struct {
	TotalCapacity float64
	TotalUsage    float64

	Capacity Report
	Usage    Report
}

// Wire converts the view to the /total response.
func (v ClusterView) Wire() protocol.TotalResponse {
	res := protocol.TotalResponse{
		TotalCapacity: v.TotalCapacity,
		TotalUsage:    v.TotalUsage,
	}

	for _, rep := range []Report{v.Capacity, v.Usage} {
		for _, pr := range rep.Results {
			res.Peers = append(res.Peers, pr.Wire())
		}
	}

	return res
}

// Aggregator sums capacity and usage of this node and all of it's peers.
// Peers are queried one after another, each under it's own timeout. A peer
// that can not be reached contributes zero.
type Aggregator struct {
	logger     *log.Logger
	capacityMB int64
	local      LocalUsage
	reg        *Registry
	cl         PeerStats
	timeout    time.Duration
	reports    *Reports
}

func NewAggregator(logger *log.Logger, capacityMB int64, local LocalUsage, reg *Registry, cl PeerStats, timeout time.Duration, reports *Reports) *Aggregator {
	return &Aggregator{
		logger:     logger,
		capacityMB: capacityMB,
		local:      local,
		reg:        reg,
		cl:         cl,
		timeout:    timeout,
		reports:    reports,
	}
}

// LocalCapacity is the advertised capacity of this node. It is never
// checked against the actual usage.
func (a *Aggregator) LocalCapacity() float64 {
	return float64(a.capacityMB)
}

// LocalUsage returns the megabytes stored on this node.
func (a *Aggregator) LocalUsage() (float64, error) {
	size, err := a.local.UsageBytes()
	if err != nil {
		return 0, fmt.Errorf("computing local usage: %w", err)
	}
	return protocol.ToMB(size), nil
}

func (a *Aggregator) TotalCapacity(ctx context.Context) (float64, Report) {
	return a.sum(ctx, OpCapacity, a.LocalCapacity(), a.cl.Capacity)
}

func (a *Aggregator) TotalUsage(ctx context.Context) (float64, Report, error) {
	local, err := a.LocalUsage()
	if err != nil {
		return 0, Report{}, err
	}

	total, rep := a.sum(ctx, OpUsage, local, a.cl.Usage)
	return total, rep, nil
}

// Total computes both totals. The worst case latency is the sum of all
// peer timeouts, twice.
func (a *Aggregator) Total(ctx context.Context) (ClusterView, error) {
	var v ClusterView
	var err error

	v.TotalCapacity, v.Capacity = a.TotalCapacity(ctx)
	v.TotalUsage, v.Usage, err = a.TotalUsage(ctx)
	if err != nil {
		return ClusterView{}, err
	}

	return v, nil
}

func (a *Aggregator) sum(ctx context.Context, op string, local float64, query func(ctx context.Context, addr string) (float64, error)) (float64, Report) {
	rep := NewReport(op)
	total := local

	for _, peer := range a.reg.Peers() {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		v, err := query(callCtx, peer)
		cancel()

		if err != nil {
			a.logger.Printf("Counting %s of %q as zero: %v", op, peer, err)
			v = 0
		}

		total += v
		rep.Add(PeerResult{Peer: peer, Status: Classify(err), Value: v, Err: err})
	}

	a.reports.Record(rep)
	return total, rep
}
