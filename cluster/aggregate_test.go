package cluster

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/protocol"
)

type fixedUsage int64

func (u fixedUsage) UsageBytes() (int64, error) { return int64(u), nil }

type failingUsage struct{}

func (failingUsage) UsageBytes() (int64, error) { return 0, errors.New("disk on fire") }

type fakePeer struct {
	capacity float64
	usage    float64
	err      error
	hang     bool
}

type fakeStats struct {
	mu    sync.Mutex
	peers map[string]fakePeer
	calls []string
}

func (f *fakeStats) get(ctx context.Context, addr string) (fakePeer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, addr)
	p, ok := f.peers[addr]
	f.mu.Unlock()

	if !ok {
		return fakePeer{}, errors.New("connection refused")
	}

	if p.hang {
		<-ctx.Done()
		return fakePeer{}, ctx.Err()
	}

	return p, p.err
}

func (f *fakeStats) Capacity(ctx context.Context, addr string) (float64, error) {
	p, err := f.get(ctx, addr)
	return p.capacity, err
}

func (f *fakeStats) Usage(ctx context.Context, addr string) (float64, error) {
	p, err := f.get(ctx, addr)
	return p.usage, err
}

func newTestAggregator(t *testing.T, local LocalUsage, stats PeerStats, peers ...string) *Aggregator {
	t.Helper()

	reg, err := NewRegistry("", peers)
	require.NoError(t, err)

	return NewAggregator(log.Default(), 300, local, reg, stats, 50*time.Millisecond, nil)
}

func TestTotalSumsReachablePeers(t *testing.T) {
	stats := &fakeStats{peers: map[string]fakePeer{
		"http://p1": {capacity: 100, usage: 1.5},
		"http://p2": {capacity: 200, usage: 2.5},
	}}

	a := newTestAggregator(t, fixedUsage(protocol.BytesPerMB), stats, "p1", "p2")

	v, err := a.Total(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 600.0, v.TotalCapacity)
	assert.Equal(t, 5.0, v.TotalUsage)
	assert.Equal(t, 2, v.Capacity.Count(StatusOK))
	assert.Equal(t, 2, v.Usage.Count(StatusOK))
}

func TestTotalUsageDegradesWhenPeerIsUnreachable(t *testing.T) {
	stats := &fakeStats{peers: map[string]fakePeer{
		"http://p1": {capacity: 100, usage: 4},
	}}

	a := newTestAggregator(t, fixedUsage(2*protocol.BytesPerMB), stats, "p1", "p2")

	total, rep, err := a.TotalUsage(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6.0, total, "local usage + P1 usage only")
	require.Len(t, rep.Results, 2)
	assert.Equal(t, StatusOK, rep.Results[0].Status)
	assert.Equal(t, StatusUnreachable, rep.Results[1].Status)
	assert.Equal(t, 0.0, rep.Results[1].Value)
	assert.Len(t, rep.Failed(), 1)
}

func TestTotalCapacityTimesOutSlowPeer(t *testing.T) {
	stats := &fakeStats{peers: map[string]fakePeer{
		"http://slow": {hang: true},
		"http://fast": {capacity: 50},
	}}

	a := newTestAggregator(t, fixedUsage(0), stats, "slow", "fast")

	start := time.Now()
	total, rep := a.TotalCapacity(context.Background())

	assert.True(t, time.Since(start) < time.Second, "slow peer must be cut off by the timeout")
	assert.Equal(t, 350.0, total)
	assert.Equal(t, StatusTimeout, rep.Results[0].Status)
	assert.Equal(t, []string{"http://slow", "http://fast"}, stats.calls, "peers are queried in configured order")
}

func TestTotalFailsOnLocalError(t *testing.T) {
	a := newTestAggregator(t, failingUsage{}, &fakeStats{})

	_, err := a.Total(context.Background())
	assert.Error(t, err)
}

func TestClusterViewWire(t *testing.T) {
	capRep := NewReport(OpCapacity)
	capRep.Add(PeerResult{Peer: "http://p1", Status: StatusOK, Value: 1})
	usageRep := NewReport(OpUsage)
	usageRep.Add(PeerResult{Peer: "http://p1", Status: StatusTimeout, Err: context.DeadlineExceeded})

	got := ClusterView{TotalCapacity: 10, TotalUsage: 2, Capacity: capRep, Usage: usageRep}.Wire()

	assert.Equal(t, 10.0, got.TotalCapacity)
	assert.Equal(t, 2.0, got.TotalUsage)
	assert.Equal(t, []protocol.PeerStatus{
		{Op: OpCapacity, Peer: "http://p1", Status: "ok"},
		{Op: OpUsage, Peer: "http://p1", Status: "timeout", Error: context.DeadlineExceeded.Error()},
	}, got.Peers)
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		err  error
		want Status
	}{
		{err: nil, want: StatusOK},
		{err: client.ErrExists, want: StatusConflict},
		{err: context.DeadlineExceeded, want: StatusTimeout},
		{err: &client.StatusError{Code: 500}, want: StatusRejected},
		{err: client.ErrNotFound, want: StatusRejected},
		{err: errors.New("dial tcp: connection refused"), want: StatusUnreachable},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, Classify(tc.err), "Classify(%v)", tc.err)
	}
}
