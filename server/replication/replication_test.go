package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/protocol"
	"github.com/YuriyNasretdinov/kladovka/server"
)

// fakePeers emulates a set of remote nodes, each backed by it's own
// in-memory storage. Addresses that are not in the map are unreachable.
type fakePeers struct {
	mu       sync.Mutex
	nodes    map[string]*server.InMemory
	hangList map[string]bool
	pushes   []string
}

func newFakePeers(addrs ...string) *fakePeers {
	f := &fakePeers{
		nodes:    make(map[string]*server.InMemory),
		hangList: make(map[string]bool),
	}
	for _, a := range addrs {
		f.nodes[a] = server.NewInMemory()
	}
	return f
}

func (f *fakePeers) node(addr string) (*server.InMemory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.nodes[addr]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return n, nil
}

func (f *fakePeers) List(ctx context.Context, addr string) ([]protocol.FileInfo, error) {
	f.mu.Lock()
	hang := f.hangList[addr]
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	n, err := f.node(addr)
	if err != nil {
		return nil, err
	}

	files, err := n.List()
	if err != nil {
		return nil, err
	}

	res := make([]protocol.FileInfo, 0, len(files))
	for _, fi := range files {
		res = append(res, protocol.FileInfo{Filename: fi.Name, SizeMB: protocol.ToMB(fi.Size)})
	}
	return res, nil
}

func (f *fakePeers) Replicate(ctx context.Context, addr string, name string, contents io.Reader) error {
	n, err := f.node(addr)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.pushes = append(f.pushes, addr+"/"+name)
	f.mu.Unlock()

	if _, err := n.Put(name, contents); errors.Is(err, server.ErrExists) {
		return client.ErrExists
	} else if err != nil {
		return err
	}
	return nil
}

func (f *fakePeers) Download(ctx context.Context, addr string, name string) ([]byte, error) {
	n, err := f.node(addr)
	if err != nil {
		return nil, err
	}

	b, err := n.Get(name)
	if errors.Is(err, server.ErrNotFound) {
		return nil, client.ErrNotFound
	}
	return b, err
}

func (f *fakePeers) put(t *testing.T, addr, name, contents string) {
	t.Helper()

	n, err := f.node(addr)
	require.NoError(t, err)

	_, err = n.Put(name, strings.NewReader(contents))
	require.NoError(t, err)
}

func testRegistry(t *testing.T, peers ...string) *cluster.Registry {
	t.Helper()

	reg, err := cluster.NewRegistry("", peers)
	require.NoError(t, err)
	return reg
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestReplicatePushesOnlyWhereMissing(t *testing.T) {
	peers := newFakePeers("http://a", "http://b")
	peers.put(t, "http://b", "report.csv", "already here")

	local := server.NewInMemory()
	_, err := local.Put("report.csv", strings.NewReader("hello"))
	require.NoError(t, err)

	r := NewReplicator(testLogger(t), local, testRegistry(t, "a", "b", "c"), peers, time.Second, time.Second, nil)
	defer r.Close()

	rep := r.Replicate(context.Background(), "report.csv")
	require.Len(t, rep.Results, 3)

	assert.Equal(t, cluster.StatusOK, rep.Results[0].Status)
	assert.Equal(t, cluster.StatusSkipped, rep.Results[1].Status)
	assert.Equal(t, cluster.StatusUnreachable, rep.Results[2].Status)
	assert.Equal(t, []string{"http://a/report.csv"}, peers.pushes)

	got, err := peers.nodes["http://a"].Get("report.csv")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReplicateListTimeoutDoesNotStopOtherPeers(t *testing.T) {
	peers := newFakePeers("http://slow", "http://fast")
	peers.hangList["http://slow"] = true

	local := server.NewInMemory()
	_, err := local.Put("x", strings.NewReader("x"))
	require.NoError(t, err)

	r := NewReplicator(testLogger(t), local, testRegistry(t, "slow", "fast"), peers, 20*time.Millisecond, time.Second, nil)
	defer r.Close()

	rep := r.Replicate(context.Background(), "x")

	assert.Equal(t, cluster.StatusTimeout, rep.Results[0].Status)
	assert.Equal(t, cluster.StatusOK, rep.Results[1].Status)
}

func TestReplicateConflictIsNotAFailure(t *testing.T) {
	peers := newFakePeers("http://a")

	local := server.NewInMemory()
	_, err := local.Put("x", strings.NewReader("mine"))
	require.NoError(t, err)

	racing := &racingPeers{fakePeers: peers, addr: "http://a", contents: "theirs"}

	r := NewReplicator(testLogger(t), local, testRegistry(t, "a"), racing, time.Second, time.Second, nil)
	defer r.Close()

	rep := r.Replicate(context.Background(), "x")

	assert.Equal(t, cluster.StatusConflict, rep.Results[0].Status)
	assert.Empty(t, rep.Failed())

	got, err := peers.nodes["http://a"].Get("x")
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(got), "the peer copy must not be overwritten")
}

// racingPeers writes the file to the peer between the list and the push.
type racingPeers struct {
	*fakePeers
	addr     string
	contents string
}

func (r *racingPeers) List(ctx context.Context, addr string) ([]protocol.FileInfo, error) {
	res, err := r.fakePeers.List(ctx, addr)
	if err == nil && addr == r.addr {
		r.fakePeers.nodes[addr].Put("x", strings.NewReader(r.contents))
	}
	return res, err
}

func TestAfterWriteRecordsReport(t *testing.T) {
	peers := newFakePeers("http://a")

	local := server.NewInMemory()
	_, err := local.Put("x", strings.NewReader("x"))
	require.NoError(t, err)

	reports := cluster.NewReports(time.Minute)
	defer reports.Stop()

	r := NewReplicator(testLogger(t), local, testRegistry(t, "a"), peers, time.Second, time.Second, reports)

	r.AfterWrite("x")
	r.Close()

	snap := reports.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, cluster.OpReplicate, snap[0].Op)
	assert.Equal(t, cluster.StatusOK, snap[0].Status)

	// Closed replicator ignores new writes.
	r.AfterWrite("x")
	assert.Len(t, peers.pushes, 1)
}

func TestSyncOncePullsMissingFiles(t *testing.T) {
	peers := newFakePeers("http://a", "http://b")
	peers.put(t, "http://a", "one", "1")
	peers.put(t, "http://a", "shared", "from a")
	peers.put(t, "http://b", "shared", "from b")
	peers.put(t, "http://b", "two", "22")

	local := server.NewInMemory()
	_, err := local.Put("mine", strings.NewReader("local"))
	require.NoError(t, err)

	s := NewSyncer(testLogger(t), local, testRegistry(t, "a", "b", "down"), peers, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)

	rep := s.SyncOnce(context.Background())

	assert.Equal(t, []string{"one", "shared", "two"}, rep.Pulled())
	assert.Equal(t, 1, rep.Listing.Count(cluster.StatusUnreachable))
	assert.Empty(t, rep.Pulls.Failed())

	got, err := local.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, "from a", string(got), "the first peer in order wins")

	files, err := local.List()
	require.NoError(t, err)
	assert.Len(t, files, 4)

	again := s.SyncOnce(context.Background())
	assert.Empty(t, again.Pulled(), "second cycle has nothing to do")
	assert.NotEqual(t, rep.ID, again.ID)
}

func TestSyncOnceIgnoresInvalidRemoteNames(t *testing.T) {
	peers := newFakePeers()
	peers.nodes["http://evil"] = server.NewInMemory()

	evil := &listOverride{fakePeers: peers, files: []protocol.FileInfo{
		{Filename: "../../etc/passwd"},
		{Filename: ".hidden"},
	}}

	local := server.NewInMemory()
	s := NewSyncer(testLogger(t), local, testRegistry(t, "evil"), evil, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)

	rep := s.SyncOnce(context.Background())

	assert.Empty(t, rep.Pulled())
	assert.Equal(t, 2, rep.Pulls.Count(cluster.StatusRejected))

	files, err := local.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSyncOnceConcurrentWriteIsSkipped(t *testing.T) {
	peers := newFakePeers("http://a")
	peers.put(t, "http://a", "x", "remote")

	local := server.NewInMemory()
	racing := &downloadHook{fakePeers: peers, before: func() {
		local.Put("x", bytes.NewReader([]byte("uploaded meanwhile")))
	}}

	s := NewSyncer(testLogger(t), local, testRegistry(t, "a"), racing, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)

	rep := s.SyncOnce(context.Background())

	require.Len(t, rep.Pulls.Results, 1)
	assert.Equal(t, cluster.StatusSkipped, rep.Pulls.Results[0].Status)

	got, err := local.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "uploaded meanwhile", string(got))
}

func TestSyncLoopRunsImmediatelyAndStops(t *testing.T) {
	peers := newFakePeers("http://a")
	peers.put(t, "http://a", "x", "x")

	local := server.NewInMemory()
	s := NewSyncer(testLogger(t), local, testRegistry(t, "a"), peers, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Loop(ctx) }()

	assert.Eventually(t, func() bool {
		ok, _ := local.Exists("x")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Loop() did not return after the context was cancelled")
	}
}

type listOverride struct {
	*fakePeers
	files []protocol.FileInfo
}

func (l *listOverride) List(ctx context.Context, addr string) ([]protocol.FileInfo, error) {
	return l.files, nil
}

type downloadHook struct {
	*fakePeers
	before func()
}

func (d *downloadHook) Download(ctx context.Context, addr string, name string) ([]byte, error) {
	d.before()
	return d.fakePeers.Download(ctx, addr, name)
}

// flakyList fails the first few local listings.
type flakyList struct {
	*server.InMemory
	fails int
}

func (f *flakyList) List() ([]server.FileInfo, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("disk is on fire")
	}
	return f.InMemory.List()
}

func TestSyncOnceLocalListFailureSkipsOnlyThatPeer(t *testing.T) {
	peers := newFakePeers("http://a", "http://b")
	peers.put(t, "http://a", "one", "1")
	peers.put(t, "http://b", "two", "2")

	local := &flakyList{InMemory: server.NewInMemory(), fails: 1}
	s := NewSyncer(testLogger(t), local, testRegistry(t, "a", "b"), peers, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)

	rep := s.SyncOnce(context.Background())

	assert.Equal(t, []string{"two"}, rep.Pulled())
	assert.Len(t, rep.Listing.Results, 2)

	again := s.SyncOnce(context.Background())
	assert.Equal(t, []string{"one"}, again.Pulled())
}

func TestPeerFailuresGoToFailureLogger(t *testing.T) {
	var failures bytes.Buffer

	local := server.NewInMemory()
	_, err := local.Put("x", strings.NewReader("x"))
	require.NoError(t, err)

	peers := newFakePeers()
	reg := testRegistry(t, "down")

	r := NewReplicator(testLogger(t), local, reg, peers, time.Second, time.Second, nil)
	r.SetFailureLogger(log.New(&failures, "", 0))
	defer r.Close()

	r.Replicate(context.Background(), "x")
	assert.Contains(t, failures.String(), `Replicating "x" to "http://down": unreachable`)

	failures.Reset()

	s := NewSyncer(testLogger(t), local, reg, peers, SyncerConfig{
		Interval:        time.Hour,
		ListTimeout:     time.Second,
		DownloadTimeout: time.Second,
	}, nil)
	s.SetFailureLogger(log.New(&failures, "", 0))

	s.SyncOnce(context.Background())
	assert.Contains(t, failures.String(), `could not list files of "http://down"`)
}
