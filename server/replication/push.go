package replication

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/protocol"
)

// Source is the part of the local storage the replicator reads from.
type Source interface {
	Open(name string) (io.ReadCloser, int64, error)
}

// PushClient is the part of the peer client used to push files.
type PushClient interface {
	List(ctx context.Context, addr string) ([]protocol.FileInfo, error)
	Replicate(ctx context.Context, addr string, name string, contents io.Reader) error
}

// Replicator pushes freshly written files to every peer that does not
// have them yet. There is exactly one attempt per write: whatever was
// missed is picked up later by the Syncer of the peer.
type Replicator struct {
	logger      *log.Logger
	failLogger  *log.Logger
	debug       bool
	src         Source
	reg         *cluster.Registry
	cl          PushClient
	listTimeout time.Duration
	pushTimeout time.Duration
	reports     *cluster.Reports

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects closed and the wg.Add calls.
	mu     sync.Mutex
	closed bool
}

func NewReplicator(logger *log.Logger, src Source, reg *cluster.Registry, cl PushClient, listTimeout, pushTimeout time.Duration, reports *cluster.Reports) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())

	return &Replicator{
		logger:      logger,
		failLogger:  logger,
		src:         src,
		reg:         reg,
		cl:          cl,
		listTimeout: listTimeout,
		pushTimeout: pushTimeout,
		reports:     reports,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetFailureLogger sets the logger for peers that could not receive a
// file. It defaults to the main logger.
func (r *Replicator) SetFailureLogger(l *log.Logger) {
	r.failLogger = l
}

// SetDebug enables logging of skipped peers.
func (r *Replicator) SetDebug(v bool) {
	r.debug = v
}

// AfterWrite starts replication of the file in background and returns
// immediately. Calls made after Close are ignored.
func (r *Replicator) AfterWrite(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Printf("Not replicating %q: replicator is closed", name)
		return
	}

	if r.reg.Len() == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		rep := r.Replicate(r.ctx, name)
		if failed := rep.Failed(); len(failed) > 0 {
			r.failLogger.Printf("Replication of %q failed for %d of %d peers", name, len(failed), len(rep.Results))
		}
	}()
}

// Replicate pushes the file to the peers one after another. Every peer
// gets a result in the report, and a failure for one peer does not
// affect the rest.
func (r *Replicator) Replicate(ctx context.Context, name string) cluster.Report {
	rep := cluster.NewReport(cluster.OpReplicate)

	for _, peer := range r.reg.Peers() {
		st, err := r.replicateTo(ctx, peer, name)
		if st.Failed() {
			r.failLogger.Printf("Replicating %q to %q: %s: %v", name, peer, st, err)
		} else if r.debug {
			r.logger.Printf("Replicating %q to %q: %s", name, peer, st)
		}

		rep.Add(cluster.PeerResult{Peer: peer, Name: name, Status: st, Err: err})
	}

	r.reports.Record(rep)
	return rep
}

func (r *Replicator) replicateTo(ctx context.Context, peer, name string) (cluster.Status, error) {
	listCtx, cancel := context.WithTimeout(ctx, r.listTimeout)
	files, err := r.cl.List(listCtx, peer)
	cancel()

	if err != nil {
		return cluster.Classify(err), fmt.Errorf("listing files: %w", err)
	}

	for _, f := range files {
		if f.Filename == name {
			return cluster.StatusSkipped, nil
		}
	}

	rd, _, err := r.src.Open(name)
	if err != nil {
		// The file is write-once, so this only happens on local I/O errors.
		return cluster.StatusRejected, fmt.Errorf("opening local file: %w", err)
	}
	defer rd.Close()

	pushCtx, cancel := context.WithTimeout(ctx, r.pushTimeout)
	defer cancel()

	if err := r.cl.Replicate(pushCtx, peer, name, rd); err != nil {
		return cluster.Classify(err), err
	}

	return cluster.StatusOK, nil
}

// Close stops accepting new files, cancels the pushes in progress and
// waits for them to finish.
func (r *Replicator) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
