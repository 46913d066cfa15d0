package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/protocol"
	"github.com/YuriyNasretdinov/kladovka/server"
)

// PullClient is the part of the peer client used to pull files.
type PullClient interface {
	List(ctx context.Context, addr string) ([]protocol.FileInfo, error)
	Download(ctx context.Context, addr string, name string) ([]byte, error)
}

// SyncReport describes a single synchronisation cycle.
type SyncReport struct {
	ID      uuid.UUID
	Listing cluster.Report
	Pulls   cluster.Report
}

// Pulled returns the names of the files that were downloaded successfully.
func (r SyncReport) Pulled() []string {
	var res []string
	for _, pr := range r.Pulls.Results {
		if pr.Status == cluster.StatusOK {
			res = append(res, pr.Name)
		}
	}
	return res
}

// Syncer periodically downloads the files that peers have and we don't.
// Every cycle compares full listings, so a file missed by push replication
// or by a previous cycle is picked up by the next one.
type Syncer struct {
	logger          *log.Logger
	failLogger      *log.Logger
	debug           bool
	st              server.Storage
	reg             *cluster.Registry
	cl              PullClient
	interval        time.Duration
	listTimeout     time.Duration
	downloadTimeout time.Duration
	limiter         *rate.Limiter
	reports         *cluster.Reports
}

// SyncerConfig holds the timings of the Syncer.
type SyncerConfig struct {
	Interval        time.Duration
	ListTimeout     time.Duration
	DownloadTimeout time.Duration

	// PullLimit is the maximum number of downloads per second. Zero means
	// no limit.
	PullLimit float64
	PullBurst int
}

func NewSyncer(logger *log.Logger, st server.Storage, reg *cluster.Registry, cl PullClient, cfg SyncerConfig, reports *cluster.Reports) *Syncer {
	limit := rate.Inf
	if cfg.PullLimit > 0 {
		limit = rate.Limit(cfg.PullLimit)
	}

	burst := cfg.PullBurst
	if burst <= 0 {
		burst = 1
	}

	return &Syncer{
		logger:          logger,
		failLogger:      logger,
		st:              st,
		reg:             reg,
		cl:              cl,
		interval:        cfg.Interval,
		listTimeout:     cfg.ListTimeout,
		downloadTimeout: cfg.DownloadTimeout,
		limiter:         rate.NewLimiter(limit, burst),
		reports:         reports,
	}
}

// SetFailureLogger sets the logger for peers that could not be listed
// and files that could not be pulled. It defaults to the main logger.
func (s *Syncer) SetFailureLogger(l *log.Logger) {
	s.failLogger = l
}

// SetDebug enables logging of every pulled file.
func (s *Syncer) SetDebug(v bool) {
	s.debug = v
}

// Loop runs the first cycle right away and then one cycle per interval
// until the context is cancelled.
func (s *Syncer) Loop(ctx context.Context) error {
	if s.reg.Len() == 0 {
		s.logger.Printf("No peers configured, periodic sync is disabled")
		<-ctx.Done()
		return nil
	}

	s.SyncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce compares the listing of every peer with the local one and
// downloads the missing files.
func (s *Syncer) SyncOnce(ctx context.Context) SyncReport {
	rep := SyncReport{
		ID:      uuid.New(),
		Listing: cluster.NewReport(cluster.OpSyncList),
		Pulls:   cluster.NewReport(cluster.OpSyncPull),
	}

	for _, peer := range s.reg.Peers() {
		if ctx.Err() != nil {
			break
		}

		listCtx, cancel := context.WithTimeout(ctx, s.listTimeout)
		remote, err := s.cl.List(listCtx, peer)
		cancel()

		rep.Listing.Add(cluster.PeerResult{Peer: peer, Status: cluster.Classify(err), Value: float64(len(remote)), Err: err})
		if err != nil {
			s.failLogger.Printf("Sync %s: could not list files of %q: %v", rep.ID, peer, err)
			continue
		}

		missing, err := s.missing(remote)
		if err != nil {
			s.failLogger.Printf("Sync %s: could not list local files: %v", rep.ID, err)
			continue
		}

		for _, name := range missing {
			res := s.pull(ctx, rep.ID, peer, name)
			rep.Pulls.Add(res)
		}
	}

	s.reports.Record(rep.Listing)
	s.reports.Record(rep.Pulls)

	s.logger.Printf("Sync %s: %d peers listed (%d failed), %d files pulled, %d pulls failed",
		rep.ID, len(rep.Listing.Results), len(rep.Listing.Failed()), len(rep.Pulled()), len(rep.Pulls.Failed()))

	return rep
}

// missing returns the names present in the remote listing but absent
// locally, in the remote order. The local listing is taken fresh so that
// files pulled from the previous peer are not downloaded twice.
func (s *Syncer) missing(remote []protocol.FileInfo) ([]string, error) {
	local, err := s.st.List()
	if err != nil {
		return nil, err
	}

	have := make(map[string]bool, len(local))
	for _, f := range local {
		have[f.Name] = true
	}

	var res []string
	for _, f := range remote {
		if have[f.Filename] {
			continue
		}
		have[f.Filename] = true
		res = append(res, f.Filename)
	}

	return res, nil
}

func (s *Syncer) pull(ctx context.Context, id uuid.UUID, peer, name string) cluster.PeerResult {
	res := cluster.PeerResult{Peer: peer, Name: name}

	if err := server.ValidateName(name); err != nil {
		s.failLogger.Printf("Sync %s: ignoring file %q from %q: %v", id, name, peer, err)
		res.Status = cluster.StatusRejected
		res.Err = err
		return res
	}

	if err := s.limiter.Wait(ctx); err != nil {
		res.Status = cluster.Classify(err)
		res.Err = err
		return res
	}

	dlCtx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	contents, err := s.cl.Download(dlCtx, peer, name)
	cancel()

	if err != nil {
		s.failLogger.Printf("Sync %s: failed to download %q from %q: %v", id, name, peer, err)
		res.Status = cluster.Classify(err)
		res.Err = fmt.Errorf("downloading: %w", err)
		return res
	}

	size, err := s.st.Put(name, bytes.NewReader(contents))
	if errors.Is(err, server.ErrExists) {
		if s.debug {
			s.logger.Printf("Sync %s: %q was written concurrently, skipping", id, name)
		}
		res.Status = cluster.StatusSkipped
		return res
	} else if err != nil {
		s.failLogger.Printf("Sync %s: failed to save %q from %q: %v", id, name, peer, err)
		res.Status = cluster.StatusRejected
		res.Err = fmt.Errorf("saving: %w", err)
		return res
	}

	if s.debug {
		s.logger.Printf("Sync %s: pulled %q (%d bytes) from %q", id, name, size, peer)
	}

	res.Status = cluster.StatusOK
	res.Value = protocol.ToMB(size)
	return res
}
