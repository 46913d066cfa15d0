package integration

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/config"
	"github.com/YuriyNasretdinov/kladovka/server"
	"github.com/YuriyNasretdinov/kladovka/server/replication"
	"github.com/YuriyNasretdinov/kladovka/web"
)

// Node is a single storage node with all of it's background work.
type Node struct {
	logger  *log.Logger
	cfg     *config.Config
	started time.Time

	Storage server.Storage
	Peers   *cluster.Registry

	reports *cluster.Reports
	repl    *replication.Replicator
	syncer  *replication.Syncer
	srv     *web.Server

	closeOnce sync.Once
}

// NewNode checks validity of the supplied configuration and creates
// every component of the node. Nothing is started until Run is called.
func NewNode(ctx context.Context, logs Loggers, cfg *config.Config) (*Node, error) {
	logger := logs.Info

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var storage server.Storage
	if cfg.InMemory {
		storage = server.NewInMemory()
	} else {
		onDisk, err := server.NewOnDisk(logger, cfg.DirName)
		if err != nil {
			return nil, fmt.Errorf("initialise on-disk backend: %w", err)
		}
		storage = onDisk
	}

	peers := cfg.Peers
	if len(cfg.EtcdAddr) > 0 {
		discovered, err := bootstrapPeers(ctx, logger, cfg)
		if err != nil {
			return nil, err
		}
		peers = append(append([]string(nil), peers...), discovered...)
	}

	reg, err := cluster.NewRegistry(cfg.Advertise(), peers)
	if err != nil {
		return nil, fmt.Errorf("building peer registry: %w", err)
	}

	debug := cfg.LogLevel == "debug"

	cl := client.NewRaw(&http.Client{})
	cl.Logger = logger
	cl.SetDebug(debug)

	reports := cluster.NewReports(cfg.ReportTTL)

	agg := cluster.NewAggregator(logs.Failure, cfg.CapacityMB, storage, reg, cl, cfg.Timeouts.Aggregate, reports)

	repl := replication.NewReplicator(logger, storage, reg, cl, cfg.Timeouts.List, cfg.Timeouts.Push, reports)
	repl.SetFailureLogger(logs.Failure)
	repl.SetDebug(debug)

	syncer := replication.NewSyncer(logger, storage, reg, cl, replication.SyncerConfig{
		Interval:        cfg.SyncInterval,
		ListTimeout:     cfg.Timeouts.List,
		DownloadTimeout: cfg.Timeouts.Download,
		PullLimit:       cfg.SyncPullRate.Limit,
		PullBurst:       cfg.SyncPullRate.Burst,
	}, reports)
	syncer.SetFailureLogger(logs.Failure)
	syncer.SetDebug(debug)

	srv := web.NewServer(logs.Failure, cfg.InstanceName, cfg.ListenAddr, cfg.MaxUploadSizeMB, storage, agg, reg, reports, repl)

	return &Node{
		logger:  logger,
		cfg:     cfg,
		Storage: storage,
		Peers:   reg,
		reports: reports,
		repl:    repl,
		syncer:  syncer,
		srv:     srv,
	}, nil
}

// bootstrapPeers registers this node in etcd and returns the addresses
// of every node registered so far. It is only done once: the peer set
// is fixed for the lifetime of the process.
func bootstrapPeers(ctx context.Context, logger *log.Logger, cfg *config.Config) ([]string, error) {
	st, err := cluster.NewState(logger, cfg.EtcdAddr, cfg.ClusterName)
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	defer st.Close()

	if err := st.RegisterNewPeer(ctx, cluster.Peer{InstanceName: cfg.InstanceName, ListenAddr: cfg.Advertise()}); err != nil {
		return nil, fmt.Errorf("registering %q in etcd: %w", cfg.InstanceName, err)
	}

	peers, err := st.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing peers from etcd: %w", err)
	}

	logger.Printf("Discovered %d peers in etcd cluster %q", len(peers), cfg.ClusterName)

	return cluster.PeerAddrs(peers), nil
}

// Run serves HTTP requests and runs the periodic sync and heartbeat until
// the context is cancelled or one of them fails. The node is closed
// before Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()

	n.started = time.Now()
	n.logger.Printf("Listening connections on %s, peers: %v", n.cfg.ListenAddr, n.Peers.Peers())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.srv.Serve(gctx)
	})

	g.Go(func() error {
		return n.syncer.Loop(gctx)
	})

	g.Go(func() error {
		return heartbeat(gctx, n.logger, n.cfg.InstanceName, n.cfg.HeartbeatInterval, n.started)
	})

	return g.Wait()
}

// Close cancels replication in progress and releases the resources of
// the node. It is safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.repl.Close()
		n.reports.Stop()
	})
}

// InitAndServe creates the node and runs it until the context is cancelled.
func InitAndServe(ctx context.Context, logs Loggers, cfg *config.Config) error {
	n, err := NewNode(ctx, logs, cfg)
	if err != nil {
		return err
	}

	return n.Run(ctx)
}
