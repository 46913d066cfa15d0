package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/config"
	"github.com/YuriyNasretdinov/kladovka/integration"
)

var (
	configPath   = flag.String("config", "", "Path to the YAML configuration file")
	instanceName = flag.String("instance", "", "The unique instance name")
	dirname      = flag.String("dirname", "", "The directory name where to put all the data")
	inmem        = flag.Bool("inmem", false, "Whether or not use in-memory storage instead of a disk-based one")
	listenAddr   = flag.String("listen", "", "Network address to listen on, e.g. 127.0.0.1:8080")
	advertise    = flag.String("advertise", "", "Base address peers use to reach this node, defaults to http://<listen>")
	peers        = flag.String("peers", "", "Comma-separated list of peer base addresses")
	capacityMB   = flag.Int64("capacity", 0, "Advertised storage capacity in megabytes")
	etcdAddr     = flag.String("etcd", "", "Comma-separated list of etcd endpoints used to discover peers at startup")
	clusterName  = flag.String("cluster", "", "The name of the cluster in etcd")
	logLevel     = flag.String("log-level", "", "Log level: debug, info, warn or error")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	// Only the flags that were set on the command line win over the
	// file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "instance":
			cfg.InstanceName = *instanceName
		case "dirname":
			cfg.DirName = *dirname
		case "inmem":
			cfg.InMemory = *inmem
		case "listen":
			cfg.ListenAddr = *listenAddr
		case "advertise":
			cfg.AdvertiseAddr = *advertise
		case "peers":
			cfg.Peers = cluster.ParsePeerList(*peers)
		case "capacity":
			cfg.CapacityMB = *capacityMB
		case "etcd":
			cfg.EtcdAddr = strings.Split(*etcdAddr, ",")
		case "cluster":
			cfg.ClusterName = *clusterName
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal("Invalid log level", "level", cfg.LogLevel, "err", err)
	}
	logger.SetLevel(level)
	logger.SetPrefix(cfg.InstanceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting storage node", "dir", cfg.DirName, "inmem", cfg.InMemory, "listen", cfg.ListenAddr, "capacityMB", cfg.CapacityMB)

	if err := integration.InitAndServe(ctx, integration.NewLoggers(logger), cfg); err != nil {
		logger.Fatal("Storage node failed", "err", err)
	}

	logger.Info("Storage node stopped")
}
