// Deploys a kladovka cluster over ssh and checks that it came up.
// Run it by executing the following:
// $ go run example/server/start.go

package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/cluster"
)

// Node is a single kladovka process on some host.
type Node struct {
	SSHHost      string // as understood by ssh
	PublicHost   string // as understood by the other nodes
	InstanceName string
	Port         int
	CapacityMB   int64
	Arch         string
	DirName      string
}

func (n Node) BaseAddr() string {
	return fmt.Sprintf("http://%s:%d", n.PublicHost, n.Port)
}

func (n Node) local() bool {
	return n.SSHHost == "localhost"
}

var nodes = []Node{
	{SSHHost: "localhost", PublicHost: "127.0.0.1", InstanceName: "moscow", Port: 8080, CapacityMB: 300, Arch: "amd64", DirName: os.ExpandEnv("$HOME/kladovka-data/moscow")},
	{SSHHost: "localhost", PublicHost: "127.0.0.1", InstanceName: "voronezh", Port: 8081, CapacityMB: 300, Arch: "amd64", DirName: os.ExpandEnv("$HOME/kladovka-data/voronezh")},
	{SSHHost: "z", PublicHost: "z", InstanceName: "peking", Port: 8082, CapacityMB: 1024, Arch: "amd64"},
	{SSHHost: "a", PublicHost: "a", InstanceName: "phaenus", Port: 8084, CapacityMB: 100, Arch: "arm"},
}

const startTimeout = 30 * time.Second

func main() {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	if err := chdirToRepoRoot(); err != nil {
		log.Fatalf("Locating the repository: %v", err)
	}

	if err := build(); err != nil {
		log.Fatalf("Build failed: %v", err)
	}

	if err := deploy(); err != nil {
		log.Fatalf("Deploy failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	cl := client.NewRaw(&http.Client{Timeout: 5 * time.Second})

	if err := waitHealthy(ctx, cl); err != nil {
		log.Fatalf("Cluster did not start: %v", err)
	}

	if err := checkTotals(ctx, cl); err != nil {
		log.Fatalf("Cluster is misconfigured: %v", err)
	}

	log.Printf("All %d nodes are up", len(nodes))
}

func chdirToRepoRoot() error {
	out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return fmt.Errorf("git rev-parse: %w", err)
	}
	return os.Chdir(string(bytes.TrimSpace(out)))
}

func binaryPath(arch string) string {
	return "/tmp/kladovka-" + arch
}

func build() error {
	built := make(map[string]bool)

	for _, n := range nodes {
		if built[n.Arch] {
			continue
		}
		built[n.Arch] = true

		cmd := exec.Command("go", "build", "-o", binaryPath(n.Arch), ".")
		cmd.Env = append(os.Environ(), "GOARCH="+n.Arch)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		log.Printf("%s: building", n.Arch)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("GOARCH=%s: %w", n.Arch, err)
		}
	}

	return nil
}

// env is the environment of a node. Every node gets the same peer list
// and drops it's own address from it.
func env(n Node, peers []string) []string {
	dir := n.DirName
	if dir == "" {
		dir = "kladovka-data"
	}

	return []string{
		"PEER_URLS=" + strings.Join(peers, ","),
		fmt.Sprintf("STORAGE_MB=%d", n.CapacityMB),
		"KLADOVKA_DIR=" + dir,
		fmt.Sprintf("KLADOVKA_LISTEN=0.0.0.0:%d", n.Port),
	}
}

func deploy() error {
	var peers []string
	for _, n := range nodes {
		peers = append(peers, n.BaseAddr())
	}

	var g errgroup.Group

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			binary := binaryPath(n.Arch)
			if !n.local() {
				binary = "./kladovka"
				if err := run(n, "scp", "-oBatchMode=yes", binaryPath(n.Arch), n.SSHHost+":kladovka"); err != nil {
					return err
				}
			}

			// Only the process of this node is stopped so that several
			// nodes can share a host. The brackets keep pkill from
			// matching the shell that runs it.
			stop := fmt.Sprintf("pkill -f '[-]advertise=%s' || true", n.BaseAddr())

			start := fmt.Sprintf("env %s nohup %s -instance=%s -advertise=%s < /dev/null > kladovka-%s.log 2>&1 &",
				strings.Join(env(n, peers), " "), binary, n.InstanceName, n.BaseAddr(), n.InstanceName)

			return run(n, "ssh", "-oBatchMode=yes", n.SSHHost, stop+"; "+start)
		})
	}

	return g.Wait()
}

func run(n Node, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	log.Printf("%s: running %s", n.InstanceName, cmd)

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %s: %w (output: %s)", n.InstanceName, name, err, bytes.TrimSpace(out))
	}
	return nil
}

// waitHealthy waits until every node answers /status with it's own name.
func waitHealthy(ctx context.Context, cl *client.Raw) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, n := range nodes {
		n := n
		g.Go(func() error {
			for {
				st, err := cl.Status(ctx, n.BaseAddr())
				if err == nil {
					if st.Instance != n.InstanceName {
						return fmt.Errorf("%s answers as %q", n.BaseAddr(), st.Instance)
					}
					log.Printf("%s: up with %d peers", n.InstanceName, len(st.Peers))
					return nil
				}

				select {
				case <-ctx.Done():
					return fmt.Errorf("%s: %w (last error: %v)", n.InstanceName, ctx.Err(), err)
				case <-time.After(200 * time.Millisecond):
				}
			}
		})
	}

	return g.Wait()
}

// checkTotals verifies that every node sees the whole cluster.
func checkTotals(ctx context.Context, cl *client.Raw) error {
	var want float64
	for _, n := range nodes {
		want += float64(n.CapacityMB)
	}

	var failed []string

	for _, n := range nodes {
		res, err := cl.Total(ctx, n.BaseAddr())
		if err != nil {
			return fmt.Errorf("%s: %w", n.InstanceName, err)
		}

		for _, p := range res.Peers {
			if cluster.Status(p.Status).Failed() {
				log.Printf("%s: peer %s: %s %s", n.InstanceName, p.Peer, p.Status, p.Error)
			}
		}

		if math.Abs(res.TotalCapacity-want) > 0.5 {
			failed = append(failed, fmt.Sprintf("%s reports %.0f MB", n.InstanceName, res.TotalCapacity))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("total capacity should be %.0f MB: %s", want, strings.Join(failed, "; "))
	}

	return nil
}
