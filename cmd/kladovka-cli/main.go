package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/YuriyNasretdinov/kladovka/client"
	"github.com/YuriyNasretdinov/kladovka/cluster"
	"github.com/YuriyNasretdinov/kladovka/protocol"
)

var (
	addr        = flag.String("addr", "", "Base address of the node. Defaults to KLADOVKA_ADDR or http://127.0.0.1:8080")
	timeout     = flag.Duration("timeout", 30*time.Second, "Timeout for a single request")
	etcdAddr    = flag.String("etcd", "localhost:2379", "Comma-separated list of etcd endpoints, used by `register`")
	clusterName = flag.String("cluster", "default", "The name of the cluster in etcd, used by `register`")
	debug       = flag.Bool("debug", false, "Log every request")
)

func nodeAddr() (string, error) {
	a := *addr
	if a == "" {
		a = os.Getenv("KLADOVKA_ADDR")
	}
	if a == "" {
		a = "http://127.0.0.1:8080"
	}
	return cluster.NormalizeAddr(a)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	if command == "register" {
		return register(ctx, args)
	}

	a, err := nodeAddr()
	if err != nil {
		return err
	}

	cl := client.NewRaw(&http.Client{})
	cl.SetDebug(*debug)

	switch command {
	case "upload":
		return upload(ctx, cl, a, args)
	case "download":
		return download(ctx, cl, a, args)
	case "list":
		return list(ctx, cl, a)
	case "total":
		return total(ctx, cl, a)
	case "status":
		return status(ctx, cl, a)
	default:
		printUsage()
		return fmt.Errorf("unknown command '%s'", command)
	}
}

func upload(ctx context.Context, cl *client.Raw, a string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: upload <path> [name]")
	}

	path := args[0]
	name := filepath.Base(path)
	if len(args) == 2 {
		name = args[1]
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := cl.Upload(ctx, a, name, f)
	if err == client.ErrExists {
		return fmt.Errorf("%s already exists on %s", color.CyanString(name), a)
	} else if err != nil {
		return err
	}

	fmt.Printf("%s %s (%.3f MB)\n", color.GreenString("Uploaded"), color.CyanString(res.Filename), res.SizeMB)
	return nil
}

func download(ctx context.Context, cl *client.Raw, a string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: download <name> [output path, - for stdout]")
	}

	name := args[0]
	out := name
	if len(args) == 2 {
		out = args[1]
	}

	contents, err := cl.Download(ctx, a, name)
	if err == client.ErrNotFound {
		return fmt.Errorf("%s not found on %s", color.CyanString(name), a)
	} else if err != nil {
		return err
	}

	if out == "-" {
		_, err := os.Stdout.Write(contents)
		return err
	}

	if err := os.WriteFile(out, contents, 0666); err != nil {
		return err
	}

	fmt.Printf("%s %s to %s (%d bytes)\n", color.GreenString("Downloaded"), color.CyanString(name), out, len(contents))
	return nil
}

func list(ctx context.Context, cl *client.Raw, a string) error {
	files, err := cl.List(ctx, a)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fmt.Println(color.YellowString("No files"))
		return nil
	}

	for _, f := range files {
		fmt.Printf("%-40s %10.3f MB\n", f.Filename, f.SizeMB)
	}
	return nil
}

func total(ctx context.Context, cl *client.Raw, a string) error {
	res, err := cl.Total(ctx, a)
	if err != nil {
		return err
	}

	fmt.Printf("%s %.0f MB\n", color.HiCyanString("Total capacity:"), res.TotalCapacity)
	fmt.Printf("%s %.3f MB\n", color.HiCyanString("Total usage:   "), res.TotalUsage)
	printPeerStatuses(os.Stdout, res.Peers)
	return nil
}

func status(ctx context.Context, cl *client.Raw, a string) error {
	res, err := cl.Status(ctx, a)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", color.HiCyanString("Instance:"), res.Instance)
	fmt.Printf("%s %s\n", color.HiCyanString("Peers:   "), strings.Join(res.Peers, ", "))
	printPeerStatuses(os.Stdout, res.Reports)
	return nil
}

func printPeerStatuses(w io.Writer, statuses []protocol.PeerStatus) {
	for _, p := range statuses {
		st := color.GreenString(p.Status)
		if cluster.Status(p.Status).Failed() {
			st = color.RedString(p.Status)
		}

		line := fmt.Sprintf("  %-10s %-30s %s", p.Op, p.Peer, st)
		if p.Name != "" {
			line += " " + color.CyanString(p.Name)
		}
		if p.Error != "" {
			line += " " + color.YellowString(p.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func register(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: register <instance name> <base address>")
	}

	listen, err := cluster.NormalizeAddr(args[1])
	if err != nil {
		return err
	}

	st, err := cluster.NewState(log.Default(), strings.Split(*etcdAddr, ","), *clusterName)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.RegisterNewPeer(ctx, cluster.Peer{InstanceName: args[0], ListenAddr: listen}); err != nil {
		return err
	}

	fmt.Printf("%s %s at %s in cluster %s\n", color.GreenString("Registered"), color.CyanString(args[0]), listen, *clusterName)
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "%s\n\n", color.CyanString("kladovka-cli - talk to a kladovka storage node"))
	fmt.Fprintf(os.Stderr, "Usage: kladovka-cli [flags] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("upload"), color.CyanString("<path> [name]"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("download"), color.CyanString("<name> [output]"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("list"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("total"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("status"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("register"), color.CyanString("<instance name> <base address>"))
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}
