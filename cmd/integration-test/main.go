package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/build"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/phayes/freeport"

	"github.com/YuriyNasretdinov/kladovka/client"
)

const (
	maxN = 1000000

	sendFmt = "Send: %13s (%.1f MiB)"
	recvFmt = "Recv: %13s from %s"
)

func main() {
	if err := runTest(); err != nil {
		log.Fatalf("Test failed: %v", err)
	}

	log.Printf("Test passed!")
}

// runTest starts two kladovka processes that know about each other only
// through the environment, uploads a file to the first one and reads it
// back from the second one.
func runTest() error {
	log.SetFlags(log.Flags() | log.Lmicroseconds)

	goPath := os.Getenv("GOPATH")
	if goPath == "" {
		goPath = build.Default.GOPATH
	}

	log.Printf("Compiling kladovka")
	out, err := exec.Command("go", "install", "-v", "github.com/YuriyNasretdinov/kladovka").CombinedOutput()
	if err != nil {
		log.Printf("Failed to build: %v", err)
		return fmt.Errorf("compilation failed: %v (out: %s)", err, string(out))
	}

	ports := make([]int, 2)
	addrs := make([]string, 2)
	for i := range ports {
		if ports[i], err = freeport.GetFreePort(); err != nil {
			return fmt.Errorf("getting free port: %v", err)
		}
		addrs[i] = fmt.Sprintf("http://localhost:%d", ports[i])
	}

	for i, port := range ports {
		dbPath, err := os.MkdirTemp("", "kladovka")
		if err != nil {
			return fmt.Errorf("creating temp dir: %v", err)
		}
		defer os.RemoveAll(dbPath)

		log.Printf("Running kladovka on port %d", port)

		cmd := exec.Command(goPath+"/bin/kladovka", "-instance", fmt.Sprintf("node%d", i))
		cmd.Env = append(os.Environ(),
			"STORAGE_MB=100",
			"PEER_URLS="+strings.Join(addrs, ","),
			"KLADOVKA_DIR="+dbPath,
			fmt.Sprintf("KLADOVKA_LISTEN=localhost:%d", port),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting kladovka: %v", err)
		}
		defer cmd.Process.Kill()

		log.Printf("Waiting for the port localhost:%d to open", port)
		waitForPort(port)
	}

	log.Printf("Starting the test")

	cl := client.NewRaw(&http.Client{Timeout: 30 * time.Second})

	want, err := send(cl, addrs[0])
	if err != nil {
		return fmt.Errorf("send: %v", err)
	}

	got, err := receive(cl, addrs[1])
	if err != nil {
		return fmt.Errorf("receive: %v", err)
	}

	if want != got {
		return fmt.Errorf("the expected sum %d is not equal to the actual sum %d", want, got)
	}

	total, err := cl.Total(context.Background(), addrs[1])
	if err != nil {
		return fmt.Errorf("total: %v", err)
	}

	if total.TotalCapacity != 200 {
		return fmt.Errorf("total capacity is %v, want 200", total.TotalCapacity)
	}

	return nil
}

func waitForPort(port int) {
	for i := 0; i <= 100; i++ {
		timeout := time.Millisecond * 50
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", fmt.Sprint(port)), timeout)
		if err != nil {
			time.Sleep(timeout)
			continue
		}
		conn.Close()
		break
	}
}

func send(cl *client.Raw, addr string) (sum int64, err error) {
	start := time.Now()

	var buf []byte
	for i := 0; i <= maxN; i++ {
		sum += int64(i)

		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, '\n')
	}

	defer func() {
		log.Printf(sendFmt, time.Since(start), float64(len(buf))/1024/1024)
	}()

	if _, err := cl.Upload(context.Background(), addr, "numbers.txt", bytes.NewReader(buf)); err != nil {
		return 0, err
	}

	return sum, nil
}

// receive waits for the file to be pushed to the peer.
func receive(cl *client.Raw, addr string) (sum int64, err error) {
	start := time.Now()
	defer func() {
		log.Printf(recvFmt, time.Since(start), addr)
	}()

	var res []byte
	for {
		res, err = cl.Download(context.Background(), addr, "numbers.txt")
		if errors.Is(err, client.ErrNotFound) {
			if time.Since(start) > 10*time.Second {
				return 0, fmt.Errorf("file did not appear at %s", addr)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		} else if err != nil {
			return 0, err
		}
		break
	}

	for _, str := range strings.Split(strings.TrimRight(string(res), "\n"), "\n") {
		i, err := strconv.Atoi(str)
		if err != nil {
			return 0, err
		}

		sum += int64(i)
	}

	return sum, nil
}
