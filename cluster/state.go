package cluster

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.etcd.io/etcd/clientv3"
)

const defaultTimeout = 10 * time.Second

// State is a wrapper around etcd that is used as an optional directory of
// peers. It is read once at startup: the peer set does not change while
// the node is running.
type State struct {
	logger *log.Logger
	cl     *clientv3.Client
	prefix string
}

// NewState initialises the connection to the etcd cluster.
func NewState(logger *log.Logger, addr []string, clusterName string) (*State, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   addr,
		DialTimeout: defaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating etcd client: %w", err)
	}

	s := &State{
		logger: logger,
		cl:     etcdClient,
		prefix: statePrefix(clusterName),
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if _, err := etcdClient.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		etcdClient.Close()
		return nil, fmt.Errorf("could not reach etcd at %v: %w", addr, err)
	}

	return s, nil
}

func statePrefix(clusterName string) string {
	return "kladovka/" + clusterName + "/"
}

// Close closes the etcd connection.
func (c *State) Close() error {
	return c.cl.Close()
}

type Peer struct {
	InstanceName string
	ListenAddr   string
}

func (c *State) RegisterNewPeer(ctx context.Context, p Peer) error {
	_, err := c.cl.Put(ctx, c.prefix+"peers/"+p.InstanceName, p.ListenAddr)
	return err
}

func (c *State) ListPeers(ctx context.Context) ([]Peer, error) {
	resp, err := c.cl.Get(ctx, c.prefix+"peers/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	res := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		p, ok := parsePeerKey(c.prefix, string(kv.Key), string(kv.Value))
		if !ok {
			c.logger.Printf("Ignoring malformed peer key %q", kv.Key)
			continue
		}
		res = append(res, p)
	}

	return res, nil
}

func parsePeerKey(prefix, key, value string) (Peer, bool) {
	name := strings.TrimPrefix(key, prefix+"peers/")
	if name == key || name == "" || strings.Contains(name, "/") || value == "" {
		return Peer{}, false
	}

	return Peer{InstanceName: name, ListenAddr: value}, true
}

// PeerAddrs returns the listen addresses of the registered peers.
func PeerAddrs(peers []Peer) []string {
	res := make([]string, 0, len(peers))
	for _, p := range peers {
		res = append(res, p.ListenAddr)
	}
	return res
}
