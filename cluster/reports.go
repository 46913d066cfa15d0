package cluster

import (
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Reports remembers the last result for every (operation, peer) pair.
// It is only used to show what happened recently: nothing makes decisions
// based on it. Entries for peers that were not contacted within the TTL
// disappear.
type Reports struct {
	cache *ttlcache.Cache[string, PeerResult]
}

func NewReports(ttl time.Duration) *Reports {
	cache := ttlcache.New[string, PeerResult](
		ttlcache.WithTTL[string, PeerResult](ttl),
		ttlcache.WithDisableTouchOnHit[string, PeerResult](),
	)
	go cache.Start()

	return &Reports{cache: cache}
}

// Record stores every result of the report. A nil *Reports ignores it.
func (r *Reports) Record(rep Report) {
	if r == nil {
		return
	}

	for _, res := range rep.Results {
		r.cache.Set(res.Op+"|"+res.Peer, res, ttlcache.DefaultTTL)
	}
}

// Snapshot returns the remembered results sorted by operation and peer.
func (r *Reports) Snapshot() []PeerResult {
	if r == nil {
		return nil
	}

	items := r.cache.Items()
	res := make([]PeerResult, 0, len(items))
	for _, it := range items {
		if it.IsExpired() {
			continue
		}
		res = append(res, it.Value())
	}

	sort.Slice(res, func(i, j int) bool {
		if res[i].Op != res[j].Op {
			return res[i].Op < res[j].Op
		}
		return res[i].Peer < res[j].Peer
	})

	return res
}

// Stop terminates the expiration goroutine.
func (r *Reports) Stop() {
	if r == nil {
		return
	}
	r.cache.Stop()
}
