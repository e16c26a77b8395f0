package includesrv

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync/atomic"
)

// Stats accumulates cumulative counters across the process lifetime,
// optionally dumped to statsd. Grounded on VKCOM-nocc's
// internal/server/statsd.go, adapted to the closure-analyzer's own
// counters (requests by outcome, nodes, trigger resets, path-observation
// warnings instead of sessions/obj-cache/pch). The analyzer feeds the
// request, trigger-reset and path-observation counters; nothing in it
// calls the node counters' Inc methods, so those stay at zero.
type Stats struct {
	requestsTotal      int64
	requestsNotCovered int64
	requestsTimedOut   int64
	requestsFatal      int64

	nodesCreated  int64
	nodesRebuilt  int64
	nodeCacheHits int64

	triggerResets int64

	pathObservationWarnings int64

	statsdConnection net.Conn
	statsdBuffer     bytes.Buffer
}

func NewStats(statsdHostPort string) (*Stats, error) {
	if statsdHostPort == "" {
		return &Stats{}, nil
	}
	conn, err := net.Dial("udp", statsdHostPort)
	if err != nil {
		return nil, err
	}
	return &Stats{statsdConnection: conn}, nil
}

func (s *Stats) IncRequestsTotal()      { atomic.AddInt64(&s.requestsTotal, 1) }
func (s *Stats) IncRequestsNotCovered() { atomic.AddInt64(&s.requestsNotCovered, 1) }
func (s *Stats) IncRequestsTimedOut()   { atomic.AddInt64(&s.requestsTimedOut, 1) }
func (s *Stats) IncRequestsFatal()      { atomic.AddInt64(&s.requestsFatal, 1) }
func (s *Stats) IncNodesCreated()       { atomic.AddInt64(&s.nodesCreated, 1) }
func (s *Stats) IncNodesRebuilt()       { atomic.AddInt64(&s.nodesRebuilt, 1) }
func (s *Stats) IncNodeCacheHits()      { atomic.AddInt64(&s.nodeCacheHits, 1) }
func (s *Stats) IncTriggerResets()      { atomic.AddInt64(&s.triggerResets, 1) }
func (s *Stats) IncPathObservationWarnings() {
	atomic.AddInt64(&s.pathObservationWarnings, 1)
}

func (s *Stats) writeStat(name string, value int64) {
	fmt.Fprintf(&s.statsdBuffer, "includesrv.%s:%d|g\n", name, value)
}

func (s *Stats) SendToStatsd() {
	if s.statsdConnection == nil {
		return
	}
	s.writeStat("requests.total", atomic.LoadInt64(&s.requestsTotal))
	s.writeStat("requests.not_covered", atomic.LoadInt64(&s.requestsNotCovered))
	s.writeStat("requests.timed_out", atomic.LoadInt64(&s.requestsTimedOut))
	s.writeStat("requests.fatal", atomic.LoadInt64(&s.requestsFatal))
	s.writeStat("nodes.created", atomic.LoadInt64(&s.nodesCreated))
	s.writeStat("nodes.rebuilt", atomic.LoadInt64(&s.nodesRebuilt))
	s.writeStat("nodes.cache_hits", atomic.LoadInt64(&s.nodeCacheHits))
	s.writeStat("triggers.resets", atomic.LoadInt64(&s.triggerResets))
	s.writeStat("path_observation.warnings", atomic.LoadInt64(&s.pathObservationWarnings))

	_, err := io.Copy(s.statsdConnection, &s.statsdBuffer)
	s.statsdBuffer.Reset()
	_ = err // best-effort: a dropped stats datagram must never affect a request
}

func (s *Stats) Close() {
	if s.statsdConnection != nil {
		_ = s.statsdConnection.Close()
	}
	s.statsdConnection = nil
}
