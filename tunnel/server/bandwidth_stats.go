package server

import (
	"sync/atomic"
	"time"
)

// bandwidthStatsRetention is how long a closed channel's counters stay visible to
// a stats collector that polls less often than channels churn.
const bandwidthStatsRetention = 2 * time.Minute

// BandwidthChannelStats is a point-in-time snapshot for a single channel.
//
// Byte counts are raw websocket binary frame payloads forwarded by the tunnel,
// including AEAD overhead — the tunnel never decrypts, so it cannot strip it.
type BandwidthChannelStats struct {
	ChannelID      string
	BytesToClient  uint64
	BytesToServer  uint64
	ClosedAtUnixMs int64 // 0 means the channel is currently active.
}

// BandwidthSnapshot is a point-in-time view of every tracked channel's counters.
type BandwidthSnapshot struct {
	NowUnixMs int64
	Channels  []BandwidthChannelStats
}

// bandwidthEntry lives in Server.bw, one per channel ID, updated from the
// forwarding path (recordBandwidth) and retired by pruneBandwidthStats.
type bandwidthEntry struct {
	toClient       uint64
	toServer       uint64
	closedAtUnixMs int64
}

// loadBandwidthEntry returns the existing counters for a channel, if tracked.
// Unlike ensureBandwidthEntry it never allocates and never clears a close mark,
// so it's the cheap path recordBandwidth takes on every forwarded frame.
func (s *Server) loadBandwidthEntry(channelID string) *bandwidthEntry {
	if s == nil || channelID == "" {
		return nil
	}
	v, ok := s.bw.Load(channelID)
	if !ok {
		return nil
	}
	e, _ := v.(*bandwidthEntry)
	return e
}

// ensureBandwidthEntry returns the counters for a channel, creating them if this
// is the first endpoint to attach. Reattaching after a close reopens the entry
// so a reused channel_id doesn't inherit a stale closedAtUnixMs.
func (s *Server) ensureBandwidthEntry(channelID string) *bandwidthEntry {
	if s == nil || channelID == "" {
		return nil
	}
	if e := s.loadBandwidthEntry(channelID); e != nil {
		atomic.StoreInt64(&e.closedAtUnixMs, 0)
		return e
	}
	fresh := &bandwidthEntry{}
	actual, loaded := s.bw.LoadOrStore(channelID, fresh)
	e, _ := actual.(*bandwidthEntry)
	if loaded {
		atomic.StoreInt64(&e.closedAtUnixMs, 0)
	}
	return e
}

// markBandwidthClosed timestamps a channel's counters so pruneBandwidthStats can
// retire them after bandwidthStatsRetention. The earliest close wins: if two
// teardown paths race (peer close vs. cleanup sweep), the first stamp sticks.
func (s *Server) markBandwidthClosed(channelID string, now time.Time) {
	e := s.loadBandwidthEntry(channelID)
	if e == nil {
		return
	}
	ts := now.UnixMilli()
	for {
		prev := atomic.LoadInt64(&e.closedAtUnixMs)
		if prev != 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&e.closedAtUnixMs, 0, ts) {
			return
		}
	}
}

// pruneBandwidthStats evicts entries closed longer than bandwidthStatsRetention
// ago. Called from the same cleanup tick as the channel and replay-cache sweeps.
func (s *Server) pruneBandwidthStats(now time.Time) {
	if s == nil {
		return
	}
	cutoff := now.Add(-bandwidthStatsRetention).UnixMilli()
	s.bw.Range(func(key, value any) bool {
		e, ok := value.(*bandwidthEntry)
		if !ok || e == nil {
			s.bw.Delete(key)
			return true
		}
		if closedAt := atomic.LoadInt64(&e.closedAtUnixMs); closedAt != 0 && closedAt <= cutoff {
			s.bw.Delete(key)
		}
		return true
	})
}

// BandwidthSnapshot returns a point-in-time view of per-channel byte counters,
// including channels closed within the last bandwidthStatsRetention window.
func (s *Server) BandwidthSnapshot(now time.Time) BandwidthSnapshot {
	if now.IsZero() {
		now = time.Now()
	}
	snap := BandwidthSnapshot{NowUnixMs: now.UnixMilli()}
	if s == nil {
		return snap
	}
	s.bw.Range(func(key, value any) bool {
		channelID, _ := key.(string)
		e, ok := value.(*bandwidthEntry)
		if channelID == "" || !ok || e == nil {
			return true
		}
		snap.Channels = append(snap.Channels, BandwidthChannelStats{
			ChannelID:      channelID,
			BytesToClient:  atomic.LoadUint64(&e.toClient),
			BytesToServer:  atomic.LoadUint64(&e.toServer),
			ClosedAtUnixMs: atomic.LoadInt64(&e.closedAtUnixMs),
		})
		return true
	})
	return snap
}
