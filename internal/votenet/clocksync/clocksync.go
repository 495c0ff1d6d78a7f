package clocksync

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/metrics"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func csLogger() *zap.SugaredLogger {
	return logger.Named("clock")
}

const (
	// Broadcasts tick every 5s; after the first minute of leadership only
	// every other tick fires, giving the 10s steady cadence.
	initialInterval = 5 * time.Second
	initialPhase    = time.Minute

	historySize = 5

	// staleAfter is how old the last broadcast may be before the node
	// reports itself unsynced.
	staleAfter = 30 * time.Second
)

// Status is the reported sync state. Offset is the residual median drift to
// the leader, zero on the leader itself.
type Status struct {
	Synced   bool    `json:"synced"`
	Offset   float64 `json:"offset"`
	LastSync float64 `json:"last_sync"`
	SyncAge  float64 `json:"sync_age"`
	IsLeader bool    `json:"is_leader"`
}

// Sync keeps followers' perceived time close to the leader's. The leader
// broadcasts wall time; followers smooth the measured drift into a
// correction offset. Only followers correct.
type Sync struct {
	emitter  comms.Emitter
	store    store.Store
	nodeID   string
	isLeader func() bool
	clk      clock.Clock

	mu          sync.Mutex
	offset      time.Duration // cumulative correction applied to local time
	history     []float64     // recent residual drifts, seconds, bounded
	lastSync    time.Time
	initialDone bool
	requestSync bool // a sync_request should go out on the next loop pass
}

// New builds the sync protocol. clk is swappable for tests; pass
// clock.New() in production.
func New(emitter comms.Emitter, s store.Store, nodeID string, isLeader func() bool, clk clock.Clock) *Sync {
	return &Sync{
		emitter:  emitter,
		store:    s,
		nodeID:   nodeID,
		isLeader: isLeader,
		clk:      clk,
	}
}

// CorrectedNow returns local time plus the accumulated correction.
func (s *Sync) CorrectedNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLeader() {
		return s.clk.Now()
	}
	return s.clk.Now().Add(s.offset)
}

// Run drives the leader broadcast loop and the follower request path until
// the context ends. Broadcasts come every 5s for the first minute of
// leadership, then every 10s.
func (s *Sync) Run(ctx context.Context) {
	var leaderSince time.Time
	wasLeader := false
	tickCount := 0

	if !s.isLeader() {
		s.sendSyncRequest(ctx)
	}

	ticker := s.clk.Ticker(initialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		leading := s.isLeader()
		switch {
		case leading && !wasLeader:
			leaderSince = s.clk.Now()
			tickCount = 0
			csLogger().Infow("Assumed clock reference role", "node", s.nodeID)
			s.broadcast(ctx, false)
		case leading:
			tickCount++
			// 5s cadence for the first minute of leadership, then every
			// other tick for the 10s steady state.
			if s.clk.Now().Sub(leaderSince) < initialPhase || tickCount%2 == 0 {
				s.broadcast(ctx, false)
			}
		case wasLeader:
			s.sendSyncRequest(ctx)
		}
		wasLeader = leading

		s.mu.Lock()
		pending := s.requestSync
		s.requestSync = false
		s.mu.Unlock()
		if pending && !leading {
			s.sendSyncRequest(ctx)
		}
	}
}

// broadcast publishes the leader's wall time and records it under
// {system}.time for late joiners.
func (s *Sync) broadcast(ctx context.Context, initial bool) {
	now := s.clk.Now()
	payload := types.TimeBroadcastPayload{
		SystemTime:  types.TimeToUnixSeconds(now),
		BroadcastID: uuid.NewString(),
		Initial:     initial,
	}
	if err := s.store.Set(ctx, types.SystemTimeKey, strconv.FormatFloat(payload.SystemTime, 'f', 6, 64), 0); err != nil {
		csLogger().Errorw("Failed to record system time", "error", err)
	}
	if err := s.emitter.Broadcast(ctx, types.ChannelTimeSync, types.MsgTimeBroadcast, payload); err != nil {
		csLogger().Errorw("Failed to broadcast time", "error", err)
		return
	}
	s.mu.Lock()
	s.lastSync = now
	s.mu.Unlock()
	csLogger().Debugw("Broadcast system time", "time", payload.SystemTime, "initial", initial)
}

func (s *Sync) sendSyncRequest(ctx context.Context) {
	payload := types.TimeSyncRequestPayload{NodeID: s.nodeID}
	if err := s.emitter.Broadcast(ctx, types.ChannelTimeSync, types.MsgTimeSyncRequest, payload); err != nil {
		csLogger().Errorw("Failed to send sync request", "error", err)
	}
}

// HandleMessage processes time_sync channel traffic (and initial broadcasts
// delivered on the direct channel).
func (s *Sync) HandleMessage(ctx context.Context, env *types.Envelope) {
	switch env.Type {
	case types.MsgTimeBroadcast:
		var payload types.TimeBroadcastPayload
		if err := env.Decode(&payload); err != nil {
			csLogger().Errorw("Bad time broadcast", "error", err)
			return
		}
		s.applyBroadcast(payload)
	case types.MsgTimeSyncRequest:
		if !s.isLeader() {
			return
		}
		var payload types.TimeSyncRequestPayload
		if err := env.Decode(&payload); err != nil {
			return
		}
		s.replyInitial(ctx, payload.NodeID)
	default:
		csLogger().Warnw("Unknown time_sync message type", "type", env.Type)
	}
}

// replyInitial sends an initial=true broadcast straight to the requester.
func (s *Sync) replyInitial(ctx context.Context, target string) {
	payload := types.TimeBroadcastPayload{
		SystemTime:  types.TimeToUnixSeconds(s.clk.Now()),
		BroadcastID: uuid.NewString(),
		Initial:     true,
	}
	if err := s.emitter.Send(ctx, target, types.MsgTimeBroadcast, payload); err != nil {
		csLogger().Errorw("Failed to reply initial broadcast", "target", target, "error", err)
	}
}

// applyBroadcast measures residual drift against the corrected clock,
// appends it to the bounded history, and applies the tiered correction to
// the median. Medians filter a single pathological broadcast out of the
// loop.
func (s *Sync) applyBroadcast(payload types.TimeBroadcastPayload) {
	if s.isLeader() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	corrected := types.TimeToUnixSeconds(s.clk.Now().Add(s.offset))
	drift := payload.SystemTime - corrected

	s.history = append(s.history, drift)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	median := medianOf(s.history)

	var factor float64
	abs := median
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 5.0:
		factor = 0.85
		s.requestSync = true
	case abs > 1.0:
		factor = 0.65
	case abs > 0.1:
		factor = 0.4
	default:
		factor = 0
	}

	if factor > 0 {
		adjust := time.Duration(median * factor * float64(time.Second))
		s.offset += adjust
		csLogger().Infow("Clock drift corrected",
			"drift", drift,
			"median", median,
			"adjust", adjust.Seconds(),
			"offset", s.offset.Seconds(),
		)
	}

	s.lastSync = s.clk.Now()
	s.initialDone = true
	metrics.ClockOffsetSeconds.Set(s.offset.Seconds())
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Status reports the current sync state for /health.
func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	leading := s.isLeader()
	st := Status{IsLeader: leading}
	if leading {
		st.Synced = true
		if !s.lastSync.IsZero() {
			st.LastSync = types.TimeToUnixSeconds(s.lastSync)
			st.SyncAge = s.clk.Now().Sub(s.lastSync).Seconds()
		}
		return st
	}

	st.Offset = medianOf(s.history)
	if !s.lastSync.IsZero() {
		st.LastSync = types.TimeToUnixSeconds(s.lastSync)
		st.SyncAge = s.clk.Now().Sub(s.lastSync).Seconds()
	}
	st.Synced = s.initialDone && s.lastSync.After(s.clk.Now().Add(-staleAfter))
	metrics.ClockSyncAge.Set(st.SyncAge)
	return st
}
