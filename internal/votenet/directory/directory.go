package directory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/metrics"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func dirLogger() *zap.SugaredLogger {
	return logger.Named("directory")
}

const (
	heartbeatInterval = 2 * time.Second
	heartbeatTTL      = 10 * time.Second
	observeInterval   = 5 * time.Second
	livenessWindow    = 10 * time.Second

	// maxRefreshFailures consecutive heartbeat failures flip the node to
	// degraded.
	maxRefreshFailures = 5
)

// PeerView is the read capability other subsystems take: the set of peers
// whose heartbeat is fresh, excluding self.
type PeerView interface {
	Peers() []string
	PeerCount() int
}

// Directory registers this node in the shared store, keeps the record fresh
// with a TTL heartbeat, and observes peer liveness by scanning the
// node-directory family.
type Directory struct {
	store  store.Store
	nodeID string
	host   string

	// roleFn reports the node's current election role for the record.
	roleFn func() string

	mu          sync.RWMutex
	peers       map[string]types.NodeInfo
	state       string
	failures    int
	scannedOnce bool
	startTime   time.Time
}

// New creates a directory for this node. roleFn may be nil until wiring
// completes.
func New(s store.Store, nodeID, host string, roleFn func() string) *Directory {
	return &Directory{
		store:     s,
		nodeID:    nodeID,
		host:      host,
		roleFn:    roleFn,
		peers:     make(map[string]types.NodeInfo),
		state:     types.NodeStatusStarting,
		startTime: time.Now(),
	}
}

// SetRoleProvider installs the role reporter after wiring.
func (d *Directory) SetRoleProvider(fn func() string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roleFn = fn
}

func (d *Directory) role() string {
	d.mu.RLock()
	fn := d.roleFn
	d.mu.RUnlock()
	if fn == nil {
		return types.RoleFollower.String()
	}
	return fn()
}

// Register writes this node's record into the colocated directory family.
func (d *Directory) Register(ctx context.Context) error {
	now := types.TimeToUnixSeconds(time.Now())
	fields := map[string]string{
		"node_id":        d.nodeID,
		"role":           d.role(),
		"host":           d.host,
		"start_time":     formatFloat(types.TimeToUnixSeconds(d.startTime)),
		"last_heartbeat": formatFloat(now),
		"status":         types.NodeStatusStarting,
	}
	key := types.NodeKey(d.nodeID)
	if err := d.store.HSet(ctx, key, fields); err != nil {
		return err
	}
	if err := d.store.Expire(ctx, key, heartbeatTTL); err != nil {
		return err
	}
	dirLogger().Infow("Registered node in directory", "node", d.nodeID, "host", d.host)
	return nil
}

// Start runs the heartbeat and observer loops until the context ends.
func (d *Directory) Start(ctx context.Context) {
	go d.heartbeatLoop(ctx)
	go d.observeLoop(ctx)
}

func (d *Directory) heartbeatLoop(ctx context.Context) {
	dirLogger().Infow("Starting heartbeat loop", "interval", heartbeatInterval, "ttl", heartbeatTTL)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.refresh(ctx); err != nil {
				d.recordFailure(err)
			} else {
				d.recordSuccess()
			}
		}
	}
}

func (d *Directory) refresh(ctx context.Context) error {
	key := types.NodeKey(d.nodeID)
	fields := map[string]string{
		"last_heartbeat": formatFloat(types.TimeToUnixSeconds(time.Now())),
		"status":         types.NodeStatusActive,
		"role":           d.role(),
	}
	if err := d.store.HSet(ctx, key, fields); err != nil {
		return err
	}
	return d.store.Expire(ctx, key, heartbeatTTL)
}

func (d *Directory) recordFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
	dirLogger().Errorw("Heartbeat refresh failed", "attempt", d.failures, "error", err)
	if d.failures >= maxRefreshFailures && d.state == types.NodeStatusActive {
		d.state = types.NodeStatusDegraded
		dirLogger().Warnw("Heartbeat failing repeatedly, node degraded", "failures", d.failures)
	}
}

func (d *Directory) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		dirLogger().Infow("Heartbeat restored", "after_failures", d.failures)
	}
	d.failures = 0
	if d.state == types.NodeStatusStarting && d.scannedOnce {
		d.state = types.NodeStatusActive
	} else if d.state == types.NodeStatusDegraded {
		d.state = types.NodeStatusActive
	}
}

func (d *Directory) observeLoop(ctx context.Context) {
	dirLogger().Infow("Starting peer observer loop", "interval", observeInterval)
	ticker := time.NewTicker(observeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.observe(ctx); err != nil {
				dirLogger().Errorw("Peer observation failed", "error", err)
			}
		}
	}
}

func (d *Directory) observe(ctx context.Context) error {
	keys, err := d.store.Scan(ctx, types.NodeKeyPattern)
	if err != nil {
		return err
	}

	now := types.TimeToUnixSeconds(time.Now())
	active := make(map[string]types.NodeInfo)
	for _, key := range keys {
		record, err := d.store.HGetAll(ctx, key)
		if err != nil || len(record) == 0 {
			continue
		}
		info := recordToInfo(record)
		if info.NodeID == "" || info.NodeID == d.nodeID {
			continue
		}
		if info.Status == types.NodeStatusShutdown {
			continue
		}
		if now-info.LastHeartbeat < livenessWindow.Seconds() {
			active[info.NodeID] = info
		} else {
			dirLogger().Warnw("Peer appears inactive",
				"peer", info.NodeID,
				"since_heartbeat", now-info.LastHeartbeat,
			)
		}
	}

	d.mu.Lock()
	changed := len(active) != len(d.peers)
	if !changed {
		for id := range active {
			if _, ok := d.peers[id]; !ok {
				changed = true
				break
			}
		}
	}
	d.peers = active
	d.scannedOnce = true
	if d.state == types.NodeStatusStarting && d.failures == 0 {
		d.state = types.NodeStatusActive
	}
	d.mu.Unlock()

	metrics.PeersConnected.Set(float64(len(active)))
	if changed {
		dirLogger().Infow("Active peer set changed", "peers", sortedIDs(active))
	}
	return nil
}

// Peers returns the ids of peers with a fresh heartbeat, sorted.
func (d *Directory) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedIDs(d.peers)
}

// PeerCount returns the number of live peers, excluding self.
func (d *Directory) PeerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// State returns the current lifecycle state.
func (d *Directory) State() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Healthy reports whether heartbeats refresh, the store answers pings, and
// at least one observer scan completed.
func (d *Directory) Healthy(ctx context.Context) bool {
	d.mu.RLock()
	state := d.state
	scanned := d.scannedOnce
	d.mu.RUnlock()
	if state == types.NodeStatusDegraded || state == types.NodeStatusShutdown {
		return false
	}
	if !scanned {
		return false
	}
	return d.store.Ping(ctx) == nil
}

// MarkShutdown flips the record to shutdown with a short expiry so peers
// drop this node quickly.
func (d *Directory) MarkShutdown(ctx context.Context) {
	d.mu.Lock()
	d.state = types.NodeStatusShutdown
	d.mu.Unlock()

	key := types.NodeKey(d.nodeID)
	if err := d.store.HSet(ctx, key, map[string]string{"status": types.NodeStatusShutdown}); err != nil {
		dirLogger().Errorw("Failed to mark shutdown", "error", err)
		return
	}
	_ = d.store.Expire(ctx, key, 5*time.Second)
	dirLogger().Infow("Directory record marked shutdown", "node", d.nodeID)
}

// StartTime returns when this node came up.
func (d *Directory) StartTime() time.Time { return d.startTime }

func recordToInfo(record map[string]string) types.NodeInfo {
	return types.NodeInfo{
		NodeID:        record["node_id"],
		Role:          record["role"],
		Host:          record["host"],
		StartTime:     parseFloat(record["start_time"]),
		LastHeartbeat: parseFloat(record["last_heartbeat"]),
		Status:        record["status"],
	}
}

func sortedIDs(peers map[string]types.NodeInfo) []string {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
