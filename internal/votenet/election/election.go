package election

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/directory"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/metrics"
	"github.com/votenet/votenet/internal/votenet/types"
)

func electionLogger() *zap.SugaredLogger {
	return logger.Named("election")
}

const (
	minElectionTimeout   = 5 * time.Second
	maxElectionTimeout   = 10 * time.Second
	heartbeatInterval    = 2 * time.Second
	timeoutCheckInterval = 500 * time.Millisecond
)

// Info is the election state snapshot for /health and the status endpoint.
type Info struct {
	NodeID           string  `json:"node_id"`
	Role             string  `json:"state"`
	Term             int64   `json:"term"`
	IsLeader         bool    `json:"is_leader"`
	VotedFor         string  `json:"voted_for,omitempty"`
	RecognizedLeader string  `json:"recognized_leader,omitempty"`
	ElectionTimeout  float64 `json:"election_timeout"`
	SinceHeartbeat   float64 `json:"time_since_heartbeat"`
	Votes            int     `json:"votes"`
}

// Manager runs term-numbered leader election over the message bus:
// randomized timeouts, single-shot vote grants per term, periodic leader
// heartbeats. Message loss delays convergence but never yields two leaders
// in one term.
type Manager struct {
	emitter comms.Emitter
	peers   directory.PeerView
	nodeID  string
	clk     clock.Clock
	rng     *rand.Rand

	mu              sync.Mutex
	role            types.Role
	term            int64
	votedFor        string
	votesReceived   map[string]bool
	leaderID        string
	lastHeartbeat   time.Time
	electionTimeout time.Duration

	// onLeaderChange fires when leadership is observed or won. isSelf is
	// true when this node became the leader.
	onLeaderChange func(leaderID string, term int64, isSelf bool)
}

// New builds an election manager. roleHint seeds the initial role the way
// the deployment was configured; elections override it as soon as they run.
func New(emitter comms.Emitter, peers directory.PeerView, nodeID, roleHint string, clk clock.Clock) *Manager {
	m := &Manager{
		emitter:       emitter,
		peers:         peers,
		nodeID:        nodeID,
		clk:           clk,
		rng:           rand.New(rand.NewSource(clk.Now().UnixNano())),
		role:          types.RoleFollower,
		votesReceived: make(map[string]bool),
		lastHeartbeat: clk.Now(),
	}
	m.electionTimeout = m.randomTimeout()
	if roleHint == "leader" {
		m.role = types.RoleLeader
		m.leaderID = nodeID
		electionLogger().Infow("Node initialised as leader", "node", nodeID, "term", m.term)
	} else {
		electionLogger().Infow("Node initialised as follower", "node", nodeID, "term", m.term)
	}
	return m
}

// SetOnLeaderChange installs the leadership callback. Must be set before Run.
func (m *Manager) SetOnLeaderChange(fn func(leaderID string, term int64, isSelf bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeaderChange = fn
}

func (m *Manager) randomTimeout() time.Duration {
	spread := maxElectionTimeout - minElectionTimeout
	return minElectionTimeout + time.Duration(m.rng.Int63n(int64(spread)))
}

// Run drives the heartbeat sender and the timeout watcher until the context
// ends.
func (m *Manager) Run(ctx context.Context) {
	go m.heartbeatLoop(ctx)
	m.timeoutLoop(ctx)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := m.clk.Ticker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.sendHeartbeat(ctx)
			}
		}
	}
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	m.mu.Lock()
	payload := types.LeaderHeartbeatPayload{
		Term:      m.term,
		LeaderID:  m.nodeID,
		Timestamp: types.TimeToUnixSeconds(m.clk.Now()),
	}
	m.mu.Unlock()
	if err := m.emitter.Broadcast(ctx, types.ChannelLeaderElection, types.MsgLeaderHeartbeat, payload); err != nil {
		electionLogger().Errorw("Failed to send leader heartbeat", "error", err)
	}
}

func (m *Manager) timeoutLoop(ctx context.Context) {
	ticker := m.clk.Ticker(timeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkTimeout(ctx)
		}
	}
}

func (m *Manager) checkTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.role == types.RoleLeader {
		m.mu.Unlock()
		return
	}
	since := m.clk.Now().Sub(m.lastHeartbeat)
	if since <= m.electionTimeout {
		m.mu.Unlock()
		return
	}
	electionLogger().Warnw("Election timeout, starting election",
		"since_heartbeat", since.Seconds(),
		"timeout", m.electionTimeout.Seconds(),
	)
	m.startElectionLocked()
	payload := types.RequestVotePayload{Term: m.term, CandidateID: m.nodeID}
	won := m.hasQuorumLocked()
	if won {
		m.becomeLeaderLocked()
	}
	m.mu.Unlock()

	if won {
		m.announceLeadership(ctx)
		return
	}
	if err := m.emitter.Broadcast(ctx, types.ChannelLeaderElection, types.MsgRequestVote, payload); err != nil {
		electionLogger().Errorw("Failed to broadcast vote request", "error", err)
	}
}

// startElectionLocked increments the term, votes for self, and resets the
// randomized timeout. Caller holds the lock.
func (m *Manager) startElectionLocked() {
	m.term++
	m.role = types.RoleCandidate
	m.votedFor = m.nodeID
	m.votesReceived = map[string]bool{m.nodeID: true}
	m.leaderID = ""
	m.lastHeartbeat = m.clk.Now()
	m.electionTimeout = m.randomTimeout()
	metrics.CurrentTerm.Set(float64(m.term))
	metrics.ElectionsStarted.Inc()
	electionLogger().Infow("Starting election", "term", m.term, "timeout", m.electionTimeout.Seconds())
}

func (m *Manager) hasQuorumLocked() bool {
	total := m.peers.PeerCount() + 1
	needed := total/2 + 1
	return len(m.votesReceived) >= needed
}

func (m *Manager) becomeLeaderLocked() {
	m.role = types.RoleLeader
	m.leaderID = m.nodeID
	metrics.IsLeader.Set(1)
	electionLogger().Infow("Won election", "term", m.term, "votes", len(m.votesReceived))
}

func (m *Manager) announceLeadership(ctx context.Context) {
	m.sendHeartbeat(ctx)
	m.mu.Lock()
	fn := m.onLeaderChange
	term := m.term
	m.mu.Unlock()
	if fn != nil {
		fn(m.nodeID, term, true)
	}
}

// HandleMessage processes leader_election channel traffic.
func (m *Manager) HandleMessage(ctx context.Context, env *types.Envelope) {
	switch env.Type {
	case types.MsgLeaderHeartbeat:
		var payload types.LeaderHeartbeatPayload
		if err := env.Decode(&payload); err != nil {
			return
		}
		m.handleHeartbeat(payload)
	case types.MsgRequestVote:
		var payload types.RequestVotePayload
		if err := env.Decode(&payload); err != nil {
			return
		}
		m.handleVoteRequest(ctx, payload)
	case types.MsgVoteResponse:
		var payload types.VoteResponsePayload
		if err := env.Decode(&payload); err != nil {
			return
		}
		m.handleVoteResponse(ctx, env.Sender, payload)
	default:
		electionLogger().Warnw("Unknown leader_election message type", "type", env.Type)
	}
}

// observeTermLocked applies the higher-term rule: any higher term replaces
// the local one, clears the vote, and drops the node to follower.
func (m *Manager) observeTermLocked(term int64, from string) {
	if term <= m.term {
		return
	}
	electionLogger().Infow("Discovered higher term", "term", term, "from", from, "local", m.term)
	m.term = term
	m.votedFor = ""
	metrics.CurrentTerm.Set(float64(term))
	if m.role != types.RoleFollower {
		electionLogger().Warnw("Stepping down on higher term", "term", term, "from", from)
		m.role = types.RoleFollower
		metrics.IsLeader.Set(0)
	}
}

func (m *Manager) handleHeartbeat(payload types.LeaderHeartbeatPayload) {
	m.mu.Lock()
	m.observeTermLocked(payload.Term, payload.LeaderID)
	if payload.Term < m.term {
		m.mu.Unlock()
		return
	}

	previousLeader := m.leaderID
	m.lastHeartbeat = m.clk.Now()
	m.term = payload.Term
	m.leaderID = payload.LeaderID
	if m.role != types.RoleFollower {
		electionLogger().Infow("Recognising leader, becoming follower",
			"leader", payload.LeaderID, "term", payload.Term)
		m.role = types.RoleFollower
		metrics.IsLeader.Set(0)
	}
	m.electionTimeout = m.randomTimeout()
	changed := previousLeader != payload.LeaderID
	fn := m.onLeaderChange
	term := m.term
	m.mu.Unlock()

	if changed && fn != nil {
		fn(payload.LeaderID, term, false)
	}
}

func (m *Manager) handleVoteRequest(ctx context.Context, payload types.RequestVotePayload) {
	m.mu.Lock()
	m.observeTermLocked(payload.Term, payload.CandidateID)

	granted := false
	if payload.Term >= m.term && (m.votedFor == "" || m.votedFor == payload.CandidateID) {
		granted = true
		m.votedFor = payload.CandidateID
		m.lastHeartbeat = m.clk.Now()
		electionLogger().Infow("Granting vote", "candidate", payload.CandidateID, "term", payload.Term)
	} else {
		electionLogger().Infow("Rejecting vote request",
			"candidate", payload.CandidateID,
			"term", payload.Term,
			"voted_for", m.votedFor,
		)
	}
	resp := types.VoteResponsePayload{
		Term:        m.term,
		Granted:     granted,
		CandidateID: payload.CandidateID,
	}
	m.mu.Unlock()

	if err := m.emitter.Broadcast(ctx, types.ChannelLeaderElection, types.MsgVoteResponse, resp); err != nil {
		electionLogger().Errorw("Failed to send vote response", "error", err)
	}
}

func (m *Manager) handleVoteResponse(ctx context.Context, sender string, payload types.VoteResponsePayload) {
	m.mu.Lock()
	m.observeTermLocked(payload.Term, sender)
	if m.role != types.RoleCandidate || !payload.Granted || payload.CandidateID != m.nodeID {
		m.mu.Unlock()
		return
	}
	m.votesReceived[sender] = true
	electionLogger().Infow("Received vote", "from", sender, "votes", len(m.votesReceived))
	won := m.hasQuorumLocked()
	if won {
		m.becomeLeaderLocked()
	}
	m.mu.Unlock()

	if won {
		m.announceLeadership(ctx)
	}
}

// IsLeader reports whether this node currently leads.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role == types.RoleLeader
}

// Role returns the current election role.
func (m *Manager) Role() types.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Term returns the current term.
func (m *Manager) Term() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term
}

// LeaderID returns the recognised leader, empty if unknown.
func (m *Manager) LeaderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID
}

// GetInfo snapshots the election state.
func (m *Manager) GetInfo() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		NodeID:           m.nodeID,
		Role:             m.role.String(),
		Term:             m.term,
		IsLeader:         m.role == types.RoleLeader,
		VotedFor:         m.votedFor,
		RecognizedLeader: m.leaderID,
		ElectionTimeout:  m.electionTimeout.Seconds(),
		SinceHeartbeat:   m.clk.Now().Sub(m.lastHeartbeat).Seconds(),
		Votes:            len(m.votesReceived),
	}
}
