package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/directory"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/metrics"
	"github.com/votenet/votenet/internal/votenet/mutex"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
	"github.com/votenet/votenet/internal/votenet/votestore"
)

func consLogger() *zap.SugaredLogger {
	return logger.Named("consensus")
}

const (
	// firstRecheck and recheckInterval pace the leader's re-announcement of
	// proposals that have not reached quorum yet.
	firstRecheck    = 2 * time.Second
	recheckInterval = 3 * time.Second

	// proposalTTL bounds how long an unresolved proposal survives, both in
	// the shared store and in the local pending set.
	proposalTTL = time.Hour

	sweepInterval = time.Second
)

// ErrNoQuorum is returned when a proposal can no longer reach quorum.
var ErrNoQuorum = errors.New("quorum unreachable")

// LeaderView is the election capability the engine needs: who leads, and
// whether it is us.
type LeaderView interface {
	IsLeader() bool
	LeaderID() string
}

// EventSink receives cluster events for the live stream. May be nil.
type EventSink func(event string, payload any)

// VoteStatus is the externally visible state of one vote.
type VoteStatus struct {
	VoteID             string            `json:"vote_id"`
	Status             string            `json:"status"`
	Record             *votestore.Record `json:"vote,omitempty"`
	Approvals          int               `json:"approvals,omitempty"`
	TotalNodes         int               `json:"total_nodes,omitempty"`
	ApprovalPercentage float64           `json:"approval_percentage,omitempty"`
}

type pendingEntry struct {
	proposal  *types.Proposal
	nextCheck time.Time
	expires   time.Time
}

// Engine runs the vote commit protocol. Any node accepts submissions; the
// leader proposes, gathers acknowledgements, and finalizes once a majority of
// live nodes approve. Followers mirror pending proposals for status queries
// but never write tally effects.
type Engine struct {
	emitter comms.Emitter
	store   store.Store
	votes   *votestore.VoteStore
	peers   directory.PeerView
	leader  LeaderView
	nodeID  string
	clk     clock.Clock

	// now returns the drift-corrected wall clock used for vote validation.
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingEntry

	processed atomic.Uint64
	sink      EventSink
}

// New wires the engine. now supplies the corrected wall clock; pass time.Now
// when no correction applies.
func New(emitter comms.Emitter, s store.Store, votes *votestore.VoteStore, peers directory.PeerView, leader LeaderView, nodeID string, now func() time.Time, clk clock.Clock) *Engine {
	return &Engine{
		emitter: emitter,
		store:   s,
		votes:   votes,
		peers:   peers,
		leader:  leader,
		nodeID:  nodeID,
		clk:     clk,
		now:     now,
		pending: make(map[string]*pendingEntry),
	}
}

// SetEventSink installs the live-event callback. Must be set before Run.
func (e *Engine) SetEventSink(sink EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

func (e *Engine) emit(event string, payload any) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil {
		sink(event, payload)
	}
}

// quorum returns the approvals needed: a strict majority of live nodes
// including self.
func (e *Engine) quorum() int {
	total := e.peers.PeerCount() + 1
	return total/2 + 1
}

// SubmitVote validates and admits a vote into the protocol. It returns the
// assigned vote id; the commit itself is asynchronous.
func (e *Engine) SubmitVote(ctx context.Context, vote *types.Vote) (string, error) {
	if err := vote.Validate(e.now()); err != nil {
		metrics.VotesRejected.WithLabelValues("invalid").Inc()
		return "", err
	}

	voted, err := e.votes.HasVoted(ctx, vote.ElectionID, vote.VoterID)
	if err != nil {
		return "", fmt.Errorf("check voter: %w", err)
	}
	if voted {
		metrics.VotesRejected.WithLabelValues("duplicate").Inc()
		return "", fmt.Errorf("%w: %s in %s", types.ErrAlreadyVoted, vote.VoterID, vote.ElectionID)
	}

	vote.ContentHash = vote.Hash()
	voteID := types.NewVoteID(vote.ElectionID, vote.VoterID)
	metrics.VotesAccepted.Inc()

	if e.leader.IsLeader() {
		if err := e.propose(ctx, voteID, vote); err != nil {
			return "", err
		}
		return voteID, nil
	}

	leaderID := e.leader.LeaderID()
	if leaderID == "" {
		metrics.VotesRejected.WithLabelValues("no_leader").Inc()
		return "", fmt.Errorf("%w: no leader elected", ErrNoQuorum)
	}

	// Track locally so status queries answer before the leader's propose
	// broadcast comes back around.
	e.trackPending(voteID, vote, leaderID)

	payload := types.VoteForwardPayload{VoteID: voteID, Vote: *vote, Origin: e.nodeID}
	if err := e.emitter.Send(ctx, leaderID, types.MsgVoteForward, payload); err != nil {
		return "", fmt.Errorf("forward vote to leader: %w", err)
	}
	consLogger().Infow("Vote forwarded to leader", "vote_id", voteID, "leader", leaderID)
	return voteID, nil
}

func (e *Engine) trackPending(voteID string, vote *types.Vote, proposedBy string) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pending[voteID]; exists {
		return
	}
	// The mirror counts both the proposer and this node, so pending status
	// reports the same progress the leader sees after our acknowledgement.
	e.pending[voteID] = &pendingEntry{
		proposal: &types.Proposal{
			VoteID:     voteID,
			Vote:       *vote,
			ProposedBy: proposedBy,
			ProposedAt: types.TimeToUnixSeconds(now),
			Status:     types.ProposalPending,
			Approvals:  map[string]bool{proposedBy: true, e.nodeID: true},
		},
		nextCheck: now.Add(firstRecheck),
		expires:   now.Add(proposalTTL),
	}
	metrics.ProposalsPending.Set(float64(len(e.pending)))
}

// propose starts a consensus round for a vote on the leader: persist the
// proposal, announce it, and short-circuit if this node alone is quorum.
func (e *Engine) propose(ctx context.Context, voteID string, vote *types.Vote) error {
	now := e.clk.Now()
	proposal := &types.Proposal{
		VoteID:     voteID,
		Vote:       *vote,
		ProposedBy: e.nodeID,
		ProposedAt: types.TimeToUnixSeconds(now),
		Status:     types.ProposalPending,
		Approvals:  map[string]bool{e.nodeID: true},
	}

	if err := e.persistProposal(ctx, proposal); err != nil {
		return err
	}

	e.mu.Lock()
	e.pending[voteID] = &pendingEntry{
		proposal:  proposal,
		nextCheck: now.Add(firstRecheck),
		expires:   now.Add(proposalTTL),
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()
	metrics.ProposalsPending.Set(float64(pendingCount))
	metrics.ConsensusRoundsStarted.Inc()

	payload := types.VoteProposePayload{VoteID: voteID, Vote: *vote}
	if err := e.emitter.Broadcast(ctx, types.ChannelVoteProposal, types.MsgVotePropose, payload); err != nil {
		consLogger().Errorw("Failed to broadcast proposal", "vote_id", voteID, "error", err)
	}
	consLogger().Infow("Proposal started", "vote_id", voteID, "quorum", e.quorum())
	e.emit("vote_proposed", payload)

	// A single-node cluster reaches quorum with its own approval.
	e.checkQuorum(ctx, voteID)
	return nil
}

func (e *Engine) persistProposal(ctx context.Context, p *types.Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal %s: %w", p.VoteID, err)
	}
	if err := e.store.Set(ctx, types.ProposalKey(p.VoteID), string(data), proposalTTL); err != nil {
		return fmt.Errorf("persist proposal %s: %w", p.VoteID, err)
	}
	return nil
}

// HandleProposal processes vote_proposal channel traffic on followers.
func (e *Engine) HandleProposal(ctx context.Context, env *types.Envelope) {
	if env.Type != types.MsgVotePropose {
		consLogger().Warnw("Unknown vote_proposal message type", "type", env.Type)
		return
	}
	var payload types.VoteProposePayload
	if err := env.Decode(&payload); err != nil {
		consLogger().Errorw("Bad proposal payload", "error", err)
		return
	}
	if e.leader.IsLeader() {
		return
	}

	e.trackPending(payload.VoteID, &payload.Vote, env.Sender)

	ack := types.VoteAckPayload{VoteID: payload.VoteID, Status: types.AckApproved}
	if err := payload.Vote.Validate(e.now()); err != nil {
		ack.Status = types.AckRejected
		ack.Reason = "invalid vote"
	} else if voted, err := e.votes.HasVoted(ctx, payload.Vote.ElectionID, payload.Vote.VoterID); err != nil {
		consLogger().Errorw("Voter check failed during acknowledge", "vote_id", payload.VoteID, "error", err)
		ack.Status = types.AckRejected
		ack.Reason = "store unavailable"
	} else if voted {
		ack.Status = types.AckRejected
		ack.Reason = "voter already voted"
	}

	if err := e.emitter.Broadcast(ctx, types.ChannelVoteResponse, types.MsgVoteAcknowledge, ack); err != nil {
		consLogger().Errorw("Failed to send acknowledgement", "vote_id", payload.VoteID, "error", err)
		return
	}
	consLogger().Debugw("Acknowledged proposal", "vote_id", payload.VoteID, "status", ack.Status)
}

// HandleResponse processes vote_response channel traffic on the leader.
func (e *Engine) HandleResponse(ctx context.Context, env *types.Envelope) {
	if env.Type != types.MsgVoteAcknowledge {
		consLogger().Warnw("Unknown vote_response message type", "type", env.Type)
		return
	}
	if !e.leader.IsLeader() {
		return
	}
	var payload types.VoteAckPayload
	if err := env.Decode(&payload); err != nil {
		consLogger().Errorw("Bad acknowledgement payload", "error", err)
		return
	}

	e.mu.Lock()
	entry, ok := e.pending[payload.VoteID]
	if !ok {
		e.mu.Unlock()
		return
	}
	switch payload.Status {
	case types.AckApproved:
		entry.proposal.Approve(env.Sender)
	case types.AckRejected:
		entry.proposal.Rejections++
		consLogger().Warnw("Proposal rejected by peer",
			"vote_id", payload.VoteID,
			"peer", env.Sender,
			"reason", payload.Reason,
		)
	}
	e.mu.Unlock()

	e.checkQuorum(ctx, payload.VoteID)
}

// checkQuorum finalizes or rejects a pending proposal once its outcome is
// decided.
func (e *Engine) checkQuorum(ctx context.Context, voteID string) {
	needed := e.quorum()
	total := e.peers.PeerCount() + 1

	e.mu.Lock()
	entry, ok := e.pending[voteID]
	if !ok {
		e.mu.Unlock()
		return
	}
	approvals := entry.proposal.ApprovalCount()
	rejections := entry.proposal.Rejections
	vote := entry.proposal.Vote
	e.mu.Unlock()

	switch {
	case approvals >= needed:
		e.finalize(ctx, voteID, &vote)
	case total-rejections < needed:
		e.reject(ctx, voteID, "majority rejected")
	}
}

func (e *Engine) finalize(ctx context.Context, voteID string, vote *types.Vote) {
	if err := e.votes.Finalize(ctx, voteID, vote); err != nil {
		// Two in-flight proposals for one voter can both reach quorum; the
		// voter-set write decides the race and the loser is rejected here.
		if errors.Is(err, types.ErrAlreadyVoted) {
			metrics.VotesRejected.WithLabelValues("duplicate").Inc()
			e.reject(ctx, voteID, "voter already voted")
			return
		}
		consLogger().Errorw("Failed to apply finalized vote", "vote_id", voteID, "error", err)
		return
	}

	e.mu.Lock()
	entry, ok := e.pending[voteID]
	var proposal *types.Proposal
	if ok {
		entry.proposal.Status = types.ProposalFinalized
		proposal = entry.proposal
		delete(e.pending, voteID)
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()
	if !ok {
		return
	}

	metrics.ProposalsPending.Set(float64(pendingCount))
	metrics.VotesFinalized.Inc()
	e.processed.Add(1)

	if err := e.persistProposal(ctx, proposal); err != nil {
		consLogger().Errorw("Failed to persist finalized proposal", "vote_id", voteID, "error", err)
	}

	payload := types.VoteFinalizedPayload{VoteID: voteID, Vote: *vote}
	if err := e.emitter.Broadcast(ctx, types.ChannelVoteFinalization, types.MsgVoteFinalized, payload); err != nil {
		consLogger().Errorw("Failed to broadcast finalization", "vote_id", voteID, "error", err)
	}
	consLogger().Infow("Vote committed", "vote_id", voteID, "candidate", vote.CandidateID)
	e.emit("vote_finalized", payload)
}

func (e *Engine) reject(ctx context.Context, voteID, reason string) {
	e.mu.Lock()
	entry, ok := e.pending[voteID]
	var proposal *types.Proposal
	if ok {
		entry.proposal.Status = types.ProposalRejected
		proposal = entry.proposal
		delete(e.pending, voteID)
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()
	if !ok {
		return
	}

	metrics.ProposalsPending.Set(float64(pendingCount))
	metrics.VotesRejected.WithLabelValues("no_quorum").Inc()
	metrics.ConsensusRoundsFailed.Inc()
	e.processed.Add(1)

	if err := e.persistProposal(ctx, proposal); err != nil {
		consLogger().Errorw("Failed to persist rejected proposal", "vote_id", voteID, "error", err)
	}
	consLogger().Warnw("Proposal rejected", "vote_id", voteID, "reason", reason)
	e.emit("vote_rejected", types.VoteAckPayload{VoteID: voteID, Status: types.AckRejected, Reason: reason})
}

// HandleFinalization processes vote_finalization traffic on followers: drop
// the local mirror. The durable effects were written by the leader.
func (e *Engine) HandleFinalization(_ context.Context, env *types.Envelope) {
	if env.Type != types.MsgVoteFinalized {
		consLogger().Warnw("Unknown vote_finalization message type", "type", env.Type)
		return
	}
	var payload types.VoteFinalizedPayload
	if err := env.Decode(&payload); err != nil {
		consLogger().Errorw("Bad finalization payload", "error", err)
		return
	}

	e.mu.Lock()
	_, ok := e.pending[payload.VoteID]
	delete(e.pending, payload.VoteID)
	pendingCount := len(e.pending)
	e.mu.Unlock()

	metrics.ProposalsPending.Set(float64(pendingCount))
	if ok {
		e.processed.Add(1)
	}
	consLogger().Debugw("Observed finalization", "vote_id", payload.VoteID)
	e.emit("vote_finalized", payload)
}

// HandleForward processes a vote forwarded from a follower on the leader's
// direct channel.
func (e *Engine) HandleForward(ctx context.Context, env *types.Envelope) {
	var payload types.VoteForwardPayload
	if err := env.Decode(&payload); err != nil {
		consLogger().Errorw("Bad forwarded vote", "error", err)
		return
	}
	if !e.leader.IsLeader() {
		consLogger().Warnw("Received forwarded vote while not leader", "vote_id", payload.VoteID, "origin", payload.Origin)
		return
	}

	// Forwarded votes were validated at the origin, but the leader's view of
	// the voter set may have moved since then.
	if err := payload.Vote.Validate(e.now()); err != nil {
		metrics.VotesRejected.WithLabelValues("invalid").Inc()
		consLogger().Warnw("Forwarded vote no longer valid", "vote_id", payload.VoteID, "origin", payload.Origin, "error", err)
		return
	}
	voted, err := e.votes.HasVoted(ctx, payload.Vote.ElectionID, payload.Vote.VoterID)
	if err != nil {
		consLogger().Errorw("Voter check failed for forwarded vote", "vote_id", payload.VoteID, "error", err)
		return
	}
	if voted {
		metrics.VotesRejected.WithLabelValues("duplicate").Inc()
		consLogger().Warnw("Forwarded vote is a duplicate", "vote_id", payload.VoteID, "origin", payload.Origin)
		return
	}

	e.mu.Lock()
	_, exists := e.pending[payload.VoteID]
	e.mu.Unlock()
	if exists {
		return
	}

	consLogger().Infow("Proposing forwarded vote", "vote_id", payload.VoteID, "origin", payload.Origin)
	if err := e.propose(ctx, payload.VoteID, &payload.Vote); err != nil {
		consLogger().Errorw("Failed to propose forwarded vote", "vote_id", payload.VoteID, "error", err)
	}
}

// HandleAdmin processes election_admin traffic: peers clearing their mirrors
// after a reset.
func (e *Engine) HandleAdmin(_ context.Context, env *types.Envelope) {
	if env.Type != types.MsgResetElection {
		consLogger().Warnw("Unknown election_admin message type", "type", env.Type)
		return
	}
	var payload types.ResetElectionPayload
	if err := env.Decode(&payload); err != nil {
		return
	}
	e.dropPendingForElection(payload.ElectionID)
	consLogger().Infow("Cleared pending votes after remote reset", "election", payload.ElectionID)
}

func (e *Engine) dropPendingForElection(electionID string) {
	e.mu.Lock()
	for voteID, entry := range e.pending {
		if entry.proposal.Vote.ElectionID == electionID {
			delete(e.pending, voteID)
		}
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()
	metrics.ProposalsPending.Set(float64(pendingCount))
}

// ResetElection wipes one election's durable state under the cluster reset
// lock and tells peers to drop their mirrors.
func (e *Engine) ResetElection(ctx context.Context, electionID string) error {
	err := mutex.WithLock(ctx, e.store, e.nodeID, "election_reset:"+electionID, 5*time.Second, func(ctx context.Context) error {
		return e.votes.Reset(ctx, electionID)
	})
	if err != nil {
		return err
	}

	e.dropPendingForElection(electionID)

	payload := types.ResetElectionPayload{ElectionID: electionID}
	if err := e.emitter.Broadcast(ctx, types.ChannelElectionAdmin, types.MsgResetElection, payload); err != nil {
		consLogger().Errorw("Failed to broadcast reset", "election", electionID, "error", err)
	}
	e.emit("election_reset", payload)
	return nil
}

// OnLeaderChange reconciles unresolved proposals when this node takes over:
// every pending proposal persisted by a previous leader is adopted and
// re-proposed under the new leadership.
func (e *Engine) OnLeaderChange(ctx context.Context, leaderID string, isSelf bool) {
	if isSelf {
		metrics.IsLeader.Set(1)
		e.reconcile(ctx)
	} else {
		metrics.IsLeader.Set(0)
	}
	e.emit("leader_changed", map[string]any{"leader_id": leaderID})
}

func (e *Engine) reconcile(ctx context.Context) {
	keys, err := e.store.Scan(ctx, types.ProposalPattern)
	if err != nil {
		consLogger().Errorw("Failed to scan proposals for reconciliation", "error", err)
		return
	}

	adopted := 0
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var proposal types.Proposal
		if err := json.Unmarshal([]byte(raw), &proposal); err != nil {
			consLogger().Warnw("Malformed persisted proposal", "key", key, "error", err)
			continue
		}
		if proposal.Status != types.ProposalPending || proposal.ProposedBy == e.nodeID {
			continue
		}
		consLogger().Infow("Adopting orphaned proposal", "vote_id", proposal.VoteID, "previous_leader", proposal.ProposedBy)
		if err := e.propose(ctx, proposal.VoteID, &proposal.Vote); err != nil {
			consLogger().Errorw("Failed to re-propose", "vote_id", proposal.VoteID, "error", err)
			continue
		}
		adopted++
	}
	if adopted > 0 {
		consLogger().Infow("Reconciliation complete", "adopted", adopted)
	}
}

// Run drives the recheck and expiry sweep until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clk.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// sweep re-announces stalled proposals on the leader and expires pending
// entries past their TTL everywhere.
func (e *Engine) sweep(ctx context.Context) {
	now := e.clk.Now()
	leading := e.leader.IsLeader()

	type announce struct {
		voteID string
		vote   types.Vote
	}
	var expired []string
	var stalled []announce

	e.mu.Lock()
	for voteID, entry := range e.pending {
		if now.After(entry.expires) {
			expired = append(expired, voteID)
			continue
		}
		if leading && now.After(entry.nextCheck) {
			entry.nextCheck = now.Add(recheckInterval)
			stalled = append(stalled, announce{voteID: voteID, vote: entry.proposal.Vote})
		}
	}
	for _, voteID := range expired {
		delete(e.pending, voteID)
	}
	pendingCount := len(e.pending)
	e.mu.Unlock()

	if len(expired) > 0 {
		metrics.ProposalsPending.Set(float64(pendingCount))
		for _, voteID := range expired {
			metrics.VotesRejected.WithLabelValues("expired").Inc()
			consLogger().Warnw("Pending proposal expired", "vote_id", voteID)
		}
	}

	for _, a := range stalled {
		e.checkQuorum(ctx, a.voteID)

		e.mu.Lock()
		_, still := e.pending[a.voteID]
		e.mu.Unlock()
		if !still {
			continue
		}
		payload := types.VoteProposePayload{VoteID: a.voteID, Vote: a.vote}
		if err := e.emitter.Broadcast(ctx, types.ChannelVoteProposal, types.MsgVotePropose, payload); err != nil {
			consLogger().Errorw("Failed to re-announce proposal", "vote_id", a.voteID, "error", err)
		}
	}
}

// Status resolves the externally visible state of a vote: finalized record,
// pending progress, or types.ErrNotFound.
func (e *Engine) Status(ctx context.Context, voteID string) (*VoteStatus, error) {
	record, err := e.votes.GetVote(ctx, voteID)
	if err == nil {
		return &VoteStatus{
			VoteID: voteID,
			Status: string(types.ProposalFinalized),
			Record: record,
		}, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	e.mu.Lock()
	entry, ok := e.pending[voteID]
	var approvals int
	if ok {
		approvals = entry.proposal.ApprovalCount()
	}
	e.mu.Unlock()
	if !ok {
		return nil, types.ErrNotFound
	}

	total := e.peers.PeerCount() + 1
	return &VoteStatus{
		VoteID:             voteID,
		Status:             string(types.ProposalPending),
		Approvals:          approvals,
		TotalNodes:         total,
		ApprovalPercentage: 100 * float64(approvals) / float64(total),
	}, nil
}

// PendingCount returns the number of unresolved proposals tracked locally.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Processed returns the number of votes this node saw through to a decision.
func (e *Engine) Processed() uint64 {
	return e.processed.Load()
}
