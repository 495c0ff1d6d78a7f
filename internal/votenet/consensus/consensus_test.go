package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
	"github.com/votenet/votenet/internal/votenet/votestore"
)

type sentMessage struct {
	channel string
	msgType string
	payload any
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeEmitter) Broadcast(_ context.Context, channel, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channel: channel, msgType: msgType, payload: payload})
	return nil
}

func (f *fakeEmitter) Send(_ context.Context, targetNode, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channel: types.DirectChannel(targetNode), msgType: msgType, payload: payload})
	return nil
}

func (f *fakeEmitter) ofType(msgType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.msgType == msgType {
			out = append(out, m)
		}
	}
	return out
}

type fakePeers struct{ count int }

func (f *fakePeers) Peers() []string { return make([]string, f.count) }
func (f *fakePeers) PeerCount() int  { return f.count }

type fakeLeader struct {
	leading bool
	id      string
}

func (f *fakeLeader) IsLeader() bool { return f.leading }
func (f *fakeLeader) LeaderID() string { return f.id }

type fixture struct {
	engine *Engine
	em     *fakeEmitter
	store  *store.Memory
	votes  *votestore.VoteStore
	leader *fakeLeader
}

func newFixture(nodeID string, peerCount int, leading bool, leaderID string) *fixture {
	st := store.NewMemory()
	em := &fakeEmitter{}
	votes := votestore.New(st)
	leader := &fakeLeader{leading: leading, id: leaderID}
	engine := New(em, st, votes, &fakePeers{count: peerCount}, leader, nodeID, time.Now, clock.NewMock())
	return &fixture{engine: engine, em: em, store: st, votes: votes, leader: leader}
}

func newVote(voter string) *types.Vote {
	return &types.Vote{
		VoterID:     voter,
		ElectionID:  "e1",
		CandidateID: "c1",
		Timestamp:   types.TimeToUnixSeconds(time.Now()),
	}
}

func TestSingleNodeCommitsImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	voteID, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)
	require.NotEmpty(t, voteID)

	status, err := f.engine.Status(ctx, voteID)
	require.NoError(t, err)
	assert.Equal(t, "finalized", status.Status)
	assert.Equal(t, "alice", status.Record.VoterID)

	tally, err := f.votes.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)

	require.NotEmpty(t, f.em.ofType(types.MsgVotePropose))
	require.NotEmpty(t, f.em.ofType(types.MsgVoteFinalized))
	assert.Equal(t, uint64(1), f.engine.Processed())
}

func TestDuplicateVoterRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	_, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	_, err = f.engine.SubmitVote(ctx, newVote("alice"))
	assert.ErrorIs(t, err, types.ErrAlreadyVoted)
}

func TestInvalidVoteRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	vote := newVote("alice")
	vote.Timestamp = types.TimeToUnixSeconds(time.Now().Add(time.Minute))
	_, err := f.engine.SubmitVote(ctx, vote)
	assert.ErrorIs(t, err, types.ErrInvalidVote)
}

func TestLeaderWaitsForQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 2, true, "n1")

	voteID, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	status, err := f.engine.Status(ctx, voteID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, 1, status.Approvals)
	assert.Equal(t, 3, status.TotalNodes)
	assert.InDelta(t, 33.3, status.ApprovalPercentage, 0.1)

	ack, err := types.NewEnvelope("n2", types.MsgVoteAcknowledge, types.VoteAckPayload{
		VoteID: voteID,
		Status: types.AckApproved,
	})
	require.NoError(t, err)
	f.engine.HandleResponse(ctx, ack)

	status, err = f.engine.Status(ctx, voteID)
	require.NoError(t, err)
	assert.Equal(t, "finalized", status.Status)
}

func TestConcurrentVotesBySameVoterCommitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 2, true, "n1")

	// Both submissions pass the submit-time check because neither is
	// finalized yet.
	firstID, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	second := newVote("alice")
	second.CandidateID = "c2"
	secondID, err := f.engine.SubmitVote(ctx, second)
	require.NoError(t, err)

	for _, voteID := range []string{firstID, secondID} {
		ack, err := types.NewEnvelope("n2", types.MsgVoteAcknowledge, types.VoteAckPayload{
			VoteID: voteID,
			Status: types.AckApproved,
		})
		require.NoError(t, err)
		f.engine.HandleResponse(ctx, ack)
	}

	// The voter-set gate lets exactly one of the two through.
	tally, err := f.votes.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
	assert.Equal(t, int64(1), tally.Results["c1"])
	assert.Zero(t, tally.Results["c2"])
	assert.Len(t, f.em.ofType(types.MsgVoteFinalized), 1)

	status, err := f.engine.Status(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "finalized", status.Status)

	_, err = f.engine.Status(ctx, secondID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err := f.votes.VerifyTally(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMajorityRejectionFailsProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 2, true, "n1")

	voteID, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	for _, peer := range []string{"n2", "n3"} {
		ack, err := types.NewEnvelope(peer, types.MsgVoteAcknowledge, types.VoteAckPayload{
			VoteID: voteID,
			Status: types.AckRejected,
			Reason: "voter already voted",
		})
		require.NoError(t, err)
		f.engine.HandleResponse(ctx, ack)
	}

	_, err = f.engine.Status(ctx, voteID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, f.em.ofType(types.MsgVoteFinalized))

	// The store never saw the tally effects.
	tally, err := f.votes.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.TotalVotes)
}

func TestFollowerForwardsToLeader(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "n1")

	voteID, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	forwards := f.em.ofType(types.MsgVoteForward)
	require.Len(t, forwards, 1)
	assert.Equal(t, types.DirectChannel("n1"), forwards[0].channel)

	payload := forwards[0].payload.(types.VoteForwardPayload)
	assert.Equal(t, voteID, payload.VoteID)
	assert.Equal(t, "n2", payload.Origin)

	status, err := f.engine.Status(ctx, voteID)
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)
}

func TestFollowerWithoutLeaderRefusesVote(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "")

	_, err := f.engine.SubmitVote(ctx, newVote("alice"))
	assert.ErrorIs(t, err, ErrNoQuorum)
}

func TestFollowerAcknowledgesProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "n1")

	env, err := types.NewEnvelope("n1", types.MsgVotePropose, types.VoteProposePayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
	})
	require.NoError(t, err)
	f.engine.HandleProposal(ctx, env)

	acks := f.em.ofType(types.MsgVoteAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, types.AckApproved, acks[0].payload.(types.VoteAckPayload).Status)

	// The mirror counts the proposer and this node, matching what the
	// leader sees once our acknowledgement lands.
	status, err := f.engine.Status(ctx, "e1:alice:x")
	require.NoError(t, err)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, 2, status.Approvals)
	assert.Equal(t, 3, status.TotalNodes)
	assert.InDelta(t, 66.7, status.ApprovalPercentage, 0.1)
}

func TestFollowerRejectsDuplicateVoter(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "n1")

	// alice is already in the election's voter set.
	_, err := f.store.SAdd(ctx, types.VotersKey("e1"), "alice")
	require.NoError(t, err)

	env, err := types.NewEnvelope("n1", types.MsgVotePropose, types.VoteProposePayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
	})
	require.NoError(t, err)
	f.engine.HandleProposal(ctx, env)

	acks := f.em.ofType(types.MsgVoteAcknowledge)
	require.Len(t, acks, 1)
	assert.Equal(t, types.AckRejected, acks[0].payload.(types.VoteAckPayload).Status)
}

func TestFinalizationClearsMirror(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "n1")

	env, err := types.NewEnvelope("n1", types.MsgVotePropose, types.VoteProposePayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
	})
	require.NoError(t, err)
	f.engine.HandleProposal(ctx, env)
	require.Equal(t, 1, f.engine.PendingCount())

	fin, err := types.NewEnvelope("n1", types.MsgVoteFinalized, types.VoteFinalizedPayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
	})
	require.NoError(t, err)
	f.engine.HandleFinalization(ctx, fin)

	assert.Equal(t, 0, f.engine.PendingCount())
	assert.Equal(t, uint64(1), f.engine.Processed())
}

func TestForwardedVoteProposed(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	env, err := types.NewEnvelope("n2", types.MsgVoteForward, types.VoteForwardPayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
		Origin: "n2",
	})
	require.NoError(t, err)
	f.engine.HandleForward(ctx, env)

	// Quorum of one: the forwarded vote commits straight away.
	status, err := f.engine.Status(ctx, "e1:alice:x")
	require.NoError(t, err)
	assert.Equal(t, "finalized", status.Status)
}

func TestForwardedDuplicateDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	_, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	// The origin validated before alice's first vote committed; the leader
	// re-checks and refuses to propose.
	env, err := types.NewEnvelope("n2", types.MsgVoteForward, types.VoteForwardPayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
		Origin: "n2",
	})
	require.NoError(t, err)
	f.engine.HandleForward(ctx, env)

	_, err = f.engine.Status(ctx, "e1:alice:x")
	assert.ErrorIs(t, err, types.ErrNotFound)

	tally, err := f.votes.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
}

func TestResetElection(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	_, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	require.NoError(t, f.engine.ResetElection(ctx, "e1"))

	tally, err := f.votes.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.TotalVotes)

	resets := f.em.ofType(types.MsgResetElection)
	require.Len(t, resets, 1)
	assert.Equal(t, "e1", resets[0].payload.(types.ResetElectionPayload).ElectionID)

	// The same voter may vote again after the wipe.
	_, err = f.engine.SubmitVote(ctx, newVote("alice"))
	assert.NoError(t, err)
}

func TestRemoteResetClearsPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n2", 2, false, "n1")

	env, err := types.NewEnvelope("n1", types.MsgVotePropose, types.VoteProposePayload{
		VoteID: "e1:alice:x",
		Vote:   *newVote("alice"),
	})
	require.NoError(t, err)
	f.engine.HandleProposal(ctx, env)
	require.Equal(t, 1, f.engine.PendingCount())

	admin, err := types.NewEnvelope("n1", types.MsgResetElection, types.ResetElectionPayload{ElectionID: "e1"})
	require.NoError(t, err)
	f.engine.HandleAdmin(ctx, admin)

	assert.Equal(t, 0, f.engine.PendingCount())
}

func TestNewLeaderAdoptsOrphanedProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 2, true, "n1")

	// A pending proposal persisted by a previous leader.
	orphan := types.Proposal{
		VoteID:     "e1:alice:x",
		Vote:       *newVote("alice"),
		ProposedBy: "n0",
		ProposedAt: types.TimeToUnixSeconds(time.Now()),
		Status:     types.ProposalPending,
		Approvals:  map[string]bool{"n0": true},
	}
	data, err := json.Marshal(orphan)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, types.ProposalKey(orphan.VoteID), string(data), time.Hour))

	f.engine.OnLeaderChange(ctx, "n1", true)

	assert.Equal(t, 1, f.engine.PendingCount())

	raw, err := f.store.Get(ctx, types.ProposalKey(orphan.VoteID))
	require.NoError(t, err)
	var adopted types.Proposal
	require.NoError(t, json.Unmarshal([]byte(raw), &adopted))
	assert.Equal(t, "n1", adopted.ProposedBy)
	assert.Equal(t, types.ProposalPending, adopted.Status)
}

func TestEventSinkReceivesLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture("n1", 0, true, "n1")

	var mu sync.Mutex
	var events []string
	f.engine.SetEventSink(func(event string, _ any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := f.engine.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "vote_proposed")
	assert.Contains(t, events, "vote_finalized")
}
