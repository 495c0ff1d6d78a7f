package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
	"github.com/votenet/votenet/internal/votenet/votestore"
)

// startMember wires one engine with a real communicator over the shared
// in-process store, the way the composition root does it.
func startMember(t *testing.T, ctx context.Context, st *store.Memory, nodeID string, peerCount int, leading bool, leaderID string) *Engine {
	t.Helper()
	comm := comms.New(st, nodeID)
	votes := votestore.New(st)
	engine := New(comm, st, votes, &fakePeers{count: peerCount}, &fakeLeader{leading: leading, id: leaderID}, nodeID, time.Now, clock.New())

	comm.RegisterHandler(types.ChannelVoteProposal, func(env *types.Envelope) {
		engine.HandleProposal(ctx, env)
	})
	comm.RegisterHandler(types.ChannelVoteResponse, func(env *types.Envelope) {
		engine.HandleResponse(ctx, env)
	})
	comm.RegisterHandler(types.ChannelVoteFinalization, func(env *types.Envelope) {
		engine.HandleFinalization(ctx, env)
	})
	comm.RegisterHandler(types.ChannelElectionAdmin, func(env *types.Envelope) {
		engine.HandleAdmin(ctx, env)
	})
	comm.RegisterHandler(types.DirectChannel(nodeID), func(env *types.Envelope) {
		if env.Type == types.MsgVoteForward {
			engine.HandleForward(ctx, env)
		}
	})
	require.NoError(t, comm.Start(ctx))
	t.Cleanup(func() { _ = comm.Close() })
	return engine
}

func TestClusterCommitThroughFollower(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()

	leader := startMember(t, ctx, st, "n1", 2, true, "n1")
	follower := startMember(t, ctx, st, "n2", 2, false, "n1")
	startMember(t, ctx, st, "n3", 2, false, "n1")

	// A vote lands at a follower, is forwarded, proposed, acknowledged, and
	// committed cluster-wide.
	voteID, err := follower.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := follower.Status(ctx, voteID)
		return err == nil && status.Status == "finalized"
	}, 2*time.Second, 20*time.Millisecond)

	tally, err := votestore.New(st).GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
	assert.Equal(t, int64(1), tally.Results["c1"])

	// The leader also resolved its pending entry.
	require.Eventually(t, func() bool {
		return leader.PendingCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClusterDuplicateBlockedEverywhere(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()

	leader := startMember(t, ctx, st, "n1", 2, true, "n1")
	follower := startMember(t, ctx, st, "n2", 2, false, "n1")
	startMember(t, ctx, st, "n3", 2, false, "n1")

	voteID, err := leader.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := leader.Status(ctx, voteID)
		return err == nil && status.Status == "finalized"
	}, 2*time.Second, 20*time.Millisecond)

	// The duplicate is refused no matter which node it lands on.
	_, err = follower.SubmitVote(ctx, newVote("alice"))
	assert.ErrorIs(t, err, types.ErrAlreadyVoted)

	_, err = leader.SubmitVote(ctx, newVote("alice"))
	assert.ErrorIs(t, err, types.ErrAlreadyVoted)
}

func TestClusterResetPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewMemory()

	leader := startMember(t, ctx, st, "n1", 2, true, "n1")
	follower := startMember(t, ctx, st, "n2", 2, false, "n1")
	startMember(t, ctx, st, "n3", 2, false, "n1")

	voteID, err := leader.SubmitVote(ctx, newVote("alice"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, err := leader.Status(ctx, voteID)
		return err == nil && status.Status == "finalized"
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, leader.ResetElection(ctx, "e1"))

	tally, err := votestore.New(st).GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.TotalVotes)

	// Followers accept the voter again once their mirrors clear.
	require.Eventually(t, func() bool {
		_, err := follower.SubmitVote(ctx, newVote("alice"))
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
}
