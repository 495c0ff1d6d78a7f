package votestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func newVote(election, voter, candidate string) *types.Vote {
	return &types.Vote{
		VoterID:     voter,
		ElectionID:  election,
		CandidateID: candidate,
		Timestamp:   types.TimeToUnixSeconds(time.Now()),
	}
}

func TestFinalizeEffects(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	vote := newVote("e1", "alice", "c1")
	voteID := types.NewVoteID(vote.ElectionID, vote.VoterID)
	require.NoError(t, vs.Finalize(ctx, voteID, vote))

	record, err := vs.GetVote(ctx, voteID)
	require.NoError(t, err)
	assert.Equal(t, "alice", record.VoterID)
	assert.Equal(t, "c1", record.CandidateID)
	assert.Greater(t, record.StoredAt, 0.0)

	voted, err := vs.HasVoted(ctx, "e1", "alice")
	require.NoError(t, err)
	assert.True(t, voted)

	tally, err := vs.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
	assert.Equal(t, int64(1), tally.Results["c1"])
}

func TestFinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	vote := newVote("e1", "alice", "c1")
	voteID := types.NewVoteID(vote.ElectionID, vote.VoterID)
	require.NoError(t, vs.Finalize(ctx, voteID, vote))
	require.NoError(t, vs.Finalize(ctx, voteID, vote))

	tally, err := vs.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
}

func TestFinalizeBlocksSecondVoteBySameVoter(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	require.NoError(t, vs.Finalize(ctx, "e1:alice:first", newVote("e1", "alice", "c1")))

	// A distinct vote id for the same voter loses at the voter-set gate and
	// leaves the tally untouched.
	err := vs.Finalize(ctx, "e1:alice:second", newVote("e1", "alice", "c2"))
	assert.ErrorIs(t, err, types.ErrAlreadyVoted)

	tally, err := vs.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tally.TotalVotes)
	assert.Equal(t, int64(1), tally.Results["c1"])
	assert.Zero(t, tally.Results["c2"])

	_, err = vs.GetVote(ctx, "e1:alice:second")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetVoteNotFound(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	_, err := vs.GetVote(ctx, "e1:nobody:xyz")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTallyAcrossCandidates(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	for i, voter := range []string{"alice", "bob", "carol"} {
		candidate := "c1"
		if i == 2 {
			candidate = "c2"
		}
		vote := newVote("e1", voter, candidate)
		require.NoError(t, vs.Finalize(ctx, types.NewVoteID("e1", voter), vote))
	}

	tally, err := vs.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), tally.TotalVotes)
	assert.Equal(t, int64(2), tally.Results["c1"])
	assert.Equal(t, int64(1), tally.Results["c2"])
}

func TestTallyEmptyElection(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	tally, err := vs.GetTally(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.TotalVotes)
	assert.Empty(t, tally.Results)
}

func TestVerifyTally(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	vs := New(st)

	vote := newVote("e1", "alice", "c1")
	require.NoError(t, vs.Finalize(ctx, types.NewVoteID("e1", "alice"), vote))

	ok, err := vs.VerifyTally(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A counter bumped without a backing record is a divergence.
	_, err = st.Incr(ctx, types.CandidateKey("e1", "c1"))
	require.NoError(t, err)

	ok, err = vs.VerifyTally(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetIsolation(t *testing.T) {
	ctx := context.Background()
	vs := New(store.NewMemory())

	require.NoError(t, vs.Finalize(ctx, types.NewVoteID("e1", "alice"), newVote("e1", "alice", "c1")))
	require.NoError(t, vs.Finalize(ctx, types.NewVoteID("e2", "bob"), newVote("e2", "bob", "c9")))

	require.NoError(t, vs.Reset(ctx, "e1"))

	tally, err := vs.GetTally(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), tally.TotalVotes)

	voted, err := vs.HasVoted(ctx, "e1", "alice")
	require.NoError(t, err)
	assert.False(t, voted)

	// The neighbouring election is untouched.
	other, err := vs.GetTally(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.TotalVotes)
}
