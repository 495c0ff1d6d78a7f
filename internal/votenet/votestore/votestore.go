package votestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
)

func vsLogger() *zap.SugaredLogger {
	return logger.Named("votestore")
}

// Record is a finalized vote as persisted in the shared store.
type Record struct {
	VoteID      string  `json:"vote_id"`
	VoterID     string  `json:"voter_id"`
	ElectionID  string  `json:"election_id"`
	CandidateID string  `json:"candidate_id"`
	Timestamp   float64 `json:"timestamp"`
	Signature   string  `json:"signature,omitempty"`
	ContentHash string  `json:"content_hash,omitempty"`
	StoredAt    float64 `json:"stored_at"`
}

// Tally is the per-election result summary.
type Tally struct {
	ElectionID string           `json:"election_id"`
	TotalVotes int64            `json:"total_votes"`
	Results    map[string]int64 `json:"results"`
}

// VoteStore applies and reads the durable effects of finalized votes: the
// vote record, the per-election voter set, and the per-candidate counters.
// All three key families colocate per election.
type VoteStore struct {
	store store.Store
}

// New wraps the shared store.
func New(s store.Store) *VoteStore {
	return &VoteStore{store: s}
}

// Finalize applies the three effects of a committed vote. Effects are
// idempotent per vote id: re-finalizing an already stored vote is a no-op so
// duplicate finalization messages cannot double-count. The voter-set add is
// the authoritative duplicate gate: a second vote id for the same (voter,
// election) fails with ErrAlreadyVoted before any tally effect is written,
// even when both proposals were in flight at once.
func (v *VoteStore) Finalize(ctx context.Context, voteID string, vote *types.Vote) error {
	key := types.VoteKey(voteID)
	existing, err := v.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", voteID, err)
	}
	if len(existing) > 0 {
		vsLogger().Debugw("Vote already finalized, skipping", "vote_id", voteID)
		return nil
	}

	added, err := v.store.SAdd(ctx, types.VotersKey(vote.ElectionID), vote.VoterID)
	if err != nil {
		return fmt.Errorf("record voter for %s: %w", vote.ElectionID, err)
	}
	if !added {
		return fmt.Errorf("%w: %s in %s", types.ErrAlreadyVoted, vote.VoterID, vote.ElectionID)
	}

	fields := map[string]string{
		"vote_id":      voteID,
		"voter_id":     vote.VoterID,
		"election_id":  vote.ElectionID,
		"candidate_id": vote.CandidateID,
		"timestamp":    strconv.FormatFloat(vote.Timestamp, 'f', 6, 64),
		"signature":    vote.Signature,
		"content_hash": vote.ContentHash,
		"stored_at":    strconv.FormatFloat(types.TimeToUnixSeconds(time.Now()), 'f', 6, 64),
	}
	if err := v.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("store vote %s: %w", voteID, err)
	}
	if _, err := v.store.Incr(ctx, types.CandidateKey(vote.ElectionID, vote.CandidateID)); err != nil {
		return fmt.Errorf("increment tally for %s: %w", vote.CandidateID, err)
	}
	vsLogger().Infow("Vote finalized",
		"vote_id", voteID,
		"election", vote.ElectionID,
		"candidate", vote.CandidateID,
	)
	return nil
}

// HasVoted reports whether the voter already appears in the election's voter
// set.
func (v *VoteStore) HasVoted(ctx context.Context, electionID, voterID string) (bool, error) {
	return v.store.SIsMember(ctx, types.VotersKey(electionID), voterID)
}

// GetVote returns the finalized record for a vote id, or types.ErrNotFound.
func (v *VoteStore) GetVote(ctx context.Context, voteID string) (*Record, error) {
	record, err := v.store.HGetAll(ctx, types.VoteKey(voteID))
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	if len(record) == 0 {
		return nil, types.ErrNotFound
	}
	return &Record{
		VoteID:      record["vote_id"],
		VoterID:     record["voter_id"],
		ElectionID:  record["election_id"],
		CandidateID: record["candidate_id"],
		Timestamp:   parseFloat(record["timestamp"]),
		Signature:   record["signature"],
		ContentHash: record["content_hash"],
		StoredAt:    parseFloat(record["stored_at"]),
	}, nil
}

// GetTally reads the per-candidate counters for an election. Candidates with
// no votes are absent.
func (v *VoteStore) GetTally(ctx context.Context, electionID string) (*Tally, error) {
	keys, err := v.store.Scan(ctx, types.CandidatePattern(electionID))
	if err != nil {
		return nil, fmt.Errorf("scan tallies for %s: %w", electionID, err)
	}

	tally := &Tally{ElectionID: electionID, Results: make(map[string]int64)}
	prefix := types.CandidateKey(electionID, "")
	for _, key := range keys {
		candidate := strings.TrimPrefix(key, prefix)
		if candidate == key || candidate == "" {
			continue
		}
		raw, err := v.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrKeyNotFound) {
				continue
			}
			return nil, err
		}
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			vsLogger().Warnw("Malformed tally counter", "key", key, "value", raw)
			continue
		}
		tally.Results[candidate] = count
		tally.TotalVotes += count
	}
	return tally, nil
}

// VerifyTally recounts finalized vote records and compares against the
// counters. A mismatch means a counter and its records diverged and is
// reported, not repaired.
func (v *VoteStore) VerifyTally(ctx context.Context, electionID string) (bool, error) {
	tally, err := v.GetTally(ctx, electionID)
	if err != nil {
		return false, err
	}

	keys, err := v.store.Scan(ctx, types.VoteKey(electionID+":*"))
	if err != nil {
		return false, fmt.Errorf("scan votes for %s: %w", electionID, err)
	}
	recount := make(map[string]int64)
	for _, key := range keys {
		record, err := v.store.HGetAll(ctx, key)
		if err != nil || len(record) == 0 {
			continue
		}
		if record["election_id"] != electionID {
			continue
		}
		recount[record["candidate_id"]]++
	}

	if len(recount) != len(tally.Results) {
		vsLogger().Errorw("Tally mismatch", "election", electionID, "counters", tally.Results, "recount", recount)
		return false, nil
	}
	for candidate, count := range recount {
		if tally.Results[candidate] != count {
			vsLogger().Errorw("Tally mismatch for candidate",
				"election", electionID,
				"candidate", candidate,
				"counter", tally.Results[candidate],
				"recount", count,
			)
			return false, nil
		}
	}
	return true, nil
}

// Reset deletes every key belonging to one election: voter set, counters, and
// finalized vote records. Other elections are untouched.
func (v *VoteStore) Reset(ctx context.Context, electionID string) error {
	doomed := []string{types.VotersKey(electionID)}

	counters, err := v.store.Scan(ctx, types.CandidatePattern(electionID))
	if err != nil {
		return fmt.Errorf("scan counters for reset of %s: %w", electionID, err)
	}
	doomed = append(doomed, counters...)

	votes, err := v.store.Scan(ctx, types.VoteKey(electionID+":*"))
	if err != nil {
		return fmt.Errorf("scan votes for reset of %s: %w", electionID, err)
	}
	doomed = append(doomed, votes...)

	if err := v.store.Del(ctx, doomed...); err != nil {
		return fmt.Errorf("reset %s: %w", electionID, err)
	}
	vsLogger().Infow("Election reset", "election", electionID, "keys_deleted", len(doomed))
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
