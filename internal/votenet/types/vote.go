package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// SkewTolerance is the maximum amount a vote timestamp may lie in the
// future of the node's corrected clock before the vote is rejected.
const SkewTolerance = 5 * time.Second

var (
	ErrInvalidVote  = errors.New("invalid vote")
	ErrAlreadyVoted = errors.New("voter has already cast a vote in this election")
	ErrNotFound     = errors.New("not found")
)

// Vote is a single ballot submitted by a voter. Signature is opaque to the
// cluster; ContentHash is derived from the identifying fields.
type Vote struct {
	VoterID     string  `json:"voter_id"`
	ElectionID  string  `json:"election_id"`
	CandidateID string  `json:"candidate_id"`
	Timestamp   float64 `json:"timestamp"`
	Signature   string  `json:"signature"`
	ContentHash string  `json:"content_hash,omitempty"`
}

// Validate checks the structural invariants of a vote against the node's
// corrected wall clock. Timestamps up to SkewTolerance in the future are
// accepted; anything beyond is a client fault.
func (v *Vote) Validate(now time.Time) error {
	if strings.TrimSpace(v.VoterID) == "" {
		return fmt.Errorf("%w: empty voter_id", ErrInvalidVote)
	}
	if strings.TrimSpace(v.ElectionID) == "" {
		return fmt.Errorf("%w: empty election_id", ErrInvalidVote)
	}
	if strings.TrimSpace(v.CandidateID) == "" {
		return fmt.Errorf("%w: empty candidate_id", ErrInvalidVote)
	}
	limit := float64(now.UnixNano())/float64(time.Second) + SkewTolerance.Seconds()
	if v.Timestamp > limit {
		return fmt.Errorf("%w: timestamp %.3f beyond tolerance", ErrInvalidVote, v.Timestamp)
	}
	return nil
}

// Hash computes the keccak-256 content hash over the identifying fields.
func (v *Vote) Hash() string {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "%s|%s|%s|%f", v.VoterID, v.ElectionID, v.CandidateID, v.Timestamp)
	return hex.EncodeToString(h.Sum(nil))
}

// NewVoteID builds a vote id of the form <election_id>:<voter_id>:<uuid> so
// that keys derived from it colocate deterministically.
func NewVoteID(electionID, voterID string) string {
	return fmt.Sprintf("%s:%s:%s", electionID, voterID, uuid.NewString())
}

// SplitVoteID returns the election and voter components of a vote id.
func SplitVoteID(voteID string) (electionID, voterID string, err error) {
	parts := strings.SplitN(voteID, ":", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed vote id %q", voteID)
	}
	return parts[0], parts[1], nil
}

// TimeToUnixSeconds converts a time to the float seconds representation used
// on the wire and in vote timestamps.
func TimeToUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
