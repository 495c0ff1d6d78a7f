package types

import "fmt"

// Shared-store key families. The braces are cluster hash tags: every key in
// one family lands on the same shard, which the atomic scripts and the
// per-election effects depend on. The formats are wire-compatible and must
// not change.
const (
	nodeKeyFmt      = "{nodes}.%s"
	voteKeyFmt      = "{votes}.%s"
	votersKeyFmt    = "{election}.%s.voters"
	candidateKeyFmt = "{election}.%s.candidate.%s"
	proposalKeyFmt  = "{consensus}.%s"
	mutexKeyFmt     = "{mutex}:%s"

	// SystemTimeKey holds the leader's last broadcast wall time.
	SystemTimeKey = "{system}.time"

	// NodeKeyPattern matches every directory entry.
	NodeKeyPattern = "{nodes}.*"
)

// NodeKey returns the directory key for a node.
func NodeKey(nodeID string) string { return fmt.Sprintf(nodeKeyFmt, nodeID) }

// VoteKey returns the finalized-vote hash key.
func VoteKey(voteID string) string { return fmt.Sprintf(voteKeyFmt, voteID) }

// VotersKey returns the per-election voter set key.
func VotersKey(electionID string) string { return fmt.Sprintf(votersKeyFmt, electionID) }

// CandidateKey returns the per-candidate tally counter key.
func CandidateKey(electionID, candidateID string) string {
	return fmt.Sprintf(candidateKeyFmt, electionID, candidateID)
}

// CandidatePattern matches every tally counter of one election.
func CandidatePattern(electionID string) string {
	return fmt.Sprintf(candidateKeyFmt, electionID, "*")
}

// ProposalKey returns the persisted proposal hash key.
func ProposalKey(voteID string) string { return fmt.Sprintf(proposalKeyFmt, voteID) }

// ProposalPattern matches every persisted proposal.
const ProposalPattern = "{consensus}.*"

// MutexKey returns the lock key for a named resource.
func MutexKey(resource string) string { return fmt.Sprintf(mutexKeyFmt, resource) }
