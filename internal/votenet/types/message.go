package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bus channels. The set is closed: the communicator only subscribes to these
// plus the node's direct channel.
const (
	ChannelVoteProposal     = "vote_proposal"
	ChannelVoteResponse     = "vote_response"
	ChannelVoteFinalization = "vote_finalization"
	ChannelTimeSync         = "time_sync"
	ChannelLeaderElection   = "leader_election"
	ChannelElectionAdmin    = "election_admin"
)

// DirectChannel returns the per-node channel used for targeted messages
// (vote forwarding, initial clock-sync replies).
func DirectChannel(nodeID string) string { return "node:" + nodeID }

// Message types carried inside channel envelopes.
const (
	MsgVotePropose     = "vote_propose"
	MsgVoteForward     = "vote_forward"
	MsgVoteAcknowledge = "vote_acknowledge"
	MsgVoteFinalized   = "vote_finalized"

	MsgTimeBroadcast   = "broadcast"
	MsgTimeSyncRequest = "sync_request"

	MsgRequestVote     = "request_vote"
	MsgVoteResponse    = "vote_response"
	MsgLeaderHeartbeat = "leader_heartbeat"

	MsgResetElection = "reset_election"
)

// Envelope is the self-describing wrapper for every bus message. Data holds
// the channel-specific payload; unknown types are logged and dropped by the
// dispatcher, never handled dynamically.
type Envelope struct {
	Sender    string          `json:"sender"`
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for sending. It fails only if the payload is
// not JSON-serialisable.
func NewEnvelope(sender, msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		Sender:    sender,
		Type:      msgType,
		Timestamp: TimeToUnixSeconds(time.Now()),
		Data:      data,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// VoteProposePayload announces a proposal to the cluster (leader -> all).
type VoteProposePayload struct {
	VoteID string `json:"vote_id"`
	Vote   Vote   `json:"vote"`
}

// VoteForwardPayload carries a vote submitted at a follower to the leader.
type VoteForwardPayload struct {
	VoteID string `json:"vote_id"`
	Vote   Vote   `json:"vote"`
	Origin string `json:"origin"`
}

// Acknowledge statuses.
const (
	AckApproved = "approved"
	AckRejected = "rejected"
)

// VoteAckPayload is a follower's verdict on a proposal.
type VoteAckPayload struct {
	VoteID string `json:"vote_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// VoteFinalizedPayload announces a committed vote (leader -> all).
type VoteFinalizedPayload struct {
	VoteID string `json:"vote_id"`
	Vote   Vote   `json:"vote"`
}

// TimeBroadcastPayload is the leader's wall-time announcement.
type TimeBroadcastPayload struct {
	SystemTime  float64 `json:"system_time"`
	BroadcastID string  `json:"broadcast_id"`
	Initial     bool    `json:"initial,omitempty"`
}

// TimeSyncRequestPayload prompts the leader for an immediate broadcast.
type TimeSyncRequestPayload struct {
	NodeID string `json:"node_id"`
}

// RequestVotePayload starts an election round for a term.
type RequestVotePayload struct {
	Term        int64  `json:"term"`
	CandidateID string `json:"candidate_id"`
}

// VoteResponsePayload answers a request_vote.
type VoteResponsePayload struct {
	Term        int64  `json:"term"`
	Granted     bool   `json:"vote_granted"`
	CandidateID string `json:"candidate_id"`
}

// LeaderHeartbeatPayload asserts leadership for a term.
type LeaderHeartbeatPayload struct {
	Term      int64   `json:"term"`
	LeaderID  string  `json:"leader_id"`
	Timestamp float64 `json:"timestamp"`
}

// ResetElectionPayload tells peers to clear their mirrors for an election.
type ResetElectionPayload struct {
	ElectionID string `json:"election_id"`
}
