package types

// Role is the election role of a node.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Node lifecycle status recorded in the directory.
const (
	NodeStatusStarting = "starting"
	NodeStatusActive   = "active"
	NodeStatusDegraded = "degraded"
	NodeStatusShutdown = "shutdown"
)

// NodeInfo is the directory record one node publishes about itself.
type NodeInfo struct {
	NodeID        string  `json:"node_id"`
	Role          string  `json:"role"`
	Host          string  `json:"host"`
	StartTime     float64 `json:"start_time"`
	LastHeartbeat float64 `json:"last_heartbeat"`
	Status        string  `json:"status"`
}
