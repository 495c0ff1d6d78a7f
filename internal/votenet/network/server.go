package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/votenet/votenet/internal/votenet/clocksync"
	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/consensus"
	"github.com/votenet/votenet/internal/votenet/directory"
	"github.com/votenet/votenet/internal/votenet/election"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
	"github.com/votenet/votenet/internal/votenet/votestore"
)

func netLogger() *zap.SugaredLogger {
	return logger.Named("http")
}

// Server is the node's HTTP surface: vote submission and status, election
// results and reset, health, metrics, and the websocket event stream.
type Server struct {
	nodeID string
	addr   string

	engine *consensus.Engine
	votes  *votestore.VoteStore
	dir    *directory.Directory
	elect  *election.Manager
	csync  *clocksync.Sync
	comm   *comms.Communicator
	store  store.Store
	events *EventHub
	srv    *http.Server
}

// NewServer wires the handlers.
func NewServer(nodeID, addr string, engine *consensus.Engine, votes *votestore.VoteStore, dir *directory.Directory, elect *election.Manager, csync *clocksync.Sync, comm *comms.Communicator, s store.Store, events *EventHub) *Server {
	server := &Server{
		nodeID: nodeID,
		addr:   addr,
		engine: engine,
		votes:  votes,
		dir:    dir,
		elect:  elect,
		csync:  csync,
		comm:   comm,
		store:  s,
		events: events,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", server.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/votes", server.handleSubmitVote).Methods(http.MethodPost)
	r.HandleFunc("/votes/{vote_id}", server.handleVoteStatus).Methods(http.MethodGet)
	r.HandleFunc("/elections/{election_id}/results", server.handleResults).Methods(http.MethodGet)
	r.HandleFunc("/elections/{election_id}/reset", server.handleReset).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if events != nil {
		r.Handle("/events", events).Methods(http.MethodGet)
	}

	server.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return server
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until the context ends, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		netLogger().Infow("HTTP server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.events != nil {
		s.events.Close()
	}
	return s.srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		netLogger().Errorw("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := s.dir.Healthy(ctx)

	info, err := s.store.Info(ctx)
	if err != nil {
		info = store.Info{State: "unreachable"}
		healthy = false
	}

	body := map[string]any{
		"status":          s.dir.State(),
		"node_id":         s.nodeID,
		"role":            s.elect.Role().String(),
		"connected_nodes": s.dir.PeerCount(),
		"votes_processed": s.engine.Processed(),
		"pending_votes":   s.engine.PendingCount(),
		"system_time":     types.TimeToUnixSeconds(s.csync.CorrectedNow()),
		"uptime":          time.Since(s.dir.StartTime()).Seconds(),
		"shared_store": map[string]any{
			"state":   info.State,
			"members": info.Members,
			"size":    info.Size,
		},
		"clock_sync":   s.csync.Status(),
		"communicator": s.comm.Stats(),
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":  s.nodeID,
		"election": s.elect.GetInfo(),
		"peers":    s.dir.Peers(),
		"pending":  s.engine.PendingCount(),
	})
}

func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var vote types.Vote
	if err := json.NewDecoder(r.Body).Decode(&vote); err != nil {
		writeError(w, http.StatusBadRequest, "malformed vote payload")
		return
	}

	voteID, err := s.engine.SubmitVote(r.Context(), &vote)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrAlreadyVoted):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, types.ErrInvalidVote):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, consensus.ErrNoQuorum):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			netLogger().Errorw("Vote submission failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"vote_id": voteID,
	})
}

func (s *Server) handleVoteStatus(w http.ResponseWriter, r *http.Request) {
	voteID := mux.Vars(r)["vote_id"]
	status, err := s.engine.Status(r.Context(), voteID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "vote not found")
			return
		}
		netLogger().Errorw("Vote status lookup failed", "vote_id", voteID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	electionID := mux.Vars(r)["election_id"]
	tally, err := s.votes.GetTally(r.Context(), electionID)
	if err != nil {
		netLogger().Errorw("Tally read failed", "election", electionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	electionID := mux.Vars(r)["election_id"]
	if err := s.engine.ResetElection(r.Context(), electionID); err != nil {
		netLogger().Errorw("Election reset failed", "election", electionID, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "success",
		"details":     "election " + electionID + " reset, peers notified",
		"election_id": electionID,
	})
}
