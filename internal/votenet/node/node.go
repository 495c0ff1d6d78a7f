package node

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/votenet/votenet/internal/votenet/clocksync"
	"github.com/votenet/votenet/internal/votenet/comms"
	"github.com/votenet/votenet/internal/votenet/config"
	"github.com/votenet/votenet/internal/votenet/consensus"
	"github.com/votenet/votenet/internal/votenet/directory"
	"github.com/votenet/votenet/internal/votenet/election"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/network"
	"github.com/votenet/votenet/internal/votenet/store"
	"github.com/votenet/votenet/internal/votenet/types"
	"github.com/votenet/votenet/internal/votenet/votestore"
)

func nodeLogger() *zap.SugaredLogger {
	return logger.Named("node")
}

// Node composes every subsystem of one cluster member: shared store,
// communicator, directory, election, clock sync, consensus, and the HTTP
// surface.
type Node struct {
	cfg *config.Config

	store  store.Store
	comm   *comms.Communicator
	dir    *directory.Directory
	elect  *election.Manager
	csync  *clocksync.Sync
	votes  *votestore.VoteStore
	engine *consensus.Engine
	events *network.EventHub
	server *network.Server
}

// New builds and wires a node from its configuration. The subsystems get the
// narrowest capability that serves them, never each other's full types.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Store.InMem {
		st = store.NewMemory()
		nodeLogger().Warnw("Using in-process store, cluster semantics are single-process only")
	} else {
		redis, err := store.NewRedis(ctx, cfg.Store.Nodes)
		if err != nil {
			return nil, fmt.Errorf("connect shared store: %w", err)
		}
		if err := store.Retry(ctx, 5, func() error { return redis.Ping(ctx) }); err != nil {
			return nil, fmt.Errorf("shared store unreachable: %w", err)
		}
		st = redis
	}

	clk := clock.New()
	comm := comms.New(st, cfg.NodeID)
	dir := directory.New(st, cfg.NodeID, cfg.HTTP.Addr, nil)
	elect := election.New(comm, dir, cfg.NodeID, cfg.RoleHint, clk)
	dir.SetRoleProvider(func() string { return elect.Role().String() })

	csync := clocksync.New(comm, st, cfg.NodeID, elect.IsLeader, clk)
	votes := votestore.New(st)
	engine := consensus.New(comm, st, votes, dir, elect, cfg.NodeID, csync.CorrectedNow, clk)

	events := network.NewEventHub()
	engine.SetEventSink(events.Publish)

	server := network.NewServer(cfg.NodeID, cfg.HTTP.Addr, engine, votes, dir, elect, csync, comm, st, events)

	n := &Node{
		cfg:    cfg,
		store:  st,
		comm:   comm,
		dir:    dir,
		elect:  elect,
		csync:  csync,
		votes:  votes,
		engine: engine,
		events: events,
		server: server,
	}
	return n, nil
}

// registerHandlers binds each bus channel to its subsystem. The direct
// channel multiplexes by message type because several subsystems receive
// targeted messages.
func (n *Node) registerHandlers(ctx context.Context) {
	n.comm.RegisterHandler(types.ChannelVoteProposal, func(env *types.Envelope) {
		n.engine.HandleProposal(ctx, env)
	})
	n.comm.RegisterHandler(types.ChannelVoteResponse, func(env *types.Envelope) {
		n.engine.HandleResponse(ctx, env)
	})
	n.comm.RegisterHandler(types.ChannelVoteFinalization, func(env *types.Envelope) {
		n.engine.HandleFinalization(ctx, env)
	})
	n.comm.RegisterHandler(types.ChannelLeaderElection, func(env *types.Envelope) {
		n.elect.HandleMessage(ctx, env)
	})
	n.comm.RegisterHandler(types.ChannelTimeSync, func(env *types.Envelope) {
		n.csync.HandleMessage(ctx, env)
	})
	n.comm.RegisterHandler(types.ChannelElectionAdmin, func(env *types.Envelope) {
		n.engine.HandleAdmin(ctx, env)
	})
	n.comm.RegisterHandler(types.DirectChannel(n.cfg.NodeID), func(env *types.Envelope) {
		switch env.Type {
		case types.MsgVoteForward:
			n.engine.HandleForward(ctx, env)
		case types.MsgTimeBroadcast, types.MsgTimeSyncRequest:
			n.csync.HandleMessage(ctx, env)
		default:
			nodeLogger().Warnw("Unknown direct message type", "type", env.Type, "sender", env.Sender)
		}
	})
}

// Run starts every subsystem and blocks until the context ends or a
// subsystem fails, then shuts down in dependency order.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.elect.SetOnLeaderChange(func(leaderID string, term int64, isSelf bool) {
		nodeLogger().Infow("Leadership changed", "leader", leaderID, "term", term, "self", isSelf)
		n.engine.OnLeaderChange(runCtx, leaderID, isSelf)
	})
	n.registerHandlers(runCtx)

	if err := n.comm.Start(runCtx); err != nil {
		return fmt.Errorf("start communicator: %w", err)
	}
	if err := n.dir.Register(runCtx); err != nil {
		return fmt.Errorf("register in directory: %w", err)
	}
	n.dir.Start(runCtx)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		n.elect.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		n.csync.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		n.engine.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		return n.server.Run(gCtx)
	})

	nodeLogger().Infow("Node started",
		"node", n.cfg.NodeID,
		"role_hint", n.cfg.RoleHint,
		"http", n.cfg.HTTP.Addr,
	)

	err := g.Wait()
	n.shutdown()
	return err
}

// shutdown marks the directory record, closes the bus subscription, and
// releases the store connection. Uses a fresh context because the run
// context is already cancelled.
func (n *Node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n.dir.MarkShutdown(ctx)
	if err := n.comm.Close(); err != nil {
		nodeLogger().Errorw("Failed to close communicator", "error", err)
	}
	if err := n.store.Close(); err != nil {
		nodeLogger().Errorw("Failed to close store", "error", err)
	}
	nodeLogger().Infow("Node stopped", "node", n.cfg.NodeID)
}
