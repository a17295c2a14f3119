// Package consensus wraps hashicorp/raft as the Paxos black box spec.md
// treats as an external collaborator: "a consensus black box producing a
// totally ordered log of values per instance". Two independent instances
// are run per machine: one Local Paxos group per Sequencer queue (agreeing
// on (queue_id, batch_id) pairs for that machine's own region) and, on the
// designated leader partition, one Global Paxos group for the Multi-Home
// Orderer (agreeing on MH batch ids across every replica).
package consensus

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// CommitFunc is invoked, in log order, once a value is durably committed to
// the instance's log. It must not block.
type CommitFunc func(slot uint64, value []byte)

// Instance is one Paxos/raft replication group producing a totally ordered
// log of opaque byte-string values (batch ids, in this module's usage).
type Instance struct {
	raftNode *raft.Raft
	fsm      *logFSM
	logger   *zap.Logger
}

// Config configures a single Instance.
type Config struct {
	// LocalID must be unique within the replication group.
	LocalID string
	// BindAddr is the address this node's raft transport listens on.
	BindAddr string
	// DataDir holds the raft log store, stable store and snapshots.
	DataDir string
	// Bootstrap is true for exactly one node that bootstraps a brand-new
	// group; the other members listed in Peers start without bootstrapping
	// and receive the configuration from it. There is no separate join step.
	Bootstrap bool
	// Peers lists every group member's (id, address) for bootstrapping.
	Peers []raft.Server

	OnCommit CommitFunc
}

// logFSM is a trivial raft.FSM: Apply() just reports the committed bytes to
// the configured callback. There is no state to snapshot beyond the log
// position, since slot assignment is exactly raft's own log index.
type logFSM struct {
	onCommit CommitFunc
}

func (f *logFSM) Apply(entry *raft.Log) interface{} {
	if f.onCommit != nil {
		f.onCommit(uint64(entry.Index), entry.Data)
	}
	return nil
}

func (f *logFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

func (f *logFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// NewInstance starts a Paxos instance backed by hashicorp/raft, using
// raft-boltdb for the log/stable stores (the teacher's own choice for its
// control-plane FSM in cmd/gojodb_server/main.go).
func NewInstance(cfg Config, logger *zap.Logger) (*Instance, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("consensus: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.LocalID)
	raftConfig.Logger = NewZapRaftLogger(logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: create snapshot store: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: create bolt store: %w", err)
	}

	fsm := &logFSM{onCommit: cfg.OnCommit}

	node, err := raft.NewRaft(raftConfig, fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: create raft node: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{Servers: cfg.Peers}
		node.BootstrapCluster(configuration)
	}

	return &Instance{raftNode: node, fsm: fsm, logger: logger}, nil
}

// Propose submits a value (a serialized batch id) for replication. It
// returns once the local raft node has applied the entry to its own FSM;
// OnCommit fires for every member independently as the entry replicates.
// Per spec.md section 4.3, "the Paxos value is the batch id (the batch
// data is sent out-of-band)" -- callers pass only the small id payload.
func (i *Instance) Propose(value []byte, timeout time.Duration) error {
	future := i.raftNode.Apply(value, timeout)
	return future.Error()
}

// IsLeader reports whether this node currently leads the instance. Only the
// leader should accept new proposals for a given queue.
func (i *Instance) IsLeader() bool {
	return i.raftNode.State() == raft.Leader
}

// Shutdown gracefully stops the instance.
func (i *Instance) Shutdown() error {
	return i.raftNode.Shutdown().Error()
}
