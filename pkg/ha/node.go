package ha

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/dsa110/contimg-coordinator/pkg/log"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
)

// Node wraps a single Raft participant for one coordinator instance. A
// Node with no peers configured bootstraps itself as a single-node
// cluster.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *FSM
}

// NewNode prepares a Node; callers must still call Bootstrap or Join
// before Apply-ing any command.
func NewNode(nodeID, bindAddr, dataDir string, store storage.Store) *Node {
	return &Node{
		nodeID:   nodeID,
		bindAddr: bindAddr,
		dataDir:  dataDir,
		fsm:      NewFSM(store),
	}
}

func (n *Node) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)
	// Tuned for LAN deployment between a coordinator and its standby,
	// not a WAN cluster: failover should complete well under 10s.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (n *Node) newRaft(config *raft.Config) (*raft.Raft, *raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("ha: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("ha: create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("ha: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("ha: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("ha: create stable store: %w", err)
	}
	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("ha: create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap forms a new single-node cluster with this node as the only
// voter. Use this for the first coordinator a deployment ever starts.
func (n *Node) Bootstrap() error {
	config := n.raftConfig()
	r, transport, err := n.newRaft(config)
	if err != nil {
		return err
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("ha: bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this node's Raft transport without bootstrapping a new
// cluster configuration; the leader must separately call AddVoter for
// this node's id and address before it becomes a full member.
func (n *Node) Join() error {
	config := n.raftConfig()
	r, _, err := n.newRaft(config)
	if err != nil {
		return err
	}
	n.raft = r
	return nil
}

// AddVoter admits nodeID/address as a new voting member. Only the
// current leader can do this; non-leader calls fail immediately.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("ha: raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("ha: not the leader, current leader: %s", n.LeaderAddr())
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("ha: add voter: %w", err)
	}
	log.WithComponent("ha").Info().Str("node_id", nodeID).Str("address", address).Msg("voter added")
	return nil
}

// RemoveServer evicts a member, used to retire a standby permanently.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("ha: raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("ha: not the leader")
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("ha: remove server: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds the Raft leader lease.
func (n *Node) IsLeader() bool {
	if n.raft == nil {
		return false
	}
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, empty if
// none is known.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Apply proposes cmd to the Raft log and blocks until it is committed
// and applied on this node, returning whatever error FSM.Apply produced.
func (n *Node) Apply(op string, data interface{}) error {
	if n.raft == nil {
		return fmt.Errorf("ha: raft not initialized")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("ha: marshal command data: %w", err)
	}
	encoded, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return fmt.Errorf("ha: marshal command: %w", err)
	}
	future := n.raft.Apply(encoded, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("ha: apply command: %w", err)
	}
	if res := future.Response(); res != nil {
		if resErr, ok := res.(error); ok {
			return resErr
		}
	}
	return nil
}

// Stats returns a small snapshot of Raft's internal state for operator
// diagnostics.
func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return map[string]string{"state": "disabled"}
	}
	return map[string]string{
		"state":        n.raft.State().String(),
		"leader":       string(n.raft.Leader()),
		"last_log_idx": fmt.Sprintf("%d", n.raft.LastIndex()),
		"applied_idx":  fmt.Sprintf("%d", n.raft.AppliedIndex()),
	}
}
