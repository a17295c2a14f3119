package consensus

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// waitForLeader polls until the single-node instance elects itself leader,
// which a fresh bootstrap does on its own within a couple of election
// timeouts.
func waitForLeader(t *testing.T, inst *Instance) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if inst.IsLeader() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("instance never became leader")
}

func TestInstance_SingleNodeBootstrapElectsLeaderAndCommits(t *testing.T) {
	dir := t.TempDir()
	localID := "node-1"

	var committed [][]byte
	cfg := Config{
		LocalID:   localID,
		BindAddr:  "127.0.0.1:19001",
		DataDir:   dir,
		Bootstrap: true,
		Peers: []raft.Server{
			{ID: raft.ServerID(localID), Address: raft.ServerAddress("127.0.0.1:19001")},
		},
		OnCommit: func(slot uint64, value []byte) {
			committed = append(committed, value)
		},
	}

	inst, err := NewInstance(cfg, zap.NewNop())
	require.NoError(t, err)
	defer inst.Shutdown()

	waitForLeader(t, inst)

	require.NoError(t, inst.Propose([]byte("batch-1"), 5*time.Second))

	deadline := time.Now().Add(5 * time.Second)
	for len(committed) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, committed, 1)
	require.Equal(t, []byte("batch-1"), committed[0])
}
