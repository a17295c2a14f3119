package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/core/security/encryption/internaltls"
)

func TestBroker_SendDeliversToRemoteRouterOverLoopback(t *testing.T) {
	senderID := model.MachineID{Replica: 0, Partition: 0}
	receiverID := model.MachineID{Replica: 1, Partition: 0}

	receiverBroker := NewBroker(receiverID, nil, zap.NewNop())
	receiverRouter := NewRouter(receiverID, receiverBroker, zap.NewNop())
	receiverBroker.AttachRouter(receiverRouter)
	inbox := receiverRouter.RegisterChannel(model.ChannelSequencer)
	require.NoError(t, receiverBroker.Listen("127.0.0.1:0"))
	defer receiverBroker.Close()

	addr := receiverBroker.listener.Addr().String()
	senderBroker := NewBroker(senderID, map[model.MachineID]string{receiverID: addr}, zap.NewNop())
	defer senderBroker.Close()

	env := NewEnvelope(senderID, receiverID, model.ChannelSequencer, model.ForwardTransaction{Txn: model.NewTransaction(42, senderID)})
	require.NoError(t, senderBroker.Send(env))

	select {
	case got := <-inbox:
		payload, ok := got.Payload.(model.ForwardTransaction)
		require.True(t, ok)
		require.Equal(t, uint64(42), payload.Txn.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived at the receiving router")
	}
}

func TestBroker_SendToUnknownPeerErrors(t *testing.T) {
	self := model.MachineID{Replica: 0, Partition: 0}
	b := NewBroker(self, map[model.MachineID]string{}, zap.NewNop())
	defer b.Close()

	env := NewEnvelope(self, model.MachineID{Replica: 9, Partition: 9}, model.ChannelSequencer, nil)
	require.Error(t, b.Send(env))
}

func TestBroker_ReusesConnectionAcrossSends(t *testing.T) {
	senderID := model.MachineID{Replica: 0, Partition: 0}
	receiverID := model.MachineID{Replica: 1, Partition: 0}

	receiverBroker := NewBroker(receiverID, nil, zap.NewNop())
	receiverRouter := NewRouter(receiverID, receiverBroker, zap.NewNop())
	receiverBroker.AttachRouter(receiverRouter)
	inbox := receiverRouter.RegisterChannel(model.ChannelSequencer)
	require.NoError(t, receiverBroker.Listen("127.0.0.1:0"))
	defer receiverBroker.Close()

	addr := receiverBroker.listener.Addr().String()
	senderBroker := NewBroker(senderID, map[model.MachineID]string{receiverID: addr}, zap.NewNop())
	defer senderBroker.Close()

	for i := 0; i < 3; i++ {
		env := NewEnvelope(senderID, receiverID, model.ChannelSequencer, model.ForwardTransaction{Txn: model.NewTransaction(uint64(i), senderID)})
		require.NoError(t, senderBroker.Send(env))
		select {
		case <-inbox:
		case <-time.After(2 * time.Second):
			t.Fatalf("envelope %d never arrived", i)
		}
	}

	senderBroker.mu.Lock()
	numConns := len(senderBroker.outbound)
	senderBroker.mu.Unlock()
	require.Equal(t, 1, numConns, "repeated sends to the same peer must reuse one connection")
}

func TestBroker_TLSConfiguredDeliversOverEncryptedLoopback(t *testing.T) {
	senderID := model.MachineID{Replica: 0, Partition: 0}
	receiverID := model.MachineID{Replica: 1, Partition: 0}

	receiverBroker := NewBroker(receiverID, nil, zap.NewNop())
	receiverBroker.SetTLS(internaltls.GetTestServerCert(), nil)
	receiverRouter := NewRouter(receiverID, receiverBroker, zap.NewNop())
	receiverBroker.AttachRouter(receiverRouter)
	inbox := receiverRouter.RegisterChannel(model.ChannelSequencer)
	require.NoError(t, receiverBroker.Listen("127.0.0.1:0"))
	defer receiverBroker.Close()

	addr := receiverBroker.listener.Addr().String()
	senderBroker := NewBroker(senderID, map[model.MachineID]string{receiverID: addr}, zap.NewNop())
	senderBroker.SetTLS(nil, internaltls.GetTestClientCert())
	defer senderBroker.Close()

	env := NewEnvelope(senderID, receiverID, model.ChannelSequencer, model.ForwardTransaction{Txn: model.NewTransaction(7, senderID)})
	require.NoError(t, senderBroker.Send(env))

	select {
	case got := <-inbox:
		payload, ok := got.Payload.(model.ForwardTransaction)
		require.True(t, ok)
		require.Equal(t, uint64(7), payload.Txn.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never arrived over the TLS-wrapped connection")
	}
}
