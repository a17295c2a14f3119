package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
)

func TestRouter_SendToSelfDeliversOnRegisteredChannel(t *testing.T) {
	self := model.MachineID{Replica: 0, Partition: 0}
	r := NewRouter(self, nil, zap.NewNop())
	inbox := r.RegisterChannel(model.ChannelSequencer)

	env := NewEnvelope(self, self, model.ChannelSequencer, model.ForwardTransaction{Txn: model.NewTransaction(1, self)})
	require.NoError(t, r.Send(env))

	got := <-inbox
	require.Equal(t, env.CorrelationID, got.CorrelationID)
	payload, ok := got.Payload.(model.ForwardTransaction)
	require.True(t, ok)
	require.Equal(t, uint64(1), payload.Txn.ID)
}

func TestRouter_SendToUnregisteredChannelPanics(t *testing.T) {
	self := model.MachineID{Replica: 0, Partition: 0}
	r := NewRouter(self, nil, zap.NewNop())

	env := NewEnvelope(self, self, model.ChannelSequencer, nil)
	require.Panics(t, func() { _ = r.Send(env) })
}

func TestRouter_SendToRemoteWithoutBrokerErrors(t *testing.T) {
	self := model.MachineID{Replica: 0, Partition: 0}
	remote := model.MachineID{Replica: 1, Partition: 0}
	r := NewRouter(self, nil, zap.NewNop())
	r.RegisterChannel(model.ChannelSequencer)

	env := NewEnvelope(self, remote, model.ChannelSequencer, nil)
	require.Error(t, r.Send(env))
}

func TestRouter_FullInboxReportsErrorInsteadOfBlocking(t *testing.T) {
	self := model.MachineID{Replica: 0, Partition: 0}
	r := NewRouter(self, nil, zap.NewNop())
	r.RegisterChannel(model.ChannelSequencer)

	for i := 0; i < defaultInboxSize; i++ {
		env := NewEnvelope(self, self, model.ChannelSequencer, i)
		require.NoError(t, r.Send(env))
	}

	overflow := NewEnvelope(self, self, model.ChannelSequencer, defaultInboxSize)
	require.Error(t, r.Send(overflow))
}

func TestNewEnvelope_StampsUniqueCorrelationIDs(t *testing.T) {
	self := model.MachineID{}
	a := NewEnvelope(self, self, model.ChannelSequencer, nil)
	b := NewEnvelope(self, self, model.ChannelSequencer, nil)
	require.NotEmpty(t, a.CorrelationID)
	require.NotEqual(t, a.CorrelationID, b.CorrelationID)
}
