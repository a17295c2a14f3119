package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slogdb/slog/core/model"
)

func codeTxn(code string, keys map[model.Key]model.KeyEntry) *model.Transaction {
	txn := model.NewTransaction(1, model.MachineID{})
	txn.Procedure = model.Procedure{Kind: model.ProcCode, Code: code}
	txn.Keys = keys
	return txn
}

func TestExecute_SetWritesDeclaredKey(t *testing.T) {
	txn := codeTxn("SET out hello", map[model.Key]model.KeyEntry{
		"out": {Type: model.Write},
	})
	require.NoError(t, Execute(txn))
	require.Equal(t, model.Value("hello"), txn.Keys["out"].NewValue)
}

func TestExecute_SetOnUndeclaredKeyFails(t *testing.T) {
	txn := codeTxn("SET out hello", map[model.Key]model.KeyEntry{})
	require.Error(t, Execute(txn))
}

func TestExecute_SetOnReadOnlyKeyFails(t *testing.T) {
	// seed scenario (g): a stored procedure executes only declared writes.
	txn := codeTxn("SET out hello", map[model.Key]model.KeyEntry{
		"out": {Type: model.Read},
	})
	require.Error(t, Execute(txn))
}

func TestExecute_GetRequiresDeclaredKeyButDoesNotBuffer(t *testing.T) {
	txn := codeTxn("GET in", map[model.Key]model.KeyEntry{
		"in": {Type: model.Read},
	})
	require.NoError(t, Execute(txn))
	require.Nil(t, txn.Keys["in"].NewValue)
}

func TestExecute_DelBuffersNilNewValue(t *testing.T) {
	txn := codeTxn("DEL out", map[model.Key]model.KeyEntry{
		"out": {Type: model.Write, Value: model.Value("old")},
	})
	require.NoError(t, Execute(txn))
	require.Nil(t, txn.Keys["out"].NewValue)
}

func TestExecute_CopyPrefersBufferedOverCurrentValue(t *testing.T) {
	txn := codeTxn("SET src a\nCOPY src dst", map[model.Key]model.KeyEntry{
		"src": {Type: model.Write, Value: model.Value("old")},
		"dst": {Type: model.Write},
	})
	require.NoError(t, Execute(txn))
	require.Equal(t, model.Value("a"), txn.Keys["dst"].NewValue)
}

func TestExecute_CopyFallsBackToCurrentValueWhenUnbuffered(t *testing.T) {
	txn := codeTxn("COPY src dst", map[model.Key]model.KeyEntry{
		"src": {Type: model.Read, Value: model.Value("current")},
		"dst": {Type: model.Write},
	})
	require.NoError(t, Execute(txn))
	require.Equal(t, model.Value("current"), txn.Keys["dst"].NewValue)
}

func TestExecute_AddAccumulatesOnBufferedValue(t *testing.T) {
	txn := codeTxn("SET n 10\nADD n 5", map[model.Key]model.KeyEntry{
		"n": {Type: model.Write},
	})
	require.NoError(t, Execute(txn))
	require.Equal(t, model.Value("15"), txn.Keys["n"].NewValue)
}

func TestExecute_AddOnUndeclaredKeyFails(t *testing.T) {
	txn := codeTxn("ADD n 5", map[model.Key]model.KeyEntry{})
	require.Error(t, Execute(txn))
}

func TestExecute_UnknownInstructionFails(t *testing.T) {
	txn := codeTxn("FROB a b", map[model.Key]model.KeyEntry{})
	require.Error(t, Execute(txn))
}

func TestExecute_BlankLinesAndWhitespaceIgnored(t *testing.T) {
	txn := codeTxn("\n  \nSET out v\n\n", map[model.Key]model.KeyEntry{
		"out": {Type: model.Write},
	})
	require.NoError(t, Execute(txn))
	require.Equal(t, model.Value("v"), txn.Keys["out"].NewValue)
}

func TestExecute_RemasterProcedureIsANoop(t *testing.T) {
	txn := model.NewTransaction(1, model.MachineID{})
	txn.Procedure = model.Procedure{Kind: model.ProcRemaster, NewMaster: 2}
	require.NoError(t, Execute(txn))
}
