// Package server implements the Server module (spec.md section 4, the
// client-facing coordinator): it accepts a ClientTransaction over HTTP,
// hands it to the Forwarder, and blocks the HTTP response until the
// transaction's CompletedTransaction envelope comes back.
//
// Grounded on the teacher's api/basic service: a net/http handler decoding
// an APIRequest with encoding/json and encoding an APIResponse back
// (_examples/sushant-115-gojodb/api/basic/main.go), generalized from the
// teacher's single-node command protocol to SLOG's txn submission/result
// round trip.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
)

// Forwarder is the in-process dependency that admits a freshly assigned
// transaction into the pipeline.
type Forwarder interface {
	ForwardTransaction(txn *model.Transaction)
}

// Server is this machine's client-facing coordinator. Any partition can
// run one; spec.md does not require a distinguished coordinator replica.
type Server struct {
	self      model.MachineID
	forwarder Forwarder
	logger    *zap.Logger

	nextSeq uint64

	mu      sync.Mutex
	pending map[uint64]*pendingSubmission
}

// pendingSubmission accumulates one client txn's participant completions.
// A multi-home transaction is independently executed by every involved
// replica's Scheduler/Worker, each reporting its own LO result back to the
// coordinating server; the client is only unblocked once every expected
// participant has been folded in via model.MergeTransaction (spec.md
// section 4, "Propagation").
type pendingSubmission struct {
	ch       chan *model.Transaction
	merged   *model.Transaction
	expected int // 0 until the first completion reports InvolvedReplicas
	received int
}

// New creates a Server bound to this machine's Forwarder.
func New(self model.MachineID, forwarder Forwarder, logger *zap.Logger) *Server {
	return &Server{
		self:      self,
		forwarder: forwarder,
		logger:    logger,
		pending:   make(map[uint64]*pendingSubmission),
	}
}

// nextTxnID stamps a machine-unique, globally-unique transaction id: the
// top 16 bits hold this replica, the next 16 bits this partition, and the
// low 32 bits are a per-machine monotonic sequence.
func (s *Server) nextTxnID() uint64 {
	seq := atomic.AddUint64(&s.nextSeq, 1)
	return (uint64(s.self.Replica) << 48) | (uint64(s.self.Partition) << 32) | (seq & 0xFFFFFFFF)
}

// Submit admits a client transaction and blocks until it completes or ctx
// is done (spec.md section 4.2 step 1 through section 4.9's FINISH).
func (s *Server) Submit(ctx context.Context, req model.ClientTransaction) (model.ClientResult, error) {
	txn := model.NewTransaction(s.nextTxnID(), s.self)
	txn.Procedure = req.Procedure
	for _, k := range req.Keys {
		txn.Keys[k.Key] = model.KeyEntry{Type: k.Type, Value: k.Value}
	}

	done := make(chan *model.Transaction, 1)
	s.mu.Lock()
	s.pending[txn.ID] = &pendingSubmission{ch: done}
	s.mu.Unlock()

	s.forwarder.ForwardTransaction(txn)

	select {
	case completed := <-done:
		return toClientResult(completed), nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, txn.ID)
		s.mu.Unlock()
		return model.ClientResult{TxnID: txn.ID}, ctx.Err()
	}
}

// OnCompletedTransaction is the bus handler for model.ChannelServer: it
// folds one participant's result into the waiting Submit call's accumulated
// view, and resolves it once every expected participant has reported. A
// single-home transaction has exactly one participant; a multi-home
// transaction has one per entry in InvolvedReplicas, each of which reports
// its own LO result independently.
func (s *Server) OnCompletedTransaction(msg model.CompletedTransaction) {
	s.mu.Lock()
	p, ok := s.pending[msg.Txn.ID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("server: completed transaction with no waiting client", zap.Uint64("txn_id", msg.Txn.ID))
		return
	}

	p.merged = model.MergeTransaction(p.merged, msg.Txn)
	p.received++
	if p.expected == 0 {
		p.expected = len(msg.Txn.InvolvedReplicas)
		if p.expected == 0 {
			p.expected = 1
		}
	}

	var result *model.Transaction
	if p.received >= p.expected {
		delete(s.pending, msg.Txn.ID)
		result = p.merged
	}
	s.mu.Unlock()

	if result != nil {
		p.ch <- result
	}
}

func toClientResult(txn *model.Transaction) model.ClientResult {
	values := make(map[model.Key]model.Value, len(txn.Keys))
	for key, entry := range txn.Keys {
		if entry.Type == model.Read {
			values[key] = entry.Value
		}
	}
	return model.ClientResult{
		TxnID:       txn.ID,
		Status:      txn.Status,
		AbortReason: txn.AbortReason,
		Values:      values,
	}
}

// httpClientKey/httpClientTxn/httpResult mirror model.ClientKey/
// ClientTransaction/ClientResult as plain JSON shapes; kept distinct from
// the model types so the wire schema can evolve independently of the
// pipeline's internal representation.
type httpClientKey struct {
	Key   string `json:"key"`
	Write bool   `json:"write"`
	Value string `json:"value,omitempty"`
}

type httpClientTxn struct {
	Keys      []httpClientKey `json:"keys"`
	Procedure string          `json:"procedure,omitempty"`
	Remaster  *int32          `json:"remaster_to,omitempty"`
}

type httpResult struct {
	TxnID       uint64            `json:"txn_id"`
	Status      string            `json:"status"`
	AbortReason string            `json:"abort_reason,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
}

// HTTPHandler exposes Submit as a net/http.Handler: POST a httpClientTxn,
// receive a httpResult, mirroring the teacher's APIRequest/APIResponse
// JSON-over-HTTP shape.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", s.handleSubmit)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var req httpClientTxn
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	client := model.ClientTransaction{}
	if req.Remaster != nil {
		client.Procedure = model.Procedure{Kind: model.ProcRemaster, NewMaster: uint32(*req.Remaster)}
	} else {
		client.Procedure = model.Procedure{Kind: model.ProcCode, Code: req.Procedure}
	}
	for _, k := range req.Keys {
		typ := model.Read
		if k.Write {
			typ = model.Write
		}
		client.Keys = append(client.Keys, model.ClientKey{Key: k.Key, Type: typ, Value: []byte(k.Value)})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result, err := s.Submit(ctx, client)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	resp := httpResult{TxnID: result.TxnID, AbortReason: string(result.AbortReason)}
	switch result.Status {
	case model.Committed:
		resp.Status = "COMMITTED"
	case model.Aborted:
		resp.Status = "ABORTED"
	default:
		resp.Status = "UNKNOWN"
	}
	if len(result.Values) > 0 {
		resp.Values = make(map[string]string, len(result.Values))
		for k, v := range result.Values {
			resp.Values[k] = string(v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
