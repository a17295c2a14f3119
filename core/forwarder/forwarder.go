// Package forwarder implements the Forwarder (spec.md section 4.2): it
// collects mastership metadata for every key of a newly admitted
// transaction, classifies it SINGLE_HOME vs MULTI_HOME_OR_LOCK_ONLY, and
// dispatches it to the Sequencer or the Multi-Home Orderer.
//
// Grounded on _examples/original_source/module/forwarder.h.
package forwarder

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slogdb/slog/core/lookup"
	"github.com/slogdb/slog/core/model"
)

// Sender is the thin dependency the Forwarder needs on the bus: send one
// envelope to one machine. Both in-process and cross-machine delivery
// satisfy this via pkg/bus.Router.Send.
type Sender interface {
	Send(to model.MachineID, channel model.ChannelID, payload interface{}) error
}

// pendingLookup accumulates the key ranges requested from one partition
// before the next batch flush.
type pendingLookup struct {
	keys map[model.Key]struct{}
}

// Forwarder is one module instance owning its state; mu guards that state
// because its methods are called from goroutines other than its Run loop.
type Forwarder struct {
	self       model.MachineID
	numPartitions uint32
	numReplicas   uint32
	bypassMHOrderer bool
	leaderPartitionForMH uint32
	batchDuration time.Duration

	sender Sender
	index  *lookup.Index
	logger *zap.Logger

	mu                  sync.Mutex
	pendingTransactions map[uint64]*model.Transaction
	pendingLookups      map[uint32]*pendingLookup // partition -> accumulated keys
	outstanding         map[uint64]int            // txn id -> outstanding lookup responses

	statBatchSizes     []int
	statBatchDurations []float64
}

// Config bundles a Forwarder's fixed parameters.
type Config struct {
	Self                 model.MachineID
	NumPartitions        uint32
	NumReplicas          uint32
	BypassMHOrderer      bool
	LeaderPartitionForMH uint32
	BatchDuration        time.Duration
}

// New creates a Forwarder.
func New(cfg Config, sender Sender, index *lookup.Index, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		self:                 cfg.Self,
		numPartitions:        cfg.NumPartitions,
		numReplicas:          cfg.NumReplicas,
		bypassMHOrderer:      cfg.BypassMHOrderer,
		leaderPartitionForMH: cfg.LeaderPartitionForMH,
		batchDuration:        cfg.BatchDuration,
		sender:               sender,
		index:                index,
		logger:               logger,
		pendingTransactions:  make(map[uint64]*model.Transaction),
		pendingLookups:       make(map[uint32]*pendingLookup),
		outstanding:          make(map[uint64]int),
	}
}

func partitionOf(key model.Key, numPartitions uint32) uint32 {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return h % numPartitions
}

// ForwardTransaction handles an admitted transaction (spec.md section 4.2,
// step 1): split its keys by partition and stage a LookUpMasterRequest for
// each, holding the txn until every response returns.
func (f *Forwarder) ForwardTransaction(txn *model.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pendingTransactions[txn.ID] = txn

	byPartition := make(map[uint32][]model.Key)
	for _, key := range txn.SortedKeys() {
		p := partitionOf(key, f.numPartitions)
		byPartition[p] = append(byPartition[p], key)
	}

	f.outstanding[txn.ID] = len(byPartition)
	for p, keys := range byPartition {
		pl, ok := f.pendingLookups[p]
		if !ok {
			pl = &pendingLookup{keys: make(map[model.Key]struct{})}
			f.pendingLookups[p] = pl
		}
		for _, k := range keys {
			pl.keys[k] = struct{}{}
		}
	}
}

// Run drives FlushLookups on batchDuration ticks until stop fires.
func (f *Forwarder) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(f.batchDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.FlushLookups()
		case <-stop:
			return
		}
	}
}

// FlushLookups is called every batchDuration (spec.md section 4.2, step 2)
// to send all accumulated LookUpMasterRequests.
func (f *Forwarder) FlushLookups() {
	f.mu.Lock()
	pending := f.pendingLookups
	f.pendingLookups = make(map[uint32]*pendingLookup)
	f.mu.Unlock()

	for partition, pl := range pending {
		if len(pl.keys) == 0 {
			continue
		}
		keys := make([]model.Key, 0, len(pl.keys))
		for k := range pl.keys {
			keys = append(keys, k)
		}
		to := model.MachineID{Replica: f.self.Replica, Partition: partition}
		req := model.LookUpMasterRequest{
			FromReplica:   f.self.Replica,
			FromPartition: f.self.Partition,
			Keys:          keys,
		}
		if err := f.sender.Send(to, model.ChannelForwarder, req); err != nil {
			f.logger.Warn("forwarder: failed to send lookup request", zap.Error(err), zap.Any("to", to))
		}
	}
}

// OnLookUpMasterRequest answers a remote LookUpMasterRequest using this
// partition's Lookup-Master Index (spec.md section 4.2, step 3). Unknown
// keys are reported with {master:0, counter:0} and also listed in NewKeys.
func (f *Forwarder) OnLookUpMasterRequest(req model.LookUpMasterRequest) model.LookUpMasterResponse {
	resp := model.LookUpMasterResponse{Metadata: make(map[model.Key]model.Metadata)}
	for _, key := range req.Keys {
		md, ok := f.index.Get(key)
		if !ok {
			resp.NewKeys = append(resp.NewKeys, key)
			resp.Metadata[key] = model.Metadata{}
			continue
		}
		resp.Metadata[key] = model.Metadata{Master: md.Master, Counter: md.Counter}
	}
	return resp
}

// OnLookUpMasterResponse merges returned metadata into every pending
// transaction that references one of the responded keys, and, once every
// outstanding lookup for a txn has returned, classifies and dispatches it
// (spec.md section 4.2, step 4-5). One response answers a batched request
// that may cover keys from several in-flight transactions.
func (f *Forwarder) OnLookUpMasterResponse(resp model.LookUpMasterResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()

	touched := make(map[uint64]bool)
	for txnID, txn := range f.pendingTransactions {
		matched := false
		for key, md := range resp.Metadata {
			entry, ok := txn.Keys[key]
			if !ok {
				continue
			}
			mdCopy := md
			entry.Metadata = &mdCopy
			txn.Keys[key] = entry
			matched = true
		}
		if matched {
			touched[txnID] = true
		}
	}

	for txnID := range touched {
		f.outstanding[txnID]--
		if f.outstanding[txnID] <= 0 {
			txn := f.pendingTransactions[txnID]
			delete(f.outstanding, txnID)
			delete(f.pendingTransactions, txnID)
			f.dispatch(txn)
		}
	}
}

// dispatch classifies a fully-looked-up transaction and routes it to the
// Sequencer (SH) or Multi-Home Orderer (MH), honoring bypass_mh_orderer
// (spec.md section 4.2, step 5).
func (f *Forwarder) dispatch(txn *model.Transaction) {
	typ := model.SetTransactionType(txn)
	model.ComputeInvolvedReplicas(txn)

	switch typ {
	case model.SingleHome:
		home := uint32(txn.Home)
		to := model.MachineID{Replica: home, Partition: f.self.Partition}
		if err := f.sender.Send(to, model.ChannelSequencer, model.ForwardTransaction{Txn: txn}); err != nil {
			f.logger.Warn("forwarder: failed to forward SH txn", zap.Error(err))
		}

	case model.MultiHomeOrLockOnly:
		if f.bypassMHOrderer {
			for _, lo := range model.PartitionByInvolvedReplicas(txn) {
				to := model.MachineID{Replica: uint32(lo.Home), Partition: f.self.Partition}
				if err := f.sender.Send(to, model.ChannelSequencer, model.ForwardTransaction{Txn: lo}); err != nil {
					f.logger.Warn("forwarder: failed to forward bypassed LO", zap.Error(err))
				}
			}
			return
		}
		to := model.MachineID{Replica: f.self.Replica, Partition: f.leaderPartitionForMH}
		if err := f.sender.Send(to, model.ChannelMHOrderer, model.ForwardTransaction{Txn: txn}); err != nil {
			f.logger.Warn("forwarder: failed to forward MH txn", zap.Error(err))
		}

	default:
		f.logger.Error("forwarder: txn classified as UNKNOWN after all lookups returned", zap.Uint64("txn_id", txn.ID))
	}
}

// Stats reports batching statistics (spec.md section 6).
func (f *Forwarder) Stats() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{
		"NUM_PENDING_TXNS": len(f.pendingTransactions),
		"BATCH_SIZES":      append([]int(nil), f.statBatchSizes...),
		"BATCH_DURATIONS_MS": append([]float64(nil), f.statBatchDurations...),
	}
}
