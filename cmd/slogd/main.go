// Command slogd runs one slogdb node: the client-facing Server, Forwarder,
// Sequencer, Multi-Home Orderer (on the replica's designated leader
// partition), Interleaver and Scheduler for one (replica, partition) of a
// statically configured deployment.
//
// Grounded on cmd/gojodb_server/main.go: flag-configured, zap-logged,
// signal-driven startup of a fixed module set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slogdb/slog/config/certs"
	"github.com/slogdb/slog/core/consensus"
	"github.com/slogdb/slog/core/forwarder"
	"github.com/slogdb/slog/core/interleaver"
	"github.com/slogdb/slog/core/mhorderer"
	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/core/scheduler"
	"github.com/slogdb/slog/core/sequencer"
	"github.com/slogdb/slog/core/server"
	"github.com/slogdb/slog/core/storage"
	"github.com/slogdb/slog/pkg/bus"
	"github.com/slogdb/slog/pkg/config"
	"github.com/slogdb/slog/pkg/logger"
	"github.com/slogdb/slog/pkg/metrics"
)

var (
	configPath = flag.String("config", "slogd.yaml", "path to the deployment topology YAML")
	replicaNum = flag.Uint("replica", 0, "this node's replica index")
	partNum    = flag.Uint("partition", 0, "this node's partition index")
	dataDir    = flag.String("data_dir", "/tmp/slogd", "directory for this node's raft logs/snapshots")
	bootstrap  = flag.Bool("bootstrap", false, "bootstrap the local raft group on this node")
)

// routerSender adapts *bus.Router to the Sender interfaces the Forwarder,
// Scheduler and Worker modules depend on.
type routerSender struct {
	router *bus.Router
	self   model.MachineID
}

func (s routerSender) Send(to model.MachineID, channel model.ChannelID, payload interface{}) error {
	return s.router.Send(bus.NewEnvelope(s.self, to, channel, payload))
}

// fanout broadcasts batch data and batch orders to every machine's
// Interleaver, satisfying both sequencer.Replicator and
// mhorderer.Broadcaster: every replica keeps a full copy of the data, so
// every machine's Interleaver must see every batch that touches it.
type fanout struct {
	router   *bus.Router
	self     model.MachineID
	machines []model.MachineID
}

func (f fanout) ReplicateBatch(batch *model.Batch) error {
	var firstErr error
	for _, m := range f.machines {
		env := bus.NewEnvelope(f.self, m, model.ChannelInterleaver, model.ForwardBatch{BatchData: batch})
		if err := f.router.Send(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanout) BroadcastBatchOrder(order model.BatchOrder) error {
	var firstErr error
	for _, m := range f.machines {
		env := bus.NewEnvelope(f.self, m, model.ChannelInterleaver, model.ForwardBatch{BatchOrder: &order})
		if err := f.router.Send(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func localQueueID(self model.MachineID) uint64 {
	return uint64(self.Replica)<<32 | uint64(self.Partition)
}

// registerChannels wires every module's bus inbox to the handler that drives
// it, one goroutine per channel. This is the dispatch table spec.md section
// 9 leaves implicit in its per-module message lists.
func registerChannels(
	router *bus.Router,
	self model.MachineID,
	fwd *forwarder.Forwarder,
	seq *sequencer.Sequencer,
	mhOrderer *mhorderer.Orderer,
	il *interleaver.Interleaver,
	sched *scheduler.Scheduler,
	srv *server.Server,
	log *zap.Logger,
) {
	sender := routerSender{router: router, self: self}

	fwdInbox := router.RegisterChannel(model.ChannelForwarder)
	go func() {
		for env := range fwdInbox {
			switch msg := env.Payload.(type) {
			case model.LookUpMasterRequest:
				resp := fwd.OnLookUpMasterRequest(msg)
				to := model.MachineID{Replica: msg.FromReplica, Partition: msg.FromPartition}
				if err := sender.Send(to, model.ChannelForwarder, resp); err != nil {
					log.Warn("dispatch: failed to answer lookup request", zap.Error(err))
				}
			case model.LookUpMasterResponse:
				fwd.OnLookUpMasterResponse(msg)
			default:
				log.Error("dispatch: unexpected payload on forwarder channel", zap.Any("payload", env.Payload))
			}
		}
	}()

	seqInbox := router.RegisterChannel(model.ChannelSequencer)
	go func() {
		for env := range seqInbox {
			if msg, ok := env.Payload.(model.ForwardTransaction); ok {
				seq.Enqueue(msg.Txn)
			} else {
				log.Error("dispatch: unexpected payload on sequencer channel", zap.Any("payload", env.Payload))
			}
		}
	}()

	mhInbox := router.RegisterChannel(model.ChannelMHOrderer)
	go func() {
		for env := range mhInbox {
			if msg, ok := env.Payload.(model.ForwardTransaction); ok {
				mhOrderer.Enqueue(msg.Txn)
			} else {
				log.Error("dispatch: unexpected payload on mhorderer channel", zap.Any("payload", env.Payload))
			}
		}
	}()

	ilInbox := router.RegisterChannel(model.ChannelInterleaver)
	go func() {
		for env := range ilInbox {
			batch, ok := env.Payload.(model.ForwardBatch)
			if !ok {
				log.Error("dispatch: unexpected payload on interleaver channel", zap.Any("payload", env.Payload))
				continue
			}
			if batch.BatchData != nil {
				il.StoreBatch(batch.BatchData.QueueID, batch.BatchData)
				il.AddBatchId(batch.BatchData.QueueID, batch.BatchData.Position, batch.BatchData.ID)
			}
			if batch.BatchOrder != nil {
				il.AddSlot(batch.BatchOrder.Slot, batch.BatchOrder.QueueID)
			}
			il.Drain(sched.HandleTransaction)
		}
	}()

	for i := 0; i < sched.NumWorkers(); i++ {
		workerInbox := router.RegisterChannel(model.ChannelWorkerBase + model.ChannelID(i))
		go func() {
			for env := range workerInbox {
				if msg, ok := env.Payload.(model.RemoteReadResult); ok {
					sched.OnRemoteReadResult(msg)
				} else {
					log.Error("dispatch: unexpected payload on worker channel", zap.Any("payload", env.Payload))
				}
			}
		}()
	}

	srvInbox := router.RegisterChannel(model.ChannelServer)
	go func() {
		for env := range srvInbox {
			if msg, ok := env.Payload.(model.CompletedTransaction); ok {
				srv.OnCompletedTransaction(msg)
			} else {
				log.Error("dispatch: unexpected payload on server channel", zap.Any("payload", env.Payload))
			}
		}
	}()
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "slogd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	self := model.MachineID{Replica: uint32(*replicaNum), Partition: uint32(*partNum)}

	baseLogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer baseLogger.Sync()
	log := logger.ForModule(baseLogger, "slogd", self)

	promReg := prometheus.NewRegistry()
	metricsReg, err := metrics.NewRegistry(promReg)
	if err != nil {
		return err
	}
	defer metricsReg.Shutdown(context.Background())

	peers, err := cfg.PeerAddresses(self)
	if err != nil {
		return err
	}
	broker := bus.NewBroker(self, peers, logger.ForModule(baseLogger, "broker", self))
	router := bus.NewRouter(self, broker, logger.ForModule(baseLogger, "bus", self))
	broker.AttachRouter(router)

	if cfg.TLSCertDir != "" {
		serverTLS, clientTLS := certs.LoadCerts(cfg.TLSCertDir)
		broker.SetTLS(serverTLS, clientTLS)
	}

	brokerAddr, err := cfg.BrokerAddress(self)
	if err != nil {
		return err
	}
	if err := broker.Listen(brokerAddr); err != nil {
		return err
	}
	defer broker.Close()

	store := storage.New()
	sender := routerSender{router: router, self: self}
	machines := cfg.AllMachines()
	bcast := fanout{router: router, self: self, machines: machines}

	schedCfg := scheduler.Config{Self: self, NumPartitions: cfg.NumPartitions, NumWorkers: cfg.NumWorkers}
	sched := scheduler.New(schedCfg, sender, store, logger.ForModule(baseLogger, "scheduler", self))
	sched.SetMetrics(metricsReg)

	fwdCfg := forwarder.Config{
		Self:                 self,
		NumPartitions:        cfg.NumPartitions,
		NumReplicas:          cfg.NumReplicas(),
		BypassMHOrderer:      cfg.BypassMHOrderer,
		LeaderPartitionForMH: cfg.LeaderPartitionForMultiHomeOrdering,
		BatchDuration:        cfg.ForwarderBatchDuration,
	}
	fwd := forwarder.New(fwdCfg, sender, sched.Index(), logger.ForModule(baseLogger, "forwarder", self))

	il := interleaver.New(self.Replica)
	il.SetMetrics(metricsReg)

	localRaftDir := filepath.Join(*dataDir, "local")
	localAddr, err := localBrokerPartitionRaftAddr(cfg, self)
	if err != nil {
		return err
	}
	queueID := localQueueID(self)
	localPaxos, err := consensus.NewInstance(consensus.Config{
		LocalID:   fmt.Sprintf("r%d-p%d-local", self.Replica, self.Partition),
		BindAddr:  localAddr,
		DataDir:   localRaftDir,
		Bootstrap: true,
		Peers: []raft.Server{{
			ID:      raft.ServerID(fmt.Sprintf("r%d-p%d-local", self.Replica, self.Partition)),
			Address: raft.ServerAddress(localAddr),
		}},
		OnCommit: func(slot uint64, value []byte) {
			qID, _ := sequencer.DecodeBatchID(value)
			il.AddSlot(slot, qID)
		},
	}, logger.ForModule(baseLogger, "local-paxos", self))
	if err != nil {
		return fmt.Errorf("slogd: start local paxos: %w", err)
	}
	defer localPaxos.Shutdown()

	seq := sequencer.New(queueID, cfg.SequencerBatchDuration, localPaxos, bcast, logger.ForModule(baseLogger, "sequencer", self))
	seq.SetMetrics(metricsReg)

	isMHLeader := self.Partition == cfg.LeaderPartitionForMultiHomeOrdering && !cfg.BypassMHOrderer
	var mhProposer *consensus.Instance
	var mhOrdererRef *mhorderer.Orderer
	if isMHLeader {
		globalAddr, err := globalRaftAddr(cfg, self)
		if err != nil {
			return err
		}
		var peerList []raft.Server
		for r := uint32(0); r < cfg.NumReplicas(); r++ {
			addr, err := globalRaftAddr(cfg, model.MachineID{Replica: r, Partition: cfg.LeaderPartitionForMultiHomeOrdering})
			if err != nil {
				return err
			}
			peerList = append(peerList, raft.Server{
				ID:      raft.ServerID(fmt.Sprintf("r%d-global", r)),
				Address: raft.ServerAddress(addr),
			})
		}
		mhProposer, err = consensus.NewInstance(consensus.Config{
			LocalID:   fmt.Sprintf("r%d-global", self.Replica),
			BindAddr:  globalAddr,
			DataDir:   filepath.Join(*dataDir, "global"),
			Bootstrap: *bootstrap,
			Peers:     peerList,
			OnCommit: func(slot uint64, value []byte) {
				if mhOrdererRef != nil {
					mhOrdererRef.OnGlobalCommit(slot, mhorderer.DecodeBatchID(value))
				}
			},
		}, logger.ForModule(baseLogger, "global-paxos", self))
		if err != nil {
			return fmt.Errorf("slogd: start global paxos: %w", err)
		}
		defer mhProposer.Shutdown()
	}

	mhOrderer := mhorderer.New(self, isMHLeader, cfg.SequencerBatchDuration, mhProposer, bcast, logger.ForModule(baseLogger, "mhorderer", self))
	mhOrderer.SetMetrics(metricsReg)
	mhOrdererRef = mhOrderer

	srv := server.New(self, fwd, logger.ForModule(baseLogger, "server", self))

	stop := make(chan struct{})
	registerChannels(router, self, fwd, seq, mhOrderer, il, sched, srv, logger.ForModule(baseLogger, "dispatch", self))

	// group supervises every long-running module loop this node hosts; a
	// module goroutine returning a non-nil error tears down the rest via
	// group's shared context instead of leaking them past shutdown.
	group, groupCtx := errgroup.WithContext(context.Background())
	group.Go(func() error { fwd.Run(stop); return nil })
	group.Go(func() error { seq.Run(stop); return nil })
	if isMHLeader {
		group.Go(func() error { mhOrderer.Run(stop); return nil })
	}

	httpAddr, err := httpServerAddr(cfg, self)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/", srv.HTTPHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: httpAddr, Handler: mux}
	group.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	log.Info("slogd started", zap.String("broker_addr", brokerAddr), zap.String("http_addr", httpAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-groupCtx.Done():
		log.Error("a module loop exited unexpectedly, shutting down", zap.Error(context.Cause(groupCtx)))
	}

	close(stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
	return group.Wait()
}

func localBrokerPartitionRaftAddr(cfg *config.Config, self model.MachineID) (string, error) {
	if int(self.Replica) >= len(cfg.Replicas) {
		return "", fmt.Errorf("slogd: unknown replica %d", self.Replica)
	}
	parts := cfg.Replicas[self.Replica].Partitions
	if int(self.Partition) >= len(parts) {
		return "", fmt.Errorf("slogd: unknown partition %d", self.Partition)
	}
	return parts[self.Partition].LocalRaftAddr, nil
}

func globalRaftAddr(cfg *config.Config, m model.MachineID) (string, error) {
	if int(m.Replica) >= len(cfg.Replicas) {
		return "", fmt.Errorf("slogd: unknown replica %d", m.Replica)
	}
	parts := cfg.Replicas[m.Replica].Partitions
	if int(m.Partition) >= len(parts) {
		return "", fmt.Errorf("slogd: unknown partition %d", m.Partition)
	}
	return parts[m.Partition].GlobalRaftAddr, nil
}

func httpServerAddr(cfg *config.Config, self model.MachineID) (string, error) {
	if int(self.Replica) >= len(cfg.Replicas) {
		return "", fmt.Errorf("slogd: unknown replica %d", self.Replica)
	}
	parts := cfg.Replicas[self.Replica].Partitions
	if int(self.Partition) >= len(parts) {
		return "", fmt.Errorf("slogd: unknown partition %d", self.Partition)
	}
	return fmt.Sprintf(":%d", parts[self.Partition].ServerPort), nil
}
