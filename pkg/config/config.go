// Package config loads and validates the static replica/partition topology
// and tuning knobs a slogdb node needs at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slogdb/slog/core/model"
	"github.com/slogdb/slog/pkg/logger"
)

// Protocol selects the broker transport. Only "tcp" is implemented; "ipc"
// is accepted for config compatibility with the original deployment format
// but is not supported: pkg/bus's Broker always uses TCP.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolIPC Protocol = "ipc"
)

// PartitionAddr is one partition's address within a replica.
type PartitionAddr struct {
	BrokerAddr     string `yaml:"broker_addr"`
	ServerPort     int    `yaml:"server_port"`
	LocalRaftAddr  string `yaml:"local_raft_addr"`
	GlobalRaftAddr string `yaml:"global_raft_addr"` // only meaningful on the replica's leader partition
}

// ReplicaConfig lists the ordered partition addresses for one replica.
type ReplicaConfig struct {
	Partitions []PartitionAddr `yaml:"partitions"`
}

// HashPartitioning configures how keys are mapped to partitions.
type HashPartitioning struct {
	PartitionKeyNumBytes int `yaml:"partition_key_num_bytes"`
}

// Config is the full static topology + tuning configuration for a
// deployment, loaded once at process start and shared read-only across
// modules (spec.md section 6, "Configuration").
type Config struct {
	Protocol    Protocol        `yaml:"protocol"`
	Replicas    []ReplicaConfig `yaml:"replicas"`
	NumPartitions uint32        `yaml:"num_partitions"`

	HashPartitioning HashPartitioning `yaml:"hash_partitioning"`

	SequencerBatchDuration time.Duration `yaml:"sequencer_batch_duration"`
	ForwarderBatchDuration time.Duration `yaml:"forwarder_batch_duration"`

	LeaderPartitionForMultiHomeOrdering uint32 `yaml:"leader_partition_for_multi_home_ordering"`
	BypassMHOrderer                     bool   `yaml:"bypass_mh_orderer"`

	ServerPort  int   `yaml:"server_port"`
	BrokerPorts []int `yaml:"broker_ports"`
	NumWorkers  int   `yaml:"num_workers"`

	// TLSCertDir, when set, points at a directory holding ca.crt,
	// server.crt/key, and client.crt/key (config/certs' layout); the broker
	// then requires mutual TLS on every peer connection instead of plain
	// TCP. Empty (the default) leaves the broker unencrypted.
	TLSCertDir string `yaml:"tls_cert_dir"`

	Logger logger.Config `yaml:"logger"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks basic well-formedness of the topology.
func (c *Config) Validate() error {
	if len(c.Replicas) == 0 {
		return fmt.Errorf("config: at least one replica is required")
	}
	for i, r := range c.Replicas {
		if uint32(len(r.Partitions)) != c.NumPartitions {
			return fmt.Errorf("config: replica %d has %d partitions, want %d", i, len(r.Partitions), c.NumPartitions)
		}
	}
	if c.SequencerBatchDuration <= 0 {
		c.SequencerBatchDuration = 10 * time.Millisecond
	}
	if c.ForwarderBatchDuration <= 0 {
		c.ForwarderBatchDuration = 10 * time.Millisecond
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
	return nil
}

// NumReplicas returns R, the number of replicas in the deployment.
func (c *Config) NumReplicas() uint32 {
	return uint32(len(c.Replicas))
}

// BrokerAddress returns the broker listen address for a given machine.
func (c *Config) BrokerAddress(m model.MachineID) (string, error) {
	if int(m.Replica) >= len(c.Replicas) {
		return "", fmt.Errorf("config: unknown replica %d", m.Replica)
	}
	parts := c.Replicas[m.Replica].Partitions
	if int(m.Partition) >= len(parts) {
		return "", fmt.Errorf("config: unknown partition %d in replica %d", m.Partition, m.Replica)
	}
	return parts[m.Partition].BrokerAddr, nil
}

// AllMachines enumerates every (replica, partition) pair in the deployment.
func (c *Config) AllMachines() []model.MachineID {
	var machines []model.MachineID
	for r, rc := range c.Replicas {
		for p := range rc.Partitions {
			machines = append(machines, model.MachineID{Replica: uint32(r), Partition: uint32(p)})
		}
	}
	return machines
}

// PeerAddresses builds the broker address book for every machine except
// `self`, as consumed by bus.NewBroker.
func (c *Config) PeerAddresses(self model.MachineID) (map[model.MachineID]string, error) {
	peers := make(map[model.MachineID]string)
	for _, m := range c.AllMachines() {
		if m == self {
			continue
		}
		addr, err := c.BrokerAddress(m)
		if err != nil {
			return nil, err
		}
		peers[m] = addr
	}
	return peers, nil
}
