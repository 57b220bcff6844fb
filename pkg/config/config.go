// Package config holds the plain configuration structs for the meta
// coordinator and compute nodes, loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MetaConfig configures the central meta coordinator (pkg/meta): catalog,
// id allocation, and the raft-replicated version chain.
type MetaConfig struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	// VNodeCount is the vnode partition count (default 256). It is loaded
	// but not read by any component: state tables take their count from
	// statetable.Schema.VNodeCount (default codec.DefaultVNodeCount).
	VNodeCount int `yaml:"vnode_count"`

	// IDBlockSize is loaded (default 64) but not read by any component: the
	// coordinator's Reserve hands out exactly the count each request names.
	IDBlockSize uint32 `yaml:"id_block_size"`
}

// DefaultMetaConfig mirrors the literal-default style of the teacher's
// manager.Config.
func DefaultMetaConfig() MetaConfig {
	return MetaConfig{
		BindAddr:    "127.0.0.1:7070",
		DataDir:     "./data/meta",
		VNodeCount:  256,
		IDBlockSize: 64,
	}
}

// ComputeConfig configures a compute node: its local version manager and
// shared-buffer thresholds.
type ComputeConfig struct {
	NodeID  string `yaml:"node_id"`
	DataDir string `yaml:"data_dir"`

	// FlushThresholdBytes: above this, unflushed buffer triggers flushes.
	FlushThresholdBytes uint64 `yaml:"flush_threshold_bytes"`
	// WriteBlockBytes: above this, new writes park until buffer drains.
	WriteBlockBytes uint64 `yaml:"write_block_bytes"`
	// WaitEpochTimeoutMS is loaded (default 10 s) but not read by any
	// component; the compute node has no wait_epoch operation.
	WaitEpochTimeoutMS int `yaml:"wait_epoch_timeout_ms"`
}

// DefaultComputeConfig mirrors the teacher's worker.Config literal-default
// style.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		DataDir:             "./data/compute",
		FlushThresholdBytes: 64 << 20,
		WriteBlockBytes:     256 << 20,
		WaitEpochTimeoutMS:  10_000,
	}
}

// LoadMetaConfig reads a YAML file into a MetaConfig, filling unset fields
// from DefaultMetaConfig.
func LoadMetaConfig(path string) (MetaConfig, error) {
	cfg := DefaultMetaConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read meta config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse meta config: %w", err)
	}
	return cfg, nil
}

// LoadComputeConfig reads a YAML file into a ComputeConfig, filling unset
// fields from DefaultComputeConfig.
func LoadComputeConfig(path string) (ComputeConfig, error) {
	cfg := DefaultComputeConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read compute config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse compute config: %w", err)
	}
	return cfg, nil
}
