// Package config defines the node's on-disk/flag-bound configuration
// (spec.md §6's on-disk layout and the node's runtime parameters),
// following nireo-dcache/cmd/dcache/main.go's config struct and
// viper-backed file+flag merge, generalized from dcache's single serf/gRPC
// surface to this node's data dir, dual Raft groups, stream/admin secret,
// and TLS material.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nireo/raftsql/security"
)

// Config carries everything a node needs to start serving.
type Config struct {
	DataDir   string   `yaml:"data_dir"`
	NodeID    string   `yaml:"node_id"`
	RaftAddr  string   `yaml:"raft_addr"`
	HTTPAddr  string   `yaml:"http_addr"`
	Bootstrap bool     `yaml:"bootstrap"`
	JoinAddrs []string `yaml:"join_addrs"`

	APISecret  string `yaml:"api_secret"`
	RaftSecret string `yaml:"raft_secret"`

	CacheNames []string `yaml:"cache_names"`

	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `yaml:"election_timeout"`
	CommitTimeout    time.Duration `yaml:"commit_timeout"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	ServerTLS security.TLSConf `yaml:"server_tls"`
	PeerTLS   security.TLSConf `yaml:"peer_tls"`
}

// Default returns the configuration a fresh single-node cluster starts
// from, the values generate-config writes out for an operator to edit.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node-1"
	}
	return Config{
		DataDir:          "/var/lib/raftsql",
		NodeID:           hostname,
		RaftAddr:         "127.0.0.1:9000",
		HTTPAddr:         "127.0.0.1:9001",
		Bootstrap:        false,
		CacheNames:       []string{"default"},
		HeartbeatTimeout: 1 * time.Second,
		ElectionTimeout:  1 * time.Second,
		CommitTimeout:    50 * time.Millisecond,
		SnapshotInterval: 2 * time.Minute,
	}
}

// Load reads a YAML config file over Default(), returning Default()
// unchanged if path is empty or the file does not exist so callers can
// still rely on flag overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault renders Default() as YAML to path, the output of the
// generate-config subcommand.
func WriteDefault(path string) error {
	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
