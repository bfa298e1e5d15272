// Package config decodes the per-tailer YAML configuration surface listed
// in spec.md §6. The enclosing process (out of scope for the core) loads
// this once per shard and constructs a tailer.Tailer from it.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/oplogmirror/tailer/internal/storage"
)

// Config is one shard's tailer configuration.
type Config struct {
	// PrimaryConn is the DSN of the shard's primary node.
	PrimaryConn string `yaml:"primary_conn"`
	// MongosAddress is the connection string of the routing front-end.
	MongosAddress string `yaml:"mongos_address"`
	// OplogColl is the oplog collection name on PrimaryConn, normally
	// "local.oplog.rs".
	OplogColl string `yaml:"oplog_coll"`
	// IsSharded gates whether this tailer runs at all; per spec.md §6 and
	// §9, standalone (non-sharded) support is not implemented.
	IsSharded bool `yaml:"is_sharded"`
	// OplogFile is the path to the shared checkpoint file. Empty disables
	// local persistence (the tailer still runs, but every start begins with
	// a fresh cold dump, since no checkpoint is ever read back).
	OplogFile string `yaml:"oplog_file"`
	// NamespaceSet is the set of db.coll strings eligible for cold dump.
	NamespaceSet []string `yaml:"namespace_set"`

	// Sink configures the secondary-store adapter.
	Sink SinkConfig `yaml:"sink"`
	// Archive optionally uploads a gzip-compressed copy of the checkpoint
	// file to a remote Storage backend after every cold start, for disaster
	// recovery.
	Archive storage.Config `yaml:"archive"`

	// StreamPollInterval is the STREAM/COMMIT cycle's inter-cycle sleep
	// (spec.md §4.6's "≈2s").
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
	// ResolverBackoff is the Document Resolver's retry backoff (spec.md
	// §4.3's "≈1s").
	ResolverBackoff time.Duration `yaml:"resolver_backoff"`
}

// SinkConfig configures the concrete secondary-store adapter.
type SinkConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
}

// Defaults fills in the timing fields spec.md's design notes call out, for
// configs that leave them zero.
func (c *Config) Defaults() {
	if c.StreamPollInterval == 0 {
		c.StreamPollInterval = 2 * time.Second
	}
	if c.ResolverBackoff == 0 {
		c.ResolverBackoff = time.Second
	}
	if c.OplogColl == "" {
		c.OplogColl = "local.oplog.rs"
	}
}

// Load reads and decodes a Config from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "decode config file")
	}
	c.Defaults()
	return c, nil
}
