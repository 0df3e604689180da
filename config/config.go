// Package config holds the run configuration: a YAML file overridden by
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notargets/meshdist/comm"
	"github.com/notargets/meshdist/fault"
	"github.com/notargets/meshdist/logging"
	"github.com/notargets/meshdist/mesh"
	"github.com/notargets/meshdist/partitions"
)

// Config describes one run of the pipeline.
//
// Without peers every rank runs in this process. With peers this process is
// rank Rank of a TCP world whose listen addresses are Peers, in rank order.
type Config struct {
	Mesh          string         `yaml:"mesh"`
	Ranks         int            `yaml:"ranks"`
	Rank          int            `yaml:"rank"`
	Peers         []string       `yaml:"peers"`
	DialTimeout   time.Duration  `yaml:"dial_timeout"`
	Partitioner   string         `yaml:"partitioner"`
	Compression   string         `yaml:"compression"`
	Output        string         `yaml:"output"`
	Verbose       bool           `yaml:"verbose"`
	MaxAllocBytes int64          `yaml:"max_alloc_bytes"`
	Log           logging.Config `yaml:"log"`
	S3            mesh.S3Options `yaml:"s3"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Mesh:        "usgdata",
		Ranks:       1,
		DialTimeout: comm.DefaultDialTimeout,
		Partitioner: partitions.CurrentPartition.String(),
		Compression: comm.CompressionNone.String(),
		Log:         logging.Config{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fault.Wrap(fault.KindConfig, "load config", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fault.Wrap(fault.KindConfig, "parse "+path, err)
	}
	return cfg, nil
}

// Distributed reports whether this process is one rank of a TCP world.
func (c *Config) Distributed() bool { return len(c.Peers) > 0 }

// WorldSize returns the number of ranks in the run.
func (c *Config) WorldSize() int {
	if c.Distributed() {
		return len(c.Peers)
	}
	return c.Ranks
}

// Strategy returns the configured partitioning strategy.
func (c *Config) Strategy() (partitions.PartitionStrategy, error) {
	return partitions.ParseStrategy(c.Partitioner)
}

// Codec returns the configured frame compression.
func (c *Config) Codec() (comm.Compression, error) {
	return comm.ParseCompression(c.Compression)
}

// Validate checks the configuration is runnable.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fault.Errorf(fault.KindConfig, "config", format, args...)
	}
	if c.Mesh == "" {
		return bad("mesh source is required")
	}
	if c.Distributed() {
		if c.Ranks > 1 && c.Ranks != len(c.Peers) {
			return bad("ranks is %d but %d peers are listed", c.Ranks, len(c.Peers))
		}
		if c.Rank < 0 || c.Rank >= len(c.Peers) {
			return bad("rank %d outside [0,%d)", c.Rank, len(c.Peers))
		}
		for i, p := range c.Peers {
			if strings.TrimSpace(p) == "" {
				return bad("peer %d has no address", i)
			}
		}
	} else if c.Ranks < 1 {
		return bad("need at least one rank, got %d", c.Ranks)
	}
	if c.DialTimeout < 0 {
		return bad("negative dial timeout %s", c.DialTimeout)
	}
	if c.MaxAllocBytes < 0 {
		return bad("negative max_alloc_bytes %d", c.MaxAllocBytes)
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	if _, err := c.Codec(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if strings.HasPrefix(c.Mesh, "s3://") && c.S3.Endpoint == "" {
		return bad("mesh %s needs s3.endpoint", c.Mesh)
	}
	return nil
}

// Parse builds the configuration from command-line arguments: defaults, then
// the file named by -config, then every flag that was set explicitly.
func Parse(name string, args []string, output io.Writer) (Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	def := Default()
	var (
		path        = fs.String("config", "", "YAML configuration file")
		meshPath    = fs.String("mesh", def.Mesh, "mesh source: a file path or s3://bucket/key")
		ranks       = fs.Int("ranks", def.Ranks, "number of in-process ranks")
		rank        = fs.Int("rank", 0, "this process's rank in a TCP world")
		peers       = fs.String("peers", "", "comma-separated listen addresses of every rank, in rank order")
		dialTimeout = fs.Duration("dial-timeout", def.DialTimeout, "time allowed to connect the TCP world")
		partitioner = fs.String("partitioner", def.Partitioner, "element partitioner: current, block, roundrobin or graph")
		compression = fs.String("compression", def.Compression, "frame compression: none, lz4 or zstd")
		out         = fs.String("output", "", "directory for per-rank mesh dumps")
		verbose     = fs.Bool("verbose", false, "log per-rank diagnostic tables")
		maxAlloc    = fs.Int64("max-alloc-bytes", 0, "largest buffer a count from the source may request (0 = unlimited)")
		logLevel    = fs.String("log-level", def.Log.Level, "log level: debug, info, warn or error")
		logFormat   = fs.String("log-format", def.Log.Format, "log format: text or json")
		s3Endpoint  = fs.String("s3-endpoint", "", "S3-compatible endpoint for s3:// sources")
	)
	if err := fs.Parse(args); err != nil {
		return def, fault.Wrap(fault.KindConfig, "flags", err)
	}

	cfg := def
	if *path != "" {
		var err error
		if cfg, err = Load(*path); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mesh":
			cfg.Mesh = *meshPath
		case "ranks":
			cfg.Ranks = *ranks
		case "rank":
			cfg.Rank = *rank
		case "peers":
			cfg.Peers = splitList(*peers)
		case "dial-timeout":
			cfg.DialTimeout = *dialTimeout
		case "partitioner":
			cfg.Partitioner = *partitioner
		case "compression":
			cfg.Compression = *compression
		case "output":
			cfg.Output = *out
		case "verbose":
			cfg.Verbose = *verbose
		case "max-alloc-bytes":
			cfg.MaxAllocBytes = *maxAlloc
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "s3-endpoint":
			cfg.S3.Endpoint = *s3Endpoint
		}
	})
	if cfg.S3.AccessKey == "" {
		cfg.S3.AccessKey = os.Getenv("MESHDIST_S3_ACCESS_KEY")
	}
	if cfg.S3.SecretKey == "" {
		cfg.S3.SecretKey = os.Getenv("MESHDIST_S3_SECRET_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) String() string {
	if c.Distributed() {
		return fmt.Sprintf("rank %d of %d over tcp, mesh %s, partitioner %s", c.Rank, len(c.Peers), c.Mesh, c.Partitioner)
	}
	return fmt.Sprintf("%d in-process ranks, mesh %s, partitioner %s", c.Ranks, c.Mesh, c.Partitioner)
}
