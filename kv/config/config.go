package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string `toml:"log-level"`
	Engine   Engine `toml:"engine"`
	Swap     Swap   `toml:"swap"`
}

// Engine configures the badger database backing the block store.
type Engine struct {
	DBPath         string `toml:"db-path"`         // Directory to store the data in. Should exist and be writable.
	ValueThreshold int    `toml:"value-threshold"` // If value size >= this threshold, only store value offsets in tree.
	NumCompactors  int    `toml:"num-compactors"`
	SyncWrite      bool   `toml:"sync-write"`
}

// Swap configures how records are framed and written.
type Swap struct {
	// Records are padded to a whole number of sectors.
	SectorSize Size `toml:"sector-size"`
	// Payloads larger than this are compressed.
	CompressThreshold Size   `toml:"compress-threshold"`
	Compression       string `toml:"compression"` // "lz4" or "none"
	// Largest record, before or after decompression, that may be read back.
	MaxRecordSize Size `toml:"max-record-size"`
	// Sectors per second the background flusher may write; 0 disables throttling.
	Rate       int64 `toml:"rate"`
	QueueDepth int   `toml:"queue-depth"`
}

// Size is a byte count that reads from TOML either as an integer or as a human string such as "4KiB".
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Annotatef(err, "config: bad size %q", text)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

func (c *Config) Validate() error {
	if c.Swap.SectorSize < 64 {
		return fmt.Errorf("sector size must be at least 64 bytes")
	}
	if c.Swap.SectorSize&(c.Swap.SectorSize-1) != 0 {
		return fmt.Errorf("sector size must be a power of two")
	}
	switch c.Swap.Compression {
	case "lz4", "none":
	default:
		return fmt.Errorf("unknown compression %q", c.Swap.Compression)
	}
	if c.Swap.MaxRecordSize < c.Swap.SectorSize {
		return fmt.Errorf("max record size must be at least one sector")
	}
	if c.Swap.Rate < 0 {
		return fmt.Errorf("swap rate must not be negative")
	}
	if c.Swap.QueueDepth <= 0 {
		return fmt.Errorf("swap queue depth must be greater than 0")
	}
	if c.Swap.CompressThreshold < c.Swap.SectorSize {
		log.Warnf("compress threshold %v is below the sector size %v, small records will be compressed too",
			c.Swap.CompressThreshold, c.Swap.SectorSize)
	}
	return nil
}

const (
	KB int64 = 1024
	MB int64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Engine: Engine{
			DBPath:         "/tmp/tinyobj",
			ValueThreshold: 256,
			NumCompactors:  1,
			SyncWrite:      true,
		},
		Swap: Swap{
			SectorSize:        Size(512),
			CompressThreshold: Size(4 * KB),
			Compression:       "lz4",
			MaxRecordSize:     Size(64 * MB),
			Rate:              0,
			QueueDepth:        128,
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel: getLogLevel(),
		Engine: Engine{
			DBPath:         "/tmp/tinyobj-test",
			ValueThreshold: 256,
			NumCompactors:  1,
			SyncWrite:      false,
		},
		Swap: Swap{
			SectorSize:        Size(128),
			CompressThreshold: Size(256),
			Compression:       "lz4",
			MaxRecordSize:     Size(1 * MB),
			Rate:              0,
			QueueDepth:        16,
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, errors.Annotatef(err, "config: load %s", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}
