package snapshot

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

// DefaultName is the save name used when none is given.
const DefaultName = "autosave"

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidName      = errors.New("invalid snapshot name")
)

// Storage persists encoded snapshots under a save name.
// Implementations replace existing saves atomically and keep the previous image as backup where
// the medium allows it.
type Storage interface {
	// Store saves data under name, replacing any existing save.
	Store(ctx context.Context, name string, data []byte) error

	// Load retrieves the save stored under name. Returns ErrSnapshotNotFound if there is none.
	Load(ctx context.Context, name string) ([]byte, error)

	// List returns the names of all saves in lexical order.
	List(ctx context.Context) ([]string, error)

	// Delete removes the save stored under name along with its backup.
	Delete(ctx context.Context, name string) error
}

// Info describes a stored save.
type Info struct {
	Name      string
	Tick      uint64
	Timestamp time.Time
	Size      int
}

// Describe loads every save in storage and returns its header metadata. Saves that fail to parse
// are skipped.
func Describe(ctx context.Context, storage Storage) ([]Info, error) {
	names, err := storage.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list snapshots")
	}
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		data, err := storage.Load(ctx, name)
		if err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				continue // Deleted between List and Load
			}
			return nil, eris.Wrapf(err, "failed to load snapshot %q", name)
		}
		header, err := DecodeHeader(data)
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: name, Tick: header.Tick, Timestamp: header.Timestamp, Size: len(data)})
	}
	return infos, nil
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,63}$`)

// ValidateName checks that name is safe to use as a file name, a Redis key suffix and an object
// name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return eris.Wrapf(ErrInvalidName, "%q must be 1-64 letters, digits, '-' or '_'", name)
	}
	return nil
}

// StorageType defines the type of snapshot storage to use.
type StorageType uint8

const (
	StorageTypeUndefined StorageType = iota
	StorageTypeNop
	StorageTypeFile
	StorageTypeRedis
	StorageTypeJetStream
)

const (
	nopStorageString       = "NOP"
	fileStorageString      = "FILE"
	redisStorageString     = "REDIS"
	jetStreamStorageString = "JETSTREAM"
	undefinedStorageString = "UNDEFINED"
)

func (s StorageType) String() string {
	switch s {
	case StorageTypeUndefined:
		return undefinedStorageString
	case StorageTypeNop:
		return nopStorageString
	case StorageTypeFile:
		return fileStorageString
	case StorageTypeRedis:
		return redisStorageString
	case StorageTypeJetStream:
		return jetStreamStorageString
	default:
		return undefinedStorageString
	}
}

func (s StorageType) IsValid() bool {
	return s >= StorageTypeNop && s <= StorageTypeJetStream
}

func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToUpper(s) {
	case nopStorageString:
		return StorageTypeNop, nil
	case fileStorageString:
		return StorageTypeFile, nil
	case redisStorageString:
		return StorageTypeRedis, nil
	case jetStreamStorageString:
		return StorageTypeJetStream, nil
	default:
		return StorageTypeUndefined, eris.Errorf("invalid snapshot storage type: %s", s)
	}
}

// -------------------------------------------------------------------------------------------------
// Config
// -------------------------------------------------------------------------------------------------

// Config selects and configures a storage backend from environment variables.
type Config struct {
	// Storage backend, one of "nop", "file", "redis" or "jetstream".
	Storage string `env:"SIM_SNAPSHOT_STORAGE" envDefault:"file"`

	// Directory for the file backend.
	Dir string `env:"SIM_SNAPSHOT_DIR" envDefault:"saves"`

	// Save name used by the autosave.
	Name string `env:"SIM_SNAPSHOT_NAME" envDefault:"autosave"`

	// Redis address for the redis backend.
	RedisAddress string `env:"SIM_REDIS_ADDRESS" envDefault:"localhost:6379"`

	// Key prefix for the redis backend.
	RedisPrefix string `env:"SIM_REDIS_PREFIX" envDefault:"openpower:snapshot"`

	// NATS URL for the jetstream backend.
	NatsURL string `env:"SIM_NATS_URL" envDefault:"nats://localhost:4222"`

	// Object store bucket for the jetstream backend.
	Bucket string `env:"SIM_SNAPSHOT_BUCKET" envDefault:"openpower_snapshots"`
}

// LoadConfig loads the storage configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse snapshot config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate snapshot config")
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	typ, err := ParseStorageType(cfg.Storage)
	if err != nil {
		return err
	}
	if err := ValidateName(cfg.Name); err != nil {
		return err
	}
	switch typ {
	case StorageTypeFile:
		if cfg.Dir == "" {
			return eris.New("snapshot dir cannot be empty for file storage")
		}
	case StorageTypeRedis:
		if cfg.RedisAddress == "" {
			return eris.New("redis address cannot be empty for redis storage")
		}
	case StorageTypeJetStream:
		if cfg.NatsURL == "" || cfg.Bucket == "" {
			return eris.New("nats url and bucket cannot be empty for jetstream storage")
		}
	case StorageTypeNop, StorageTypeUndefined:
	}
	return nil
}

// Open creates the storage backend selected by cfg. The returned close function releases any
// connection the backend holds.
func Open(ctx context.Context, cfg Config) (Storage, func() error, error) {
	typ, err := ParseStorageType(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	nop := func() error { return nil }

	switch typ {
	case StorageTypeNop:
		return NewNopStorage(), nop, nil
	case StorageTypeFile:
		s, err := NewFileStorage(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, nop, nil
	case StorageTypeRedis:
		s, err := NewRedisStorage(ctx, RedisStorageOptions{Address: cfg.RedisAddress, Prefix: cfg.RedisPrefix})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case StorageTypeJetStream:
		s, err := NewJetStreamStorage(ctx, JetStreamStorageOptions{URL: cfg.NatsURL, Bucket: cfg.Bucket})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case StorageTypeUndefined:
	}
	return nil, nil, eris.Errorf("unsupported snapshot storage type: %s", typ)
}
