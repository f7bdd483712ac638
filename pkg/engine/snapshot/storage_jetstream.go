package snapshot

import (
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
)

const objectExt = ".opsn"

// JetStreamStorage implements Storage using a NATS JetStream ObjectStore.
type JetStreamStorage struct {
	os    jetstream.ObjectStore
	nc    *nats.Conn
	owned bool
}

var _ Storage = (*JetStreamStorage)(nil)

// NewJetStreamStorage creates a new JetStream ObjectStore-based snapshot storage. The bucket is
// created if it doesn't exist yet.
func NewJetStreamStorage(ctx context.Context, opts JetStreamStorageOptions) (*JetStreamStorage, error) {
	// Just parse the env here for now.
	var fromEnv jetStreamEnv
	if err := env.Parse(&fromEnv); err != nil {
		return nil, eris.Wrap(err, "failed to parse env")
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = fromEnv.MaxBytes
	}
	if err := opts.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid options passed")
	}

	nc, owned := opts.Conn, false
	if nc == nil {
		var err error
		nc, err = nats.Connect(opts.URL, nats.Name("openpower-snapshot"))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to connect to NATS at %s", opts.URL)
		}
		owned = true
	}
	closeOwned := func() {
		if owned {
			nc.Close()
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeOwned()
		return nil, eris.Wrap(err, "failed to create JetStream client")
	}

	if opts.MaxBytes > math.MaxInt64 {
		closeOwned()
		return nil, eris.New("snapshot storage max bytes exceeds maximum int64 value")
	}

	osConfig := jetstream.ObjectStoreConfig{
		Bucket:   opts.Bucket,
		MaxBytes: int64(opts.MaxBytes), // Required by some NATS providers like Synadia Cloud
	}
	os, err := js.CreateObjectStore(ctx, osConfig)
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			closeOwned()
			return nil, eris.Wrapf(err, "failed to create ObjectStore (bucket=%s, maxBytes=%d)",
				osConfig.Bucket, osConfig.MaxBytes)
		}
		// Bucket already exists, get the existing one.
		os, err = js.ObjectStore(ctx, opts.Bucket)
		if err != nil {
			closeOwned()
			return nil, eris.Wrapf(err, "failed to get existing ObjectStore (bucket=%s)", opts.Bucket)
		}
	}

	return &JetStreamStorage{os: os, nc: nc, owned: owned}, nil
}

func (j *JetStreamStorage) Store(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	// Keep the previous object as backup. Object puts replace atomically.
	prev, err := j.os.GetBytes(ctx, name+objectExt)
	switch {
	case err == nil:
		if _, err := j.os.PutBytes(ctx, name+objectExt+backupExt, prev); err != nil {
			return eris.Wrap(err, "failed to back up previous snapshot")
		}
	case !errors.Is(err, jetstream.ErrObjectNotFound):
		return eris.Wrap(err, "failed to read previous snapshot")
	}

	if _, err := j.os.PutBytes(ctx, name+objectExt, data); err != nil {
		return eris.Wrap(err, "failed to store snapshot in ObjectStore")
	}
	return nil
}

func (j *JetStreamStorage) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	object, err := j.os.Get(ctx, name+objectExt)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "no snapshot named %q", name)
		}
		return nil, eris.Wrap(err, "failed to get snapshot from ObjectStore")
	}
	defer func() {
		_ = object.Close()
	}()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read from object")
	}
	return data, nil
}

func (j *JetStreamStorage) List(ctx context.Context) ([]string, error) {
	objects, err := j.os.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, eris.Wrap(err, "failed to list ObjectStore")
	}
	names := make([]string, 0, len(objects))
	for _, info := range objects {
		name, ok := strings.CutSuffix(info.Name, objectExt)
		if !ok || ValidateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (j *JetStreamStorage) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	for _, object := range []string{name + objectExt, name + objectExt + backupExt} {
		if err := j.os.Delete(ctx, object); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
			return eris.Wrapf(err, "failed to delete %s", object)
		}
	}
	return nil
}

// Close closes the NATS connection if the storage opened it.
func (j *JetStreamStorage) Close() error {
	if j.owned {
		j.nc.Close()
	}
	return nil
}

// -------------------------------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------------------------------

type JetStreamStorageOptions struct {
	// Conn overrides URL when set. The storage does not close connections it didn't open.
	Conn   *nats.Conn
	URL    string
	Bucket string

	// Maximum bytes for snapshot storage (ObjectStore). Required by some NATS providers like Synadia Cloud.
	MaxBytes uint64
}

type jetStreamEnv struct {
	MaxBytes uint64 `env:"SIM_SNAPSHOT_STORAGE_MAX_BYTES" envDefault:"0"`
}

func (opt *JetStreamStorageOptions) Validate() error {
	if opt.Conn == nil && opt.URL == "" {
		return eris.New("NATS connection or URL must be set")
	}
	if opt.Bucket == "" {
		return eris.New("bucket cannot be empty")
	}
	// MaxBytes can be 0 which means unlimited storage. No need to validate here.
	return nil
}
