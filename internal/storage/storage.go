// Package storage is this module's counterpart to the teacher's
// storage.Storage abstraction (referenced in pbm/restore/restore.go as
// `stg storage.Storage`, `stg.SourceReader(...)`, `stg.FileStat(...)`),
// repurposed here to archive a copy of the checkpoint file, taken after every
// cold start, to a durable off-box location.
package storage

import (
	"io"
	"time"
)

// FileInfo describes a stored object.
type FileInfo struct {
	Name string
	Size int64
}

// Storage is the archival backend contract. Implementations are optional:
// a Tailer configured without a Storage keeps its checkpoint only in the
// local `oplog_file`.
type Storage interface {
	// Save uploads data under name, overwriting any existing object.
	Save(name string, data io.Reader, size int64) error
	// SourceReader opens name for reading.
	SourceReader(name string) (io.ReadCloser, error)
	// FileStat returns metadata for name, or an error if it does not exist.
	FileStat(name string) (FileInfo, error)
}

// Name identifies which concrete backend a configuration selects.
type Name string

const (
	NameNone  Name = ""
	NameS3    Name = "s3"
	NameAzure Name = "azure"
	NameMinio Name = "minio"
)

// Config is the subset of dial options each backend needs. Not every field
// applies to every backend; unused fields are ignored.
type Config struct {
	Backend   Name          `yaml:"backend"`
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Region    string        `yaml:"region"`     // S3
	Endpoint  string        `yaml:"endpoint"`   // Minio, Azure (account URL), S3 (optional custom endpoint)
	AccessKey string        `yaml:"access_key"` // S3, Minio, Azure (account name)
	SecretKey string        `yaml:"secret_key"` // S3, Minio, Azure (account key)
	UseSSL    bool          `yaml:"use_ssl"`    // Minio
	Timeout   time.Duration `yaml:"timeout"`    // decoded but not applied by any backend
}

// New constructs the backend named by cfg.Backend. NameNone returns a nil
// Storage and no error; callers treat a nil Storage as "archival disabled".
func New(cfg Config) (Storage, error) {
	switch cfg.Backend {
	case NameNone:
		return nil, nil
	case NameS3:
		return newS3(cfg)
	case NameAzure:
		return newAzure(cfg)
	case NameMinio:
		return newMinio(cfg)
	default:
		return nil, errUnknownBackend(cfg.Backend)
	}
}

type errUnknownBackend Name

func (e errUnknownBackend) Error() string {
	return "storage: unknown backend " + string(e)
}
