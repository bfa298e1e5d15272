// Package checkpoint implements the Checkpoint Store: a durable record of
// the last fully-applied log timestamp per shard, keyed by source-connection
// identity and persisted to a local file so that multiple shards can share
// one file (spec.md §4.2, §6).
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/mod/semver"

	"github.com/oplogmirror/tailer/internal/oplogts"
)

// schemaVersion is bumped whenever the on-disk record shape changes
// incompatibly. golang.org/x/mod/semver guards against silently misparsing
// a future, incompatible format.
const schemaVersion = "v1.0.0"

// record is the on-disk representation of one [key, encoded_ts] pair from
// spec.md §6's "flat sequence of [key_string, encoded_ts]" checkpoint file
// format.
type record struct {
	Key string `json:"key"`
	Ts  uint64 `json:"ts"`
}

type file struct {
	SchemaVersion string   `json:"schema_version"`
	Records       []record `json:"records"`
}

// Read returns the checkpoint for key in path, or ok=false if the file is
// absent, empty, malformed, schema-incompatible, or has no record for key.
// Per spec.md §4.2's failure semantics, every read failure is reported as
// "no checkpoint" rather than an error: a cold start is always a safe
// fallback, an unreported read error is not.
func Read(path, key string) (ts oplogts.Timestamp, ok bool) {
	f, loadErr := load(path)
	if loadErr != nil {
		return oplogts.Timestamp{}, false
	}
	for _, r := range f.Records {
		if r.Key == key {
			ts = oplogts.Decode(r.Ts)
			ok = true
		}
	}
	return ts, ok
}

// Write durably records ts for key in path. Any pre-existing record for key
// is replaced; all other keys' records are preserved verbatim so multiple
// shards can safely share one file, each writing only its own record. Write
// is atomic: the new content lands under a uuid-suffixed sibling temp file,
// which is then renamed over path.
func Write(path, key string, ts oplogts.Timestamp) error {
	f, err := load(path)
	if err != nil {
		// The existing file is missing or unreadable; spec.md §4.2 treats
		// this as "no checkpoint" on read, and on write we cannot safely
		// preserve content we could not parse, so we start fresh with just
		// this key.
		f = file{SchemaVersion: schemaVersion}
	}

	replaced := false
	for i := range f.Records {
		if f.Records[i].Key == key {
			f.Records[i].Ts = oplogts.Encode(ts)
			replaced = true
			break
		}
	}
	if !replaced {
		f.Records = append(f.Records, record{Key: key, Ts: oplogts.Encode(ts)})
	}
	f.SchemaVersion = schemaVersion

	return save(path, f)
}

func load(path string) (file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return file{}, errors.Wrap(err, "read checkpoint file")
	}
	if len(data) == 0 {
		return file{}, errors.New("empty checkpoint file")
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return file{}, errors.Wrap(err, "decode checkpoint file")
	}
	if f.SchemaVersion == "" || !semver.IsValid(f.SchemaVersion) {
		return file{}, errors.Errorf("checkpoint file has no valid schema_version: %q", f.SchemaVersion)
	}
	if semver.Major(f.SchemaVersion) != semver.Major(schemaVersion) {
		return file{}, errors.Errorf("checkpoint file schema %s is incompatible with %s", f.SchemaVersion, schemaVersion)
	}
	return f, nil
}

func save(path string, f file) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint file")
	}

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, filepath.Base(path)+"."+uuid.New().String()+".tmp")

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp checkpoint file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp checkpoint file into place")
	}
	return nil
}
