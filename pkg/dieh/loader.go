// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// LoadStatus is the operator facing result of a configuration load.
type LoadStatus int

const (
	LoadOK LoadStatus = iota
	LoadInvalidPath
	LoadReadError
	LoadParseError
	LoadOutOfMemory
	LoadUpdateInProgress
	LoadGenericError
)

var loadStatusNames = []string{
	"ok",
	"invalid_path",
	"read_error",
	"parse_error",
	"out_of_memory",
	"update_already_in_progress",
	"generic_error",
}

func (s LoadStatus) String() string {
	if s < 0 || int(s) >= len(loadStatusNames) {
		return fmt.Sprintf("load_status(%d)", int(s))
	}
	return loadStatusNames[s]
}

func (s LoadStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	SourceDefault = "default"
	// registry sources look like nats-kv://<bucket>/<key>
	natsKVScheme = "nats-kv://"
)

// Loader loads whole tables into a Store. A failed load leaves the
// published table in place.
type Loader struct {
	store *Store
	js    nats.JetStreamContext
}

// NewLoader returns a Loader. js may be nil when no registry is used.
func NewLoader(store *Store, js nats.JetStreamContext) *Loader {
	return &Loader{store: store, js: js}
}

// Load reads source, which is "default" (or empty), a file path, or a
// nats-kv:// registry key, and publishes it.
func (l *Loader) Load(source string) (LoadStatus, error) {
	status, err := l.load(source)
	recordLoad(status)
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Str("source", source).Str("status", status.String()).Msg("dieh configuration load")
	return status, err
}

func (l *Loader) load(source string) (LoadStatus, error) {
	tbl, status, err := l.read(source)
	if err != nil {
		return status, err
	}
	if err := Validate(tbl); err != nil {
		return statusOf(err), err
	}

	tx, err := l.store.BeginUpdate()
	if err != nil {
		return LoadUpdateInProgress, err
	}
	tx.Reset()
	tx.SetSource(sourceLabel(source))
	tx.SetParameters(tbl.Parameters)
	for _, rec := range tbl.Records {
		if err := tx.Add(rec); err != nil {
			_ = tx.Abort()
			return statusOf(err), err
		}
	}
	for _, o := range tbl.Overrides {
		tx.SetOverride(o.Match, o.Action)
	}
	if _, err := tx.Commit(); err != nil {
		return statusOf(err), err
	}
	return LoadOK, nil
}

func (l *Loader) read(source string) (*ConfigurationTable, LoadStatus, error) {
	var data []byte
	switch {
	case source == "" || strings.EqualFold(source, SourceDefault):
		return DefaultTable(), LoadOK, nil
	case strings.HasPrefix(source, natsKVScheme):
		b, status, err := l.readRegistry(strings.TrimPrefix(source, natsKVScheme))
		if err != nil {
			return nil, status, err
		}
		data = b
	default:
		info, err := os.Stat(source)
		if err != nil {
			return nil, LoadInvalidPath, fmt.Errorf("stat %s: %w", source, err)
		}
		if info.IsDir() {
			return nil, LoadInvalidPath, fmt.Errorf("%s is a directory", source)
		}
		data, err = os.ReadFile(source)
		if err != nil {
			return nil, LoadReadError, fmt.Errorf("read %s: %w", source, err)
		}
	}

	tbl, err := DecodeTable(data)
	if err != nil {
		return nil, LoadParseError, err
	}
	return tbl, LoadOK, nil
}

func (l *Loader) readRegistry(ref string) ([]byte, LoadStatus, error) {
	if l.js == nil {
		return nil, LoadInvalidPath, ErrNoRegistry
	}
	bucket, key, ok := strings.Cut(ref, "/")
	if !ok || bucket == "" || key == "" {
		return nil, LoadInvalidPath, fmt.Errorf("registry source %q: want %s<bucket>/<key>", ref, natsKVScheme)
	}
	kv, err := l.js.KeyValue(bucket)
	if err != nil {
		return nil, LoadInvalidPath, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	entry, err := kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, LoadInvalidPath, fmt.Errorf("key %s/%s: %w", bucket, key, err)
		}
		return nil, LoadReadError, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return entry.Value(), LoadOK, nil
}

func statusOf(err error) LoadStatus {
	switch {
	case err == nil:
		return LoadOK
	case errors.Is(err, ErrTableTooLarge):
		return LoadOutOfMemory
	case errors.Is(err, ErrUpdateInProgress):
		return LoadUpdateInProgress
	case errors.Is(err, ErrInvalidTable), errors.Is(err, ErrUnknownCategory):
		return LoadParseError
	default:
		return LoadGenericError
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return SourceDefault
	}
	return source
}

// PutRegistryTable stores a table document under bucket/key, creating the
// bucket when it does not exist yet.
func PutRegistryTable(js nats.JetStreamContext, bucket, key string, data []byte) (uint64, error) {
	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to create/access bucket %s: %w", bucket, err)
		}
	}
	return kv.Put(key, data)
}
