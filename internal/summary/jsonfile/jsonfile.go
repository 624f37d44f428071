// Package jsonfile loads and atomically rewrites JSON documents whose top
// level is an object keyed by string.
package jsonfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logx "groupsummary/pkg/logx"
)

// renameFile is swapped in tests to simulate a crash mid-write.
var renameFile = os.Rename

// Load reads path into a map. A missing or empty file loads as empty. A file
// that does not parse, or whose top level is not an object, is renamed to
// path+".corrupted_<unix>" and loads as empty. Entries that do not decode
// into T are skipped with a warning.
func Load[T any](path string, log logx.Logger) (map[string]T, error) {
	out := map[string]T{}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		if err == nil {
			err = fmt.Errorf("top-level value is not an object")
		}
		backup := fmt.Sprintf("%s.corrupted_%d", path, time.Now().Unix())
		if rerr := os.Rename(path, backup); rerr != nil {
			log.Error("corrupt file could not be moved aside", logx.String("path", path), logx.Err(rerr))
		} else {
			log.Warn("corrupt file moved aside", logx.String("path", path), logx.String("backup", backup), logx.Err(err))
		}
		return out, nil
	}

	for k, v := range raw {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			log.Warn("skip invalid entry", logx.String("path", path), logx.String("key", k), logx.Err(err))
			continue
		}
		out[k] = item
	}
	return out, nil
}

// Save writes data to a temp file in the same directory and renames it over
// path. On failure path is left untouched.
func Save[T any](path string, data map[string]T) error {
	if data == nil {
		data = map[string]T{}
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return WriteAtomic(path, b)
}

// WriteAtomic replaces path with b via temp file + rename.
func WriteAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := renameFile(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
