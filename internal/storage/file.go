package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/otpkit/internal/persist"
)

// File stores one JSON envelope per key under a base directory. Writes go
// through a temp file and rename so a crash never leaves a torn envelope.
type File struct {
	mu  sync.Mutex
	dir string
}

func NewFile(dir string) (*File, error) {
	d := strings.TrimSpace(dir)
	if d == "" {
		return nil, errors.New("empty storage directory")
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{dir: d}, nil
}

func (f *File) path(key string) string {
	// Keys may contain path separators (registry-style names); flatten them.
	safe := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(key)
	return filepath.Join(f.dir, safe+".state.json")
}

func (f *File) Load(_ context.Context, key string) (*persist.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persist.ErrStateNotFound
		}
		return nil, err
	}
	var env persist.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope for %q: %w", key, err)
	}
	return &env, nil
}

func (f *File) Save(_ context.Context, key string, env persist.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	target := f.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *File) Close() error { return nil }

// CleanupOlderThan removes envelope files persisted longer ago than age.
func (f *File) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-age).UnixMilli()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".state.json") {
			continue
		}
		p := filepath.Join(f.dir, de.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var env persist.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Metadata.PersistedAt < cutoff {
			if os.Remove(p) == nil {
				n++
			}
		}
	}
	return n, nil
}
