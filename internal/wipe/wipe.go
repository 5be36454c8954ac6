package wipe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
)

// Registry tracks in-memory buffers holding sensitive material
type Registry struct {
	mu      sync.Mutex
	regions map[string][]byte
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string][]byte)}
}

// Register records buf under name. The caller keeps using buf; wiping zeroes it in place.
func (r *Registry) Register(name string, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions[name] = buf
}

// Names returns the registered region names
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.regions))
	for name := range r.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wiper performs secure memory and state wipes
type Wiper struct {
	registry *Registry
	passes   int
	logger   *slog.Logger
}

// NewWiper creates a wiper. passes is the number of random overwrites per file.
func NewWiper(registry *Registry, passes int, logger *slog.Logger) *Wiper {
	if passes < 1 {
		passes = 1
	}
	return &Wiper{
		registry: registry,
		passes:   passes,
		logger:   logger.With("component", "wipe"),
	}
}

// WipeMemory zeroes the named regions, or every registered region when
// regions is empty, and returns freed memory to the OS.
func (w *Wiper) WipeMemory(ctx context.Context, regions []string) error {
	w.registry.mu.Lock()
	if len(regions) == 0 {
		for name := range w.registry.regions {
			regions = append(regions, name)
		}
	}

	var errs []error
	for _, name := range regions {
		buf, ok := w.registry.regions[name]
		if !ok {
			errs = append(errs, fmt.Errorf("memory region %s is not registered", name))
			continue
		}
		clear(buf)
		delete(w.registry.regions, name)
	}
	w.registry.mu.Unlock()

	debug.FreeOSMemory()

	w.logger.Info("Memory regions wiped", "regions", len(regions)-len(errs), "failed", len(errs))
	return errors.Join(errs...)
}

// WipeState overwrites and removes every regular file under each path.
// It keeps going after failures and returns them joined.
func (w *Wiper) WipeState(ctx context.Context, paths []string) error {
	var errs []error

	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				errs = append(errs, err)
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if err := w.shred(path); err != nil {
				errs = append(errs, fmt.Errorf("failed to wipe %s: %w", path, err))
			}
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.RemoveAll(root); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", root, err))
		}
	}

	w.logger.Info("Persistent state wiped", "paths", len(paths), "errors", len(errs))
	return errors.Join(errs...)
}

func (w *Wiper) shred(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	for pass := 0; pass < w.passes; pass++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		if _, err := io.CopyN(f, rand.Reader, info.Size()); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
