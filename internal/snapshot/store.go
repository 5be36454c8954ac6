package snapshot

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ManifestName is the archive entry holding per-file checksums
const ManifestName = "MANIFEST.json"

const (
	filePrefix = "snapshot_"
	fileSuffix = ".tar.zst"
)

// ErrNoSnapshot is returned when no valid snapshot exists
var ErrNoSnapshot = errors.New("no valid snapshot")

// Manifest describes the contents of a snapshot
type Manifest struct {
	CreatedAt time.Time         `json:"created_at"`
	Root      string            `json:"root"`
	Checksums map[string]string `json:"checksums"`
}

// Handle refers to one snapshot archive
type Handle struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
}

// Store keeps tar.zst snapshots of a protected directory tree
type Store struct {
	dir    string
	root   string
	logger *slog.Logger
}

// NewStore creates a store keeping snapshots of root in dir
func NewStore(dir, root string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		root:   root,
		logger: logger.With("component", "snapshot"),
	}
}

// Create archives the protected tree into a new snapshot
func (s *Store) Create(ctx context.Context) (Handle, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Handle{}, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	now := time.Now().UTC()
	path := filepath.Join(s.dir, fmt.Sprintf("%s%020d%s", filePrefix, now.UnixNano(), fileSuffix))
	tmp := path + ".partial"

	manifest, err := s.writeArchive(ctx, tmp, now)
	if err != nil {
		os.Remove(tmp)
		return Handle{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Handle{}, fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	s.logger.Info("Snapshot created", "path", path, "files", len(manifest.Checksums))
	return Handle{Path: path, CreatedAt: now, Files: len(manifest.Checksums)}, nil
}

func (s *Store) writeArchive(ctx context.Context, path string, now time.Time) (*Manifest, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer file.Close()

	zw, err := zstd.NewWriter(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	manifest := &Manifest{CreatedAt: now, Root: s.root, Checksums: map[string]string{}}

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		sum, err := addFile(tw, path, filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		manifest.Checksums[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", s.root, err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0o600, Size: int64(len(data)), ModTime: now}); err != nil {
		return nil, fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zstd writer: %w", err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync snapshot: %w", err)
	}
	return manifest, nil
}

func addFile(tw *tar.Writer, path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return "", err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, h), f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns the snapshot archives, newest first
func (s *Store) List() ([]Handle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var handles []Handle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		h := Handle{Path: filepath.Join(s.dir, name)}
		if info, err := e.Info(); err == nil {
			h.CreatedAt = info.ModTime().UTC()
		}
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Path > handles[j].Path
	})
	return handles, nil
}

// Latest returns the newest snapshot whose archive is readable and carries a manifest
func (s *Store) Latest(ctx context.Context) (Handle, error) {
	handles, err := s.List()
	if err != nil {
		return Handle{}, err
	}

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return Handle{}, err
		}
		manifest, err := readManifest(h.Path)
		if err != nil {
			s.logger.Warn("Skipping unreadable snapshot", "path", h.Path, "error", err)
			continue
		}
		h.CreatedAt = manifest.CreatedAt
		h.Files = len(manifest.Checksums)
		return h, nil
	}
	return Handle{}, ErrNoSnapshot
}

func readManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, errors.New("snapshot has no manifest")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Name != ManifestName {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		return &m, nil
	}
}

// Restore extracts the snapshot into a staging area, verifies every file
// against the manifest, then replaces the protected tree. Files that are not
// part of the snapshot are removed.
func (s *Store) Restore(ctx context.Context, h Handle) error {
	manifest, err := readManifest(h.Path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot manifest: %w", err)
	}

	staging, err := os.MkdirTemp(filepath.Dir(filepath.Clean(s.root)), ".guardian-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(ctx, h.Path, staging, manifest); err != nil {
		return err
	}

	if err := s.swap(staging, manifest); err != nil {
		return err
	}

	s.logger.Info("Snapshot restored", "path", h.Path, "files", len(manifest.Checksums))
	return nil
}

func extract(ctx context.Context, archive, staging string, manifest *Manifest) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	seen := make(map[string]bool, len(manifest.Checksums))
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		if header.Name == ManifestName || header.Typeflag != tar.TypeReg {
			continue
		}

		want, ok := manifest.Checksums[header.Name]
		if !ok {
			return fmt.Errorf("snapshot entry %s is not in the manifest", header.Name)
		}
		target, err := safeJoin(staging, header.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", header.Name, err)
		}

		got, err := writeEntry(target, tr, os.FileMode(header.Mode).Perm())
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", header.Name, err)
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s", header.Name)
		}
		seen[header.Name] = true
	}

	for name := range manifest.Checksums {
		if !seen[name] {
			return fmt.Errorf("snapshot is missing %s", name)
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) (string, error) {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", err
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), r); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// swap moves the verified files over the protected tree
func (s *Store) swap(staging string, manifest *Manifest) error {
	for name := range manifest.Checksums {
		src := filepath.Join(staging, filepath.FromSlash(name))
		dst, err := safeJoin(s.root, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", name, err)
		}
	}

	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if _, ok := manifest.Checksums[filepath.ToSlash(rel)]; !ok {
			s.logger.Warn("Removing file not present in snapshot", "path", path)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
		}
		return nil
	})
}

func safeJoin(base, name string) (string, error) {
	target := filepath.Join(base, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(base)+string(os.PathSeparator)) {
		return "", fmt.Errorf("snapshot entry %s escapes the target directory", name)
	}
	return target, nil
}
