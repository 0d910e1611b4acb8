// Package cas implements the Artifact Store: a content-addressed blob
// layout for immutable disk and image bytes, adapted from the
// directory-management conventions of the teacher's local volume driver.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rng-ops/infrasim/pkg/errkind"
	"github.com/rng-ops/infrasim/pkg/metrics"
)

// Store is a content-addressed blob store rooted at a single directory.
type Store struct {
	root string
}

// New ensures root/objects exists and returns a Store over it.
func New(root string) (*Store, error) {
	objects := filepath.Join(root, "objects")
	if err := os.MkdirAll(objects, 0755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &Store{root: root}, nil
}

// hexPart strips the "sha256:" algorithm prefix from a digest string.
func hexPart(digest string) string {
	const prefix = "sha256:"
	if len(digest) > len(prefix) && digest[:len(prefix)] == prefix {
		return digest[len(prefix):]
	}
	return digest
}

func (s *Store) pathFor(digest string) string {
	hex := hexPart(digest)
	return filepath.Join(s.root, "objects", hex[:2], hex[2:])
}

// Put streams r into the store, hashing as it writes, and returns the
// resulting "sha256:<hex>" digest. A partial write is discarded; a
// successful write is renamed atomically into place, so a destination
// that already exists is left untouched (content-addressed dedup).
func (s *Store) Put(r io.Reader) (string, error) {
	objects := filepath.Join(s.root, "objects")
	tmp, err := os.CreateTemp(objects, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp object: %w", err)
	}

	digest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(digest)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create shard dir: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return digest, nil // already present, dedup
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", digest, err)
	}

	if info, err := os.Stat(dest); err == nil {
		metrics.CASBytesTotal.Add(float64(info.Size()))
	}
	metrics.CASObjectsTotal.Inc()
	return digest, nil
}

// Get opens the blob for digest. The caller must Close it.
func (s *Store) Get(digest string) (*os.File, error) {
	f, err := os.Open(s.pathFor(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Newf(errkind.NotFound, "object not found: %s", digest)
		}
		return nil, fmt.Errorf("open object %s: %w", digest, err)
	}
	return f, nil
}

// Verify rehashes the blob for digest and confirms it matches. A mismatch
// is an Integrity error: the caller must refuse to use the artifact.
func (s *Store) Verify(digest string) error {
	f, err := s.Get(digest)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash object %s: %w", digest, err)
	}
	got := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if got != digest {
		return errkind.Newf(errkind.Integrity, "object %s is corrupt: content hashes to %s", digest, got)
	}
	return nil
}

// Link makes digest's content available at path, via hardlink where the
// destination filesystem allows it and a plain copy otherwise.
func (s *Store) Link(digest, path string) error {
	src := s.pathFor(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create link target dir: %w", err)
	}
	if err := os.Link(src, path); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source object %s: %w", digest, err)
	}
	defer in.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create link target: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy object %s to %s: %w", digest, path, err)
	}
	return nil
}

// GC removes every object not named in reachable. The caller must hold
// whatever daemon-wide lock keeps the store idle for the duration: GC runs
// unsynchronized against concurrent Put/Link calls.
func (s *Store) GC(reachable map[string]struct{}) (removed int, err error) {
	objects := filepath.Join(s.root, "objects")
	shards, err := os.ReadDir(objects)
	if err != nil {
		return 0, fmt.Errorf("list shards: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(objects, shard.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return removed, fmt.Errorf("list shard %s: %w", shard.Name(), err)
		}
		for _, entry := range entries {
			digest := "sha256:" + shard.Name() + entry.Name()
			if _, keep := reachable[digest]; keep {
				continue
			}
			if err := os.Remove(filepath.Join(shardPath, entry.Name())); err != nil {
				return removed, fmt.Errorf("remove object %s: %w", digest, err)
			}
			removed++
			metrics.CASObjectsTotal.Dec()
		}
	}
	return removed, nil
}
