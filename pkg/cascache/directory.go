package cascache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

// PutDirectory materializes the directory tree rooted at d under
// "<hash>_<size>_dir", hard-linking every file out of the cache, and returns
// the tree path with one reference taken on the directory entry. The entry
// holds a reference on each contained file for its lifetime, so evicting any
// of them expires the whole tree. Concurrent calls for the same digest
// serialize on the per-directory lock; an already materialized tree that
// passes on-disk verification is reused.
func (c *FileCache) PutDirectory(ctx context.Context, d digest.Digest, index types.DirectoryIndex, fetch Fetcher) (string, error) {
	key := dirKey(d)
	kl := c.lockKey(key)
	defer c.unlockKey(key, kl)

	path := c.path(key)
	c.mu.Lock()
	if e, ok := c.storage[key]; ok {
		c.mu.Unlock()
		if c.verifyDirectory(path, d, index) {
			c.mu.Lock()
			if e, ok = c.storage[key]; ok {
				c.incrementLocked(e)
				e.existsChecked = time.Now()
				c.mu.Unlock()
				return path, nil
			}
			c.mu.Unlock()
		} else {
			c.logger.Warn().Str("key", key).Msg("Rebuilding directory tree that failed verification")
			c.removeMissing(key)
		}
	} else {
		c.mu.Unlock()
	}

	root, ok := index[d]
	if !ok {
		return "", fmt.Errorf("directory %s absent from index", d)
	}
	tmp := path + ".tmp." + uuid.New().String()
	var inputs []string
	if err := c.materialize(ctx, tmp, d, root, index, fetch, &inputs); err != nil {
		c.DecrementReferences(inputs, nil)
		_ = os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		c.DecrementReferences(inputs, nil)
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to rename directory tree: %w", err)
	}

	c.mu.Lock()
	e := &entry{
		key:           key,
		d:             d,
		kind:          directoryEntry,
		refs:          1,
		inputs:        inputs,
		containing:    make(map[string]struct{}),
		existsChecked: time.Now(),
	}
	c.storage[key] = e
	for _, inputKey := range inputs {
		if in, ok := c.storage[inputKey]; ok {
			in.containing[key] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.updateMetrics()
	return path, nil
}

// materialize recursively builds the tree at target, hard-linking files from
// the cache. Each Put reference acquired is appended to inputs so failures
// can roll back.
func (c *FileCache) materialize(ctx context.Context, target string, d digest.Digest, dir *repb.Directory, index types.DirectoryIndex, fetch Fetcher, inputs *[]string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	for _, file := range dir.Files {
		fd := digest.FromProto(file.Digest)
		src, err := c.Put(ctx, fd, file.IsExecutable, &d, fetch)
		if err != nil {
			return fmt.Errorf("failed to stage %s: %w", file.Name, err)
		}
		*inputs = append(*inputs, FileKey(fd, file.IsExecutable))
		if err := os.Link(src, filepath.Join(target, file.Name)); err != nil {
			return fmt.Errorf("failed to link %s: %w", file.Name, err)
		}
	}
	for _, sub := range dir.Directories {
		sd := digest.FromProto(sub.Digest)
		subDir, ok := index[sd]
		if !ok {
			return fmt.Errorf("directory %s absent from index", sd)
		}
		if err := c.materialize(ctx, filepath.Join(target, sub.Name), d, subDir, index, fetch, inputs); err != nil {
			return err
		}
	}
	for _, link := range dir.Symlinks {
		if err := os.Symlink(link.Target, filepath.Join(target, link.Name)); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", link.Name, err)
		}
	}
	return nil
}

// verifyDirectory spot-checks a materialized tree against its index: the
// root must exist and every top-level entry must be present.
func (c *FileCache) verifyDirectory(path string, d digest.Digest, index types.DirectoryIndex) bool {
	root, ok := index[d]
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	for _, file := range root.Files {
		fi, err := os.Stat(filepath.Join(path, file.Name))
		if err != nil || fi.Size() != file.Digest.SizeBytes {
			return false
		}
	}
	for _, sub := range root.Directories {
		fi, err := os.Stat(filepath.Join(path, sub.Name))
		if err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}
