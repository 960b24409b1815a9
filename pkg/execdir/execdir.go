// Package execdir stages per-operation execution directories by hard-linking
// inputs out of the local CAS file cache.
package execdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/types"
)

// Config holds staging behavior
type Config struct {
	// Root is where per-operation exec directories are created
	Root string
	// LinkInputDirectories replaces output-free input subtrees with a single
	// symlink to the cache's materialized tree.
	LinkInputDirectories bool
}

// FileSystem stages and destroys exec directories
type FileSystem struct {
	cfg    Config
	cache  *cascache.FileCache
	logger zerolog.Logger
}

// ExecDir is one staged input root. It records every cache reference taken
// so destruction can release them in one call.
type ExecDir struct {
	Path     string
	fileKeys []string
	dirs     []digest.Digest
}

// New creates a FileSystem over the given cache
func New(cfg Config, cache *cascache.FileCache) (*FileSystem, error) {
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create exec root: %w", err)
	}
	return &FileSystem{
		cfg:    cfg,
		cache:  cache,
		logger: log.Component("execdir"),
	}, nil
}

// CreateExecDir stages the input root for one operation under
// <root>/<operation base name>. Any stale directory of the same name is
// destroyed first; a partial directory never survives an error.
func (fs *FileSystem) CreateExecDir(ctx context.Context, operationName string, rootDigest digest.Digest, index types.DirectoryIndex, outputPaths []string, fetch cascache.Fetcher) (*ExecDir, error) {
	path := filepath.Join(fs.cfg.Root, filepath.Base(operationName))
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear stale exec dir: %w", err)
	}
	root, ok := index[rootDigest]
	if !ok {
		if rootDigest.Hash != "" && !rootDigest.IsEmpty() {
			return nil, fmt.Errorf("input root %s absent from index", rootDigest)
		}
		// Inputless actions run in a bare directory
		root = &repb.Directory{}
	}
	ed := &ExecDir{Path: path}
	outputDirs := outputDirectories(outputPaths)
	if err := fs.stage(ctx, ed, path, "", root, index, outputDirs, fetch); err != nil {
		fs.release(ed)
		_ = os.RemoveAll(path)
		return nil, err
	}
	return ed, nil
}

// stage recursively builds the tree at target for the directory at relative
// path rel.
func (fs *FileSystem) stage(ctx context.Context, ed *ExecDir, target, rel string, dir *repb.Directory, index types.DirectoryIndex, outputDirs map[string]bool, fetch cascache.Fetcher) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("failed to create exec dir: %w", err)
	}
	for _, file := range dir.Files {
		fd := digest.FromProto(file.Digest)
		src, err := fs.cache.Put(ctx, fd, file.IsExecutable, nil, fetch)
		if err != nil {
			return fmt.Errorf("failed to fetch input %s: %w", filepath.Join(rel, file.Name), err)
		}
		ed.fileKeys = append(ed.fileKeys, cascache.FileKey(fd, file.IsExecutable))
		if err := os.Link(src, filepath.Join(target, file.Name)); err != nil {
			return fmt.Errorf("failed to link input %s: %w", filepath.Join(rel, file.Name), err)
		}
	}
	for _, sub := range dir.Directories {
		sd := digest.FromProto(sub.Digest)
		subRel := filepath.Join(rel, sub.Name)
		subTarget := filepath.Join(target, sub.Name)
		if fs.cfg.LinkInputDirectories && !containsOutput(outputDirs, subRel) {
			cached, err := fs.cache.PutDirectory(ctx, sd, index, fetch)
			if err != nil {
				return fmt.Errorf("failed to materialize %s: %w", subRel, err)
			}
			ed.dirs = append(ed.dirs, sd)
			if err := os.Symlink(cached, subTarget); err != nil {
				return fmt.Errorf("failed to link directory %s: %w", subRel, err)
			}
			continue
		}
		subDir, ok := index[sd]
		if !ok {
			return fmt.Errorf("directory %s absent from index", sd)
		}
		if err := fs.stage(ctx, ed, subTarget, subRel, subDir, index, outputDirs, fetch); err != nil {
			return err
		}
	}
	for _, link := range dir.Symlinks {
		if err := os.Symlink(link.Target, filepath.Join(target, link.Name)); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", filepath.Join(rel, link.Name), err)
		}
	}
	return nil
}

// DestroyExecDir releases every reference the directory holds and removes
// the on-disk tree.
func (fs *FileSystem) DestroyExecDir(ed *ExecDir) error {
	fs.release(ed)
	if err := os.RemoveAll(ed.Path); err != nil {
		return fmt.Errorf("failed to remove exec dir: %w", err)
	}
	return nil
}

func (fs *FileSystem) release(ed *ExecDir) {
	fs.cache.DecrementReferences(ed.fileKeys, ed.dirs)
	ed.fileKeys = nil
	ed.dirs = nil
}

// outputDirectories reports every directory that will receive an output,
// including all ancestors.
func outputDirectories(outputPaths []string) map[string]bool {
	dirs := make(map[string]bool)
	for _, out := range outputPaths {
		for dir := filepath.Dir(out); dir != "." && dir != "/"; dir = filepath.Dir(dir) {
			dirs[dir] = true
		}
		// The output itself may be a directory
		dirs[strings.TrimSuffix(out, "/")] = true
	}
	return dirs
}

func containsOutput(outputDirs map[string]bool, rel string) bool {
	if outputDirs[rel] {
		return true
	}
	// An output nested below rel also forces a real directory
	prefix := rel + string(filepath.Separator)
	for dir := range outputDirs {
		if strings.HasPrefix(dir, prefix) {
			return true
		}
	}
	return false
}
