package cascache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
)

// ErrNotFound is returned when a blob is absent from the cache. Callers may
// fall through to a remote fetch.
var ErrNotFound = errors.New("blob not in cas cache")

// Fetcher fills a missing blob from elsewhere (usually a peer worker)
type Fetcher func(ctx context.Context, d digest.Digest, w io.Writer) error

// Config holds cache tuning
type Config struct {
	// Root is the flat directory holding every cached file
	Root string
	// MaxSizeBytes bounds the total size of cached file contents
	MaxSizeBytes int64
	// ExistsTTL bounds how long a successful disk existence check is trusted
	ExistsTTL time.Duration
}

type entryKind int

const (
	fileEntry entryKind = iota
	directoryEntry
)

// entry is one cached item. File entries account their size; directory
// entries are hard-link trees and account zero bytes. The LRU list contains
// exactly the entries whose reference count is zero; elem is nil otherwise.
type entry struct {
	key        string
	d          digest.Digest
	kind       entryKind
	executable bool
	size       int64
	refs       int

	// containing lists the directory entries whose trees link this file
	containing map[string]struct{}
	// inputs lists the file keys a directory entry holds references on
	inputs []string

	existsChecked time.Time
	elem          *list.Element
}

// FileCache is a reference-counted LRU over the local disk. Files are named
// "<hash>_<size>" ("_exec" variant for executables); materialized directory
// trees live under "<hash>_<size>_dir". Structural mutations of one key are
// serialized by a per-key lock; the LRU list, sizes and reference counts are
// guarded by a coarse monitor.
type FileCache struct {
	root      string
	maxSize   int64
	existsTTL time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	storage map[string]*entry
	lru     *list.List
	size    int64

	locksMu  sync.Mutex
	keyLocks map[string]*keyLock

	// OnPut is invoked after a blob lands in the cache; OnExpire after
	// entries are evicted. Both run outside the cache monitor.
	OnPut    func(digest.Digest)
	OnExpire func([]digest.Digest)
}

// New creates a cache rooted at cfg.Root
func New(cfg Config) *FileCache {
	if cfg.ExistsTTL <= 0 {
		cfg.ExistsTTL = 10 * time.Second
	}
	c := &FileCache{
		root:      cfg.Root,
		maxSize:   cfg.MaxSizeBytes,
		existsTTL: cfg.ExistsTTL,
		logger:    log.Component("cascache"),
		storage:   make(map[string]*entry),
		lru:       list.New(),
		keyLocks:  make(map[string]*keyLock),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// FileKey is the cache key for a blob
func FileKey(d digest.Digest, executable bool) string {
	if executable {
		return d.Key() + "_exec"
	}
	return d.Key()
}

func dirKey(d digest.Digest) string {
	return d.Key() + "_dir"
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.root, key)
}

// Start recovers the cache state by walking one level of the root directory.
// Leftover temp files and materialized directory trees are discarded;
// recovered blobs enter the LRU ordered by access time, oldest first.
func (c *FileCache) Start() error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("failed to create cache root: %w", err)
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to scan cache root: %w", err)
	}
	type recovered struct {
		e  *entry
		at time.Time
	}
	var files []recovered
	for _, de := range entries {
		name := de.Name()
		full := filepath.Join(c.root, name)
		switch {
		case strings.Contains(name, ".tmp."):
			_ = os.RemoveAll(full)
		case strings.HasSuffix(name, "_dir"):
			// Directory trees are cheap to rebuild by hard-linking and their
			// input lists cannot be recovered from a one-level walk.
			_ = os.RemoveAll(full)
		default:
			key := name
			executable := false
			if stripped, ok := strings.CutSuffix(name, "_exec"); ok {
				key = name
				name = stripped
				executable = true
			}
			d, err := digest.ParseKey(name)
			if err != nil {
				c.logger.Warn().Str("file", key).Msg("Removing unrecognized cache file")
				_ = os.Remove(full)
				continue
			}
			info, err := de.Info()
			if err != nil || info.Size() != d.Size {
				c.logger.Warn().Str("file", key).Msg("Removing cache file with mismatched size")
				_ = os.Remove(full)
				continue
			}
			at := info.ModTime()
			if t, err := atime.Stat(full); err == nil {
				at = t
			}
			files = append(files, recovered{
				e: &entry{
					key:        key,
					d:          d,
					kind:       fileEntry,
					executable: executable,
					size:       d.Size,
					containing: make(map[string]struct{}),
				},
				at: at,
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].at.Before(files[j].at) })
	c.mu.Lock()
	for _, r := range files {
		r.e.elem = c.lru.PushBack(r.e)
		c.storage[r.e.key] = r.e
		c.size += r.e.size
	}
	c.mu.Unlock()
	c.updateMetrics()
	c.logger.Info().Int("entries", len(files)).Str("root", c.root).Msg("CAS cache recovered")
	return nil
}

// Digests reports every blob currently cached, for location announcements
func (c *FileCache) Digests() []digest.Digest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]digest.Digest, 0, len(c.storage))
	seen := make(map[digest.Digest]struct{}, len(c.storage))
	for _, e := range c.storage {
		if e.kind != fileEntry {
			continue
		}
		if _, dup := seen[e.d]; dup {
			continue
		}
		seen[e.d] = struct{}{}
		out = append(out, e.d)
	}
	return out
}

// keyLock serializes structural mutations of one key
type keyLock struct {
	mu      sync.Mutex
	waiters int
}

func (c *FileCache) lockKey(key string) *keyLock {
	c.locksMu.Lock()
	kl, ok := c.keyLocks[key]
	if !ok {
		kl = &keyLock{}
		c.keyLocks[key] = kl
	}
	kl.waiters++
	c.locksMu.Unlock()
	kl.mu.Lock()
	return kl
}

func (c *FileCache) unlockKey(key string, kl *keyLock) {
	kl.mu.Unlock()
	c.locksMu.Lock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(c.keyLocks, key)
	}
	c.locksMu.Unlock()
}

// incrementLocked takes one reference, unlinking the entry from the LRU list
// when the count leaves zero.
func (c *FileCache) incrementLocked(e *entry) {
	if e.refs == 0 && e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	e.refs++
}

// decrementLocked releases one reference, placing the entry at the newest end
// of the LRU list when the count reaches zero.
func (c *FileCache) decrementLocked(e *entry) {
	if e.refs <= 0 {
		c.logger.Error().Str("key", e.key).Msg("Reference count underflow")
		return
	}
	e.refs--
	if e.refs == 0 {
		e.elem = c.lru.PushBack(e)
		c.cond.Broadcast()
	}
}

// Put returns the path of a hard-linkable cached file for d, taking one
// reference. A missing blob is fetched, written beside its final name and
// renamed into place. containingDir, when non-nil, records the directory
// entry this reference belongs to.
func (c *FileCache) Put(ctx context.Context, d digest.Digest, executable bool, containingDir *digest.Digest, fetch Fetcher) (string, error) {
	key := FileKey(d, executable)
	kl := c.lockKey(key)
	defer c.unlockKey(key, kl)

	c.mu.Lock()
	if e, ok := c.storage[key]; ok {
		verified := time.Since(e.existsChecked) < c.existsTTL
		c.mu.Unlock()
		if !verified {
			if _, err := os.Stat(c.path(key)); err != nil {
				c.removeMissing(key)
				return c.putMiss(ctx, d, key, executable, containingDir, fetch)
			}
		}
		c.mu.Lock()
		if e, ok := c.storage[key]; ok {
			c.incrementLocked(e)
			e.existsChecked = time.Now()
			if containingDir != nil {
				e.containing[dirKey(*containingDir)] = struct{}{}
			}
			c.mu.Unlock()
			metrics.CacheHits.WithLabelValues("hit").Inc()
			return c.path(key), nil
		}
		c.mu.Unlock()
		return c.putMiss(ctx, d, key, executable, containingDir, fetch)
	}
	c.mu.Unlock()
	return c.putMiss(ctx, d, key, executable, containingDir, fetch)
}

func (c *FileCache) putMiss(ctx context.Context, d digest.Digest, key string, executable bool, containingDir *digest.Digest, fetch Fetcher) (string, error) {
	metrics.CacheHits.WithLabelValues("miss").Inc()
	if err := c.reserve(ctx, d.Size); err != nil {
		return "", err
	}
	if err := c.write(ctx, d, key, executable, fetch); err != nil {
		c.unreserve(d.Size)
		return "", err
	}
	c.mu.Lock()
	e := &entry{
		key:           key,
		d:             d,
		kind:          fileEntry,
		executable:    executable,
		size:          d.Size,
		refs:          1,
		containing:    make(map[string]struct{}),
		existsChecked: time.Now(),
	}
	if containingDir != nil {
		e.containing[dirKey(*containingDir)] = struct{}{}
	}
	c.storage[key] = e
	c.mu.Unlock()
	c.updateMetrics()
	if c.OnPut != nil {
		c.OnPut(d)
	}
	return c.path(key), nil
}

// write streams the blob to a temp sibling, fixes permissions and renames it
// into place.
func (c *FileCache) write(ctx context.Context, d digest.Digest, key string, executable bool, fetch Fetcher) error {
	if fetch == nil {
		return ErrNotFound
	}
	tmp := c.path(key) + ".tmp." + uuid.New().String()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := fetch(ctx, d, f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	mode := os.FileMode(0444)
	if executable {
		mode = 0555
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename into cache: %w", err)
	}
	return nil
}

// reserve accounts size bytes, evicting unreferenced entries oldest-first
// until the cache fits. When everything left is referenced it waits for a
// release.
func (c *FileCache) reserve(ctx context.Context, size int64) error {
	if c.maxSize > 0 && size > c.maxSize {
		return fmt.Errorf("blob of %d bytes exceeds cache capacity %d", size, c.maxSize)
	}
	var expired []digest.Digest
	c.mu.Lock()
	for c.maxSize > 0 && c.size+size > c.maxSize {
		if c.lru.Len() == 0 {
			if err := c.waitLocked(ctx); err != nil {
				c.mu.Unlock()
				c.notifyExpired(expired)
				return err
			}
			continue
		}
		c.evictLocked(&expired)
	}
	c.size += size
	c.mu.Unlock()
	c.notifyExpired(expired)
	return nil
}

func (c *FileCache) unreserve(size int64) {
	c.mu.Lock()
	c.size -= size
	c.cond.Broadcast()
	c.mu.Unlock()
	c.updateMetrics()
}

// waitLocked blocks until a reference is released or ctx expires. The ticker
// keeps broadcasting so a cancellation racing the wait registration cannot
// be missed.
func (c *FileCache) waitLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ctx.Err() != nil {
					c.cond.Broadcast()
				}
			case <-stop:
				return
			}
		}
	}()
	c.cond.Wait()
	close(stop)
	return ctx.Err()
}

// evictLocked removes the LRU victim. The monitor is released around the
// disk deletion. Evicting a file that still participates in directory
// entries expires those directories first.
func (c *FileCache) evictLocked(expired *[]digest.Digest) {
	victim := c.lru.Front().Value.(*entry)
	c.removeEntryLocked(victim, expired)
	metrics.CacheEvictions.Inc()
}

// removeEntryLocked unlinks an entry and deletes its on-disk form, cascading
// through directory relationships.
func (c *FileCache) removeEntryLocked(e *entry, expired *[]digest.Digest) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.storage, e.key)
	c.size -= e.size
	if e.kind == fileEntry {
		// Report the digest gone only once both variants are gone
		if _, ok := c.storage[FileKey(e.d, !e.executable)]; !ok {
			*expired = append(*expired, e.d)
		}
	}

	if e.kind == directoryEntry {
		for _, inputKey := range e.inputs {
			if in, ok := c.storage[inputKey]; ok {
				delete(in.containing, e.key)
				c.decrementLocked(in)
			}
		}
	} else {
		for containingKey := range e.containing {
			if de, ok := c.storage[containingKey]; ok {
				c.removeEntryLocked(de, expired)
			}
		}
	}

	// Move aside under the monitor, delete outside it
	path := c.path(e.key)
	trash := path + ".tmp." + uuid.New().String()
	renamed := os.Rename(path, trash) == nil
	c.mu.Unlock()
	if renamed {
		_ = os.RemoveAll(trash)
	} else {
		_ = os.RemoveAll(path)
	}
	c.mu.Lock()
}

func (c *FileCache) notifyExpired(expired []digest.Digest) {
	c.updateMetrics()
	if len(expired) > 0 && c.OnExpire != nil {
		c.OnExpire(expired)
	}
}

// removeMissing drops bookkeeping for a file that vanished from disk
func (c *FileCache) removeMissing(key string) {
	var expired []digest.Digest
	c.mu.Lock()
	if e, ok := c.storage[key]; ok {
		c.removeEntryLocked(e, &expired)
	}
	c.mu.Unlock()
	c.notifyExpired(expired)
}

// DecrementReferences releases references on files (by key) and directories
// (by digest). Entries reaching zero become eviction candidates.
func (c *FileCache) DecrementReferences(fileKeys []string, dirs []digest.Digest) {
	c.mu.Lock()
	for _, key := range fileKeys {
		if e, ok := c.storage[key]; ok {
			c.decrementLocked(e)
		}
	}
	for _, d := range dirs {
		if e, ok := c.storage[dirKey(d)]; ok {
			c.decrementLocked(e)
		}
	}
	c.mu.Unlock()
	c.updateMetrics()
}

// Contains reports whether the blob is cached, verifying the disk at most
// once per ExistsTTL.
func (c *FileCache) Contains(d digest.Digest) bool {
	for _, executable := range []bool{false, true} {
		key := FileKey(d, executable)
		c.mu.Lock()
		e, ok := c.storage[key]
		if ok && time.Since(e.existsChecked) < c.existsTTL {
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		if _, err := os.Stat(c.path(key)); err == nil {
			c.mu.Lock()
			if e, ok := c.storage[key]; ok {
				e.existsChecked = time.Now()
			}
			c.mu.Unlock()
			return true
		}
		c.removeMissing(key)
	}
	return false
}

// NewInput opens a read stream over a cached blob at the given offset. A
// bookkept file missing from disk is dropped and reported as ErrNotFound so
// callers can fall through to a remote fetch.
func (c *FileCache) NewInput(d digest.Digest, offset int64) (io.ReadCloser, error) {
	for _, executable := range []bool{false, true} {
		key := FileKey(d, executable)
		c.mu.Lock()
		_, ok := c.storage[key]
		c.mu.Unlock()
		if !ok {
			continue
		}
		f, err := os.Open(c.path(key))
		if err != nil {
			if os.IsNotExist(err) {
				c.removeMissing(key)
				continue
			}
			return nil, fmt.Errorf("failed to open cached blob: %w", err)
		}
		if offset > 0 {
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("failed to seek cached blob: %w", err)
			}
		}
		c.mu.Lock()
		if e, ok := c.storage[key]; ok {
			e.existsChecked = time.Now()
		}
		c.mu.Unlock()
		return f, nil
	}
	return nil, ErrNotFound
}

// InsertBlob stores bytes produced locally (uploads, execution outputs). The
// new entry starts unreferenced.
func (c *FileCache) InsertBlob(ctx context.Context, b []byte, executable bool) (digest.Digest, error) {
	d := digest.FromBlob(b)
	err := c.insert(ctx, d, executable, func(ctx context.Context, _ digest.Digest, w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
	return d, err
}

// InsertFile stores a file produced locally by hard-linking it into the
// cache, falling back to a copy when linking fails.
func (c *FileCache) InsertFile(ctx context.Context, path string, d digest.Digest, executable bool) error {
	key := FileKey(d, executable)
	kl := c.lockKey(key)
	haveLink := false
	c.mu.Lock()
	_, exists := c.storage[key]
	c.mu.Unlock()
	if !exists {
		haveLink = os.Link(path, c.path(key)) == nil
	}
	c.unlockKey(key, kl)
	if haveLink {
		if err := c.registerInserted(ctx, d, key, executable); err != nil {
			return err
		}
		return nil
	}
	return c.insert(ctx, d, executable, func(ctx context.Context, _ digest.Digest, w io.Writer) error {
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

func (c *FileCache) insert(ctx context.Context, d digest.Digest, executable bool, fetch Fetcher) error {
	key := FileKey(d, executable)
	kl := c.lockKey(key)
	defer c.unlockKey(key, kl)
	c.mu.Lock()
	if _, ok := c.storage[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.reserve(ctx, d.Size); err != nil {
		return err
	}
	if err := c.write(ctx, d, key, executable, fetch); err != nil {
		c.unreserve(d.Size)
		return err
	}
	c.registerUnreferenced(d, key, executable)
	if c.OnPut != nil {
		c.OnPut(d)
	}
	return nil
}

func (c *FileCache) registerInserted(ctx context.Context, d digest.Digest, key string, executable bool) error {
	if err := c.reserve(ctx, d.Size); err != nil {
		_ = os.Remove(c.path(key))
		return err
	}
	c.registerUnreferenced(d, key, executable)
	if c.OnPut != nil {
		c.OnPut(d)
	}
	return nil
}

func (c *FileCache) registerUnreferenced(d digest.Digest, key string, executable bool) {
	c.mu.Lock()
	if _, ok := c.storage[key]; ok {
		// Lost a race to another inserter; drop the duplicate reservation
		c.size -= d.Size
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
	e := &entry{
		key:           key,
		d:             d,
		kind:          fileEntry,
		executable:    executable,
		size:          d.Size,
		containing:    make(map[string]struct{}),
		existsChecked: time.Now(),
	}
	e.elem = c.lru.PushBack(e)
	c.storage[key] = e
	c.mu.Unlock()
	c.updateMetrics()
}

// Size reports the accounted bytes
func (c *FileCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *FileCache) updateMetrics() {
	c.mu.Lock()
	metrics.CacheSizeBytes.Set(float64(c.size))
	metrics.CacheEntries.Set(float64(len(c.storage)))
	c.mu.Unlock()
}
