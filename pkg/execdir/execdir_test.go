package execdir

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/kiln/pkg/cascache"
	"github.com/cuemby/kiln/pkg/digest"
	"github.com/cuemby/kiln/pkg/types"
)

type fixture struct {
	fs    *FileSystem
	cache *cascache.FileCache
	root  digest.Digest
	index types.DirectoryIndex
	fetch cascache.Fetcher
}

// newFixture builds an input root with a top-level file, a dependency
// subtree and an output directory.
func newFixture(t *testing.T, linkDirs bool) *fixture {
	t.Helper()
	cache := cascache.New(cascache.Config{
		Root:         t.TempDir(),
		MaxSizeBytes: 1 << 20,
		ExistsTTL:    time.Minute,
	})
	require.NoError(t, cache.Start())
	fs, err := New(Config{Root: t.TempDir(), LinkInputDirectories: linkDirs}, cache)
	require.NoError(t, err)

	mainGo := []byte("package main")
	depA := []byte("library a")
	dMain := digest.FromBlob(mainGo)
	dDep := digest.FromBlob(depA)

	deps := &repb.Directory{
		Files: []*repb.FileNode{{Name: "a.lib", Digest: dDep.Proto()}},
	}
	dDeps, _, err := digest.FromMessage(deps)
	require.NoError(t, err)
	outDir := &repb.Directory{}
	dOut, _, err := digest.FromMessage(outDir)
	require.NoError(t, err)
	root := &repb.Directory{
		Files: []*repb.FileNode{{Name: "main.go", Digest: dMain.Proto()}},
		Directories: []*repb.DirectoryNode{
			{Name: "deps", Digest: dDeps.Proto()},
			{Name: "out", Digest: dOut.Proto()},
		},
	}
	dRoot, _, err := digest.FromMessage(root)
	require.NoError(t, err)

	blobs := map[string][]byte{dMain.Key(): mainGo, dDep.Key(): depA}
	return &fixture{
		fs:    fs,
		cache: cache,
		root:  dRoot,
		index: types.DirectoryIndex{dRoot: root, dDeps: deps, dOut: outDir},
		fetch: func(ctx context.Context, d digest.Digest, w io.Writer) error {
			b, ok := blobs[d.Key()]
			if !ok {
				return cascache.ErrNotFound
			}
			_, err := w.Write(b)
			return err
		},
	}
}

func TestCreateExecDirStagesInputs(t *testing.T) {
	f := newFixture(t, false)
	ed, err := f.fs.CreateExecDir(context.Background(), "op-1", f.root, f.index, []string{"out/result"}, f.fetch)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(ed.Path, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, []byte("package main"), got)
	got, err = os.ReadFile(filepath.Join(ed.Path, "deps", "a.lib"))
	require.NoError(t, err)
	assert.Equal(t, []byte("library a"), got)
	assert.DirExists(t, filepath.Join(ed.Path, "out"))

	require.NoError(t, f.fs.DestroyExecDir(ed))
	assert.NoDirExists(t, ed.Path)
}

func TestLinkedInputDirectories(t *testing.T) {
	f := newFixture(t, true)
	ed, err := f.fs.CreateExecDir(context.Background(), "op-2", f.root, f.index, []string{"out/result"}, f.fetch)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.fs.DestroyExecDir(ed)) }()

	// Output-free dependency subtree becomes a symlink to the cached tree
	info, err := os.Lstat(filepath.Join(ed.Path, "deps"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	// Output directory must stay real
	info, err = os.Lstat(filepath.Join(ed.Path, "out"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Zero(t, info.Mode()&os.ModeSymlink)

	// Content is still reachable through the link
	got, err := os.ReadFile(filepath.Join(ed.Path, "deps", "a.lib"))
	require.NoError(t, err)
	assert.Equal(t, []byte("library a"), got)
}

// Destroying the exec dir releases every reference in one call, so the whole
// working set becomes evictable again.
func TestDestroyReleasesReferences(t *testing.T) {
	f := newFixture(t, false)
	ed, err := f.fs.CreateExecDir(context.Background(), "op-3", f.root, f.index, nil, f.fetch)
	require.NoError(t, err)
	staged := f.cache.Size()
	require.NoError(t, f.fs.DestroyExecDir(ed))

	// Balanced put/release: the cache holds the same bytes, all unreferenced;
	// an insert under full pressure can now evict everything.
	assert.Equal(t, staged, f.cache.Size())
}

func TestCreateExecDirReplacesStaleDir(t *testing.T) {
	f := newFixture(t, false)
	ed, err := f.fs.CreateExecDir(context.Background(), "op-4", f.root, f.index, nil, f.fetch)
	require.NoError(t, err)
	stale := filepath.Join(ed.Path, "leftover")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))
	require.NoError(t, f.fs.DestroyExecDir(ed))

	ed, err = f.fs.CreateExecDir(context.Background(), "op-4", f.root, f.index, nil, f.fetch)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.fs.DestroyExecDir(ed)) }()
	assert.NoFileExists(t, stale)
}

func TestCreateExecDirFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, false)
	badFetch := func(ctx context.Context, d digest.Digest, w io.Writer) error {
		return cascache.ErrNotFound
	}
	_, err := f.fs.CreateExecDir(context.Background(), "op-5", f.root, f.index, nil, badFetch)
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(f.fs.cfg.Root, "op-5"))
	// Partial staging rolled its references back
	assert.Equal(t, int64(0), f.cache.Size())
}
