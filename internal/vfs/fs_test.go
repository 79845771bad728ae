package vfs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/projfs/internal/events"
	"github.com/InsulaLabs/projfs/internal/tkv"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) OnMessage(ctx context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

func (r *recorder) paths(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e.Path)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func newTestFS(t *testing.T, opts Options) (*FS, *recorder) {
	t.Helper()
	return newTestFSWith(t, opts, tkv.Config{InMemory: true})
}

// newTestFSWith opens the tree on an engine built from cfg. On-disk engines
// get a temporary directory.
func newTestFSWith(t *testing.T, opts Options, cfg tkv.Config) (*FS, *recorder) {
	t.Helper()
	cfg.Logger = testLogger()
	cfg.BadgerLogLevel = slog.LevelError
	if !cfg.InMemory {
		cfg.Directory = t.TempDir()
	}
	engine, err := tkv.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	conn, err := engine.Open(context.Background(), "vfs-test", 1, DefineNodes)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ps := events.NewPubSub(events.Config{})
	rec := &recorder{}
	_, err = ps.SubscribeAll(rec)
	require.NoError(t, err)

	fs := New(conn, Config{
		Logger:  testLogger(),
		Options: opts,
		Events:  ps,
		Emitter: "vfs-test",
	})
	return fs, rec
}

// seedFiles creates dir holding n files, several hundred per unit.
func seedFiles(t *testing.T, fs *FS, dir string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fs.Mkdir(ctx, dir))
	parent, err := fs.Stat(ctx, dir)
	require.NoError(t, err)

	const batch = 500
	for start := 0; start < n; start += batch {
		err := fs.unit.Update(ctx, []string{NodesCollection}, func(tx *tkv.Tx) error {
			ns, err := OpenNodeStore(tx)
			if err != nil {
				return err
			}
			for i := start; i < min(start+batch, n); i++ {
				if _, err := ns.CreateNode(fmt.Sprintf("f%05d", i), NodeFile, []byte("x"), parent.NodeID); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func TestReadFileNeverCreated(t *testing.T) {
	fs, _ := newTestFS(t, Options{})
	ctx := context.Background()

	var notFound *ErrNodeNotFound
	_, err := fs.ReadFile(ctx, "/nope")
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "/nope", notFound.Path)

	_, err = fs.ReadFile(ctx, "/a/b/c")
	assert.ErrorAs(t, err, &notFound)
}

func TestMkdir(t *testing.T) {
	fs, rec := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/docs"))
	require.NoError(t, fs.Mkdir(ctx, "/docs/sub"))

	var conflict *ErrNodeConflict
	err := fs.Mkdir(ctx, "/docs")
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "/docs", conflict.Path)

	var parentMissing *ErrParentDirectoryNotFound
	err = fs.Mkdir(ctx, "/missing/child")
	require.ErrorAs(t, err, &parentMissing)
	assert.Equal(t, "/missing", parentMissing.Path)

	assert.Equal(t, []string{"/docs", "/docs/sub"}, rec.paths(events.TopicDirectoryCreated))

	t.Run("root", func(t *testing.T) {
		assert.ErrorAs(t, fs.Mkdir(ctx, "/"), &conflict)
	})

	t.Run("parent is a file", func(t *testing.T) {
		require.NoError(t, fs.WriteFile(ctx, "/f", []byte("x")))
		assert.ErrorAs(t, fs.Mkdir(ctx, "/f/sub"), &parentMissing)
	})

	t.Run("relative path", func(t *testing.T) {
		var invalid *ErrInvalidPath
		assert.ErrorAs(t, fs.Mkdir(ctx, "docs2"), &invalid)
	})

	t.Run("case sensitive names", func(t *testing.T) {
		assert.NoError(t, fs.Mkdir(ctx, "/Docs"))
	})
}

func TestWriteFileReadFile(t *testing.T) {
	fs, rec := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, "/a.txt", []byte("d1")))
	data, err := fs.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("d1"), data)

	before, err := fs.Stat(ctx, "/a.txt")
	require.NoError(t, err)

	require.NoError(t, fs.WriteFile(ctx, "/a.txt", []byte("d2")))
	data, err = fs.ReadFile(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("d2"), data)

	after, err := fs.Stat(ctx, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, before.NodeID, after.NodeID, "identity preserved across overwrite")
	assert.Equal(t, NodeFile, after.Type)
	assert.Equal(t, RootID, after.Parent)

	assert.Equal(t, []string{
		events.TopicFileOpened, events.TopicFileWritten,
		events.TopicFileOpened, events.TopicFileWritten,
	}, rec.topics())

	var parentMissing *ErrParentDirectoryNotFound
	assert.ErrorAs(t, fs.WriteFile(ctx, "/nodir/x", []byte("x")), &parentMissing)

	var invalidOp *ErrInvalidNodeOperation
	assert.ErrorAs(t, fs.WriteFile(ctx, "/", []byte("x")), &invalidOp)
}

func TestWriteFileOverDirectoryKeepsType(t *testing.T) {
	fs, _ := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/d"))
	require.NoError(t, fs.WriteFile(ctx, "/d", []byte("data")))

	node, err := fs.Stat(ctx, "/d")
	require.NoError(t, err)
	assert.Equal(t, NodeDir, node.Type)
	assert.Equal(t, []byte("data"), node.Data)
}

func TestRename(t *testing.T) {
	fs, rec := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/src"))
	require.NoError(t, fs.Mkdir(ctx, "/dst"))
	require.NoError(t, fs.WriteFile(ctx, "/src/a", []byte("A")))
	require.NoError(t, fs.WriteFile(ctx, "/dst/b", []byte("B")))
	orig, err := fs.Stat(ctx, "/src/a")
	require.NoError(t, err)
	rec.reset()

	t.Run("onto occupied path", func(t *testing.T) {
		var conflict *ErrNodeConflict
		require.ErrorAs(t, fs.Rename(ctx, "/src/a", "/dst/b"), &conflict)
		assert.Equal(t, "/dst/b", conflict.Path)

		a, err := fs.ReadFile(ctx, "/src/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("A"), a)
		b, err := fs.ReadFile(ctx, "/dst/b")
		require.NoError(t, err)
		assert.Equal(t, []byte("B"), b)
		assert.Empty(t, rec.topics(), "aborted unit publishes nothing")
	})

	t.Run("missing source", func(t *testing.T) {
		var notFound *ErrNodeNotFound
		assert.ErrorAs(t, fs.Rename(ctx, "/src/zzz", "/dst/zzz"), &notFound)
	})

	t.Run("missing destination parent", func(t *testing.T) {
		var parentMissing *ErrParentDirectoryNotFound
		assert.ErrorAs(t, fs.Rename(ctx, "/src/a", "/none/a"), &parentMissing)
	})

	t.Run("across directories", func(t *testing.T) {
		require.NoError(t, fs.Rename(ctx, "/src/a", "/dst/c"))

		data, err := fs.ReadFile(ctx, "/dst/c")
		require.NoError(t, err)
		assert.Equal(t, []byte("A"), data)

		var notFound *ErrNodeNotFound
		_, err = fs.ReadFile(ctx, "/src/a")
		assert.ErrorAs(t, err, &notFound)

		moved, err := fs.Stat(ctx, "/dst/c")
		require.NoError(t, err)
		assert.Equal(t, orig.NodeID, moved.NodeID)

		require.Len(t, rec.events, 1)
		assert.Equal(t, events.TopicPathMoved, rec.events[0].Topic)
		assert.Equal(t, "/src/a", rec.events[0].OldPath)
		assert.Equal(t, "/dst/c", rec.events[0].NewPath)
	})

	t.Run("directory carries its subtree", func(t *testing.T) {
		require.NoError(t, fs.Rename(ctx, "/dst", "/moved"))
		data, err := fs.ReadFile(ctx, "/moved/c")
		require.NoError(t, err)
		assert.Equal(t, []byte("A"), data)
	})

	t.Run("into own subtree", func(t *testing.T) {
		require.NoError(t, fs.Mkdir(ctx, "/moved/inner"))
		var cyclic *ErrCyclicMove
		assert.ErrorAs(t, fs.Rename(ctx, "/moved", "/moved/inner/moved"), &cyclic)
		assert.ErrorAs(t, fs.Rename(ctx, "/moved", "/moved/self"), &cyclic)
	})

	t.Run("root", func(t *testing.T) {
		var invalidOp *ErrInvalidNodeOperation
		assert.ErrorAs(t, fs.Rename(ctx, "/", "/x"), &invalidOp)
	})
}

func TestUnlink(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		fs, rec := newTestFS(t, Options{})
		require.NoError(t, fs.WriteFile(ctx, "/f", []byte("x")))
		require.NoError(t, fs.Unlink(ctx, "/f"))

		var notFound *ErrNodeNotFound
		_, err := fs.ReadFile(ctx, "/f")
		assert.ErrorAs(t, err, &notFound)
		assert.ErrorAs(t, fs.Unlink(ctx, "/f"), &notFound)
		assert.Equal(t, []string{"/f"}, rec.paths(events.TopicPathDeleted))
	})

	t.Run("directory orphans children", func(t *testing.T) {
		fs, _ := newTestFS(t, Options{})
		require.NoError(t, fs.Mkdir(ctx, "/d"))
		require.NoError(t, fs.WriteFile(ctx, "/d/f", []byte("x")))
		require.NoError(t, fs.Unlink(ctx, "/d"))

		tree, err := fs.GetFileTree(ctx)
		require.NoError(t, err)
		assert.Empty(t, tree)

		raw, err := fs.GetAllFilesRaw(ctx)
		require.NoError(t, err)
		require.Len(t, raw, 1)
		assert.Equal(t, "f", raw[0].Name)
	})

	t.Run("strict rejects directory", func(t *testing.T) {
		fs, _ := newTestFS(t, Options{StrictUnlink: true})
		require.NoError(t, fs.Mkdir(ctx, "/d"))
		var invalidOp *ErrInvalidNodeOperation
		require.ErrorAs(t, fs.Unlink(ctx, "/d"), &invalidOp)
		assert.Equal(t, "unlink", invalidOp.Operation)
		assert.Equal(t, string(NodeFile), invalidOp.Expected)
	})
}

func TestReadFileOnDirectory(t *testing.T) {
	ctx := context.Background()

	fs, _ := newTestFS(t, Options{})
	require.NoError(t, fs.Mkdir(ctx, "/d"))
	data, err := fs.ReadFile(ctx, "/d")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = fs.ReadFile(ctx, "/")
	require.NoError(t, err)
	assert.Nil(t, data)

	strict, _ := newTestFS(t, Options{StrictRead: true})
	require.NoError(t, strict.Mkdir(ctx, "/d"))
	var invalidOp *ErrInvalidNodeOperation
	_, err = strict.ReadFile(ctx, "/d")
	assert.ErrorAs(t, err, &invalidOp)
}

func TestRmdir(t *testing.T) {
	ctx := context.Background()

	t.Run("recursive removes every descendant", func(t *testing.T) {
		fs, rec := newTestFS(t, Options{})
		require.NoError(t, fs.Mkdir(ctx, "/d"))
		require.NoError(t, fs.WriteFile(ctx, "/d/f1", []byte("1")))
		require.NoError(t, fs.Mkdir(ctx, "/d/sub"))
		require.NoError(t, fs.WriteFile(ctx, "/d/sub/f2", []byte("2")))
		require.NoError(t, fs.Mkdir(ctx, "/d/sub/deeper"))
		require.NoError(t, fs.WriteFile(ctx, "/d/f3", []byte("3")))
		require.NoError(t, fs.WriteFile(ctx, "/keep", []byte("k")))
		rec.reset()

		require.NoError(t, fs.Rmdir(ctx, "/d", true))

		assert.Equal(t, []string{
			"/d/f1",
			"/d/sub/f2",
			"/d/sub/deeper",
			"/d/sub",
			"/d/f3",
			"/d",
		}, rec.paths(events.TopicPathDeleted))

		tree, err := fs.GetFileTree(ctx)
		require.NoError(t, err)
		assert.Equal(t, []TreeEntry{{Label: "keep"}}, tree)

		raw, err := fs.GetAllFilesRaw(ctx)
		require.NoError(t, err)
		assert.Len(t, raw, 1)
	})

	t.Run("non-recursive leaves children", func(t *testing.T) {
		fs, rec := newTestFS(t, Options{})
		require.NoError(t, fs.Mkdir(ctx, "/d"))
		require.NoError(t, fs.WriteFile(ctx, "/d/f", []byte("x")))
		rec.reset()

		require.NoError(t, fs.Rmdir(ctx, "/d", false))
		assert.Equal(t, []string{"/d"}, rec.paths(events.TopicPathDeleted))

		raw, err := fs.GetAllFilesRaw(ctx)
		require.NoError(t, err)
		assert.Len(t, raw, 1)
	})

	t.Run("require empty", func(t *testing.T) {
		fs, _ := newTestFS(t, Options{RequireEmptyRmdir: true})
		require.NoError(t, fs.Mkdir(ctx, "/d"))
		require.NoError(t, fs.WriteFile(ctx, "/d/f", []byte("x")))

		var notEmpty *ErrDirectoryNotEmpty
		assert.ErrorAs(t, fs.Rmdir(ctx, "/d", false), &notEmpty)

		require.NoError(t, fs.Unlink(ctx, "/d/f"))
		assert.NoError(t, fs.Rmdir(ctx, "/d", false))
	})

	t.Run("errors", func(t *testing.T) {
		fs, _ := newTestFS(t, Options{})
		require.NoError(t, fs.WriteFile(ctx, "/f", []byte("x")))

		var notFound *ErrNodeNotFound
		assert.ErrorAs(t, fs.Rmdir(ctx, "/none", true), &notFound)

		var invalidOp *ErrInvalidNodeOperation
		require.ErrorAs(t, fs.Rmdir(ctx, "/f", false), &invalidOp)
		assert.Equal(t, "/f", invalidOp.Path)
		assert.Equal(t, string(NodeDir), invalidOp.Expected)
		assert.Equal(t, "rmdir", invalidOp.Operation)

		assert.ErrorAs(t, fs.Rmdir(ctx, "/", true), &invalidOp)
	})
}

func TestGetFileTree(t *testing.T) {
	fs, _ := newTestFS(t, Options{})
	ctx := context.Background()

	tree, err := fs.GetFileTree(ctx)
	require.NoError(t, err)
	assert.Empty(t, tree)

	require.NoError(t, fs.Mkdir(ctx, "/docs"))
	require.NoError(t, fs.Mkdir(ctx, "/docs/empty"))
	require.NoError(t, fs.WriteFile(ctx, "/docs/a.txt", []byte("a")))
	require.NoError(t, fs.WriteFile(ctx, "/main.go", []byte("package main")))

	tree, err = fs.GetFileTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TreeEntry{
		{Label: "docs", Children: []TreeEntry{
			{Label: "empty", Children: []TreeEntry{}},
			{Label: "a.txt"},
		}},
		{Label: "main.go"},
	}, tree)
}

func TestStatReadDirGlob(t *testing.T) {
	fs, _ := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/src"))
	require.NoError(t, fs.Mkdir(ctx, "/src/pkg"))
	require.NoError(t, fs.WriteFile(ctx, "/src/b.go", []byte("b")))
	require.NoError(t, fs.WriteFile(ctx, "/src/a.go", []byte("a")))
	require.NoError(t, fs.WriteFile(ctx, "/src/pkg/c.go", []byte("c")))
	require.NoError(t, fs.WriteFile(ctx, "/README", []byte("r")))

	root, err := fs.Stat(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, RootID, root.NodeID)
	assert.True(t, root.IsDir())

	entries, err := fs.ReadDir(ctx, "/src")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.go", "b.go", "pkg"}, names)

	var invalidOp *ErrInvalidNodeOperation
	_, err = fs.ReadDir(ctx, "/README")
	assert.ErrorAs(t, err, &invalidOp)

	matches, err := fs.Glob(ctx, "/src/**/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.go", "/src/b.go", "/src/pkg/c.go"}, matches)

	matches, err = fs.Glob(ctx, "/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"/README", "/src"}, matches)

	_, err = fs.Glob(ctx, "/[")
	assert.Error(t, err)
}

func TestScenario(t *testing.T) {
	fs, rec := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/docs"))
	require.NoError(t, fs.WriteFile(ctx, "/docs/a.txt", []byte("hello")))
	require.NoError(t, fs.Rename(ctx, "/docs/a.txt", "/docs/b.txt"))

	data, err := fs.ReadFile(ctx, "/docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, fs.Unlink(ctx, "/docs/b.txt"))

	var notFound *ErrNodeNotFound
	_, err = fs.ReadFile(ctx, "/docs/b.txt")
	assert.ErrorAs(t, err, &notFound)

	assert.Equal(t, []string{
		events.TopicDirectoryCreated,
		events.TopicFileOpened,
		events.TopicFileWritten,
		events.TopicPathMoved,
		events.TopicPathDeleted,
	}, rec.topics())
}

func TestWriteFileLargerThanValueLimit(t *testing.T) {
	for _, inMemory := range []bool{true, false} {
		t.Run(fmt.Sprintf("inMemory=%v", inMemory), func(t *testing.T) {
			fs, _ := newTestFSWith(t, Options{}, tkv.Config{InMemory: inMemory})
			ctx := context.Background()

			big := bytes.Repeat([]byte("0123456789abcdef"), (3<<20)/16)
			require.NoError(t, fs.WriteFile(ctx, "/big", big))
			got, err := fs.ReadFile(ctx, "/big")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(big, got), "read back %d bytes, wrote %d", len(got), len(big))

			require.NoError(t, fs.Rename(ctx, "/big", "/moved"))
			got, err = fs.ReadFile(ctx, "/moved")
			require.NoError(t, err)
			assert.Len(t, got, len(big))

			require.NoError(t, fs.WriteFile(ctx, "/moved", []byte("small")))
			got, err = fs.ReadFile(ctx, "/moved")
			require.NoError(t, err)
			assert.Equal(t, []byte("small"), got)

			require.NoError(t, fs.WriteFile(ctx, "/moved", big))
			require.NoError(t, fs.Unlink(ctx, "/moved"))
			nodes, err := fs.GetAllFilesRaw(ctx)
			require.NoError(t, err)
			assert.Empty(t, nodes)
		})
	}
}

func TestRmdirRecursiveLargeDirectory(t *testing.T) {
	fs, rec := newTestFS(t, Options{})
	ctx := context.Background()
	const files = 10000

	seedFiles(t, fs, "/d", files)
	rec.reset()

	require.NoError(t, fs.Rmdir(ctx, "/d", true))
	nodes, err := fs.GetAllFilesRaw(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	deleted := rec.paths(events.TopicPathDeleted)
	require.Len(t, deleted, files+1)
	assert.Equal(t, "/d/f00000", deleted[0])
	assert.Equal(t, "/d", deleted[files])
}

func TestRmdirTooLargeForOneUnitLeavesTreeIntact(t *testing.T) {
	fs, rec := newTestFSWith(t, Options{}, tkv.Config{InMemory: true, MemTableSize: 8 << 20})
	ctx := context.Background()
	const files = 8000

	seedFiles(t, fs, "/d", files)
	rec.reset()

	var tooLarge *tkv.ErrUnitTooLarge
	require.ErrorAs(t, fs.Rmdir(ctx, "/d", true), &tooLarge)

	nodes, err := fs.GetAllFilesRaw(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, files+1, "every node survives")
	entries, err := fs.ReadDir(ctx, "/d")
	require.NoError(t, err)
	assert.Len(t, entries, files)
	assert.Empty(t, rec.paths(events.TopicPathDeleted), "failed unit publishes no deletions")
}

func TestSameNameInDifferentDirectories(t *testing.T) {
	fs, _ := newTestFS(t, Options{})
	ctx := context.Background()

	require.NoError(t, fs.Mkdir(ctx, "/a"))
	require.NoError(t, fs.Mkdir(ctx, "/b"))
	require.NoError(t, fs.Mkdir(ctx, "/b/a"))
	require.NoError(t, fs.WriteFile(ctx, "/x", []byte("root")))
	require.NoError(t, fs.WriteFile(ctx, "/a/x", []byte("in a")))
	require.NoError(t, fs.WriteFile(ctx, "/b/x", []byte("in b")))
	require.NoError(t, fs.WriteFile(ctx, "/b/a/x", []byte("in b/a")))

	for path, want := range map[string]string{"/x": "root", "/a/x": "in a", "/b/x": "in b", "/b/a/x": "in b/a"} {
		got, err := fs.ReadFile(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}

	require.NoError(t, fs.WriteFile(ctx, "/b/x", []byte("rewritten")))
	require.NoError(t, fs.Unlink(ctx, "/a/x"))

	got, err := fs.ReadFile(ctx, "/b/x")
	require.NoError(t, err)
	assert.Equal(t, "rewritten", string(got))
	got, err = fs.ReadFile(ctx, "/x")
	require.NoError(t, err)
	assert.Equal(t, "root", string(got))
	got, err = fs.ReadFile(ctx, "/b/a/x")
	require.NoError(t, err)
	assert.Equal(t, "in b/a", string(got))

	var notFound *ErrNodeNotFound
	_, err = fs.ReadFile(ctx, "/a/x")
	assert.ErrorAs(t, err, &notFound)
	_, err = fs.Stat(ctx, "/a/b")
	assert.ErrorAs(t, err, &notFound)
}
