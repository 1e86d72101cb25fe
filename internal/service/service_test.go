package service

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mdouchement/logger"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdouchement/s3cache/internal/cacheerror"
	"github.com/mdouchement/s3cache/internal/hasher"
	"github.com/mdouchement/s3cache/internal/storage"
	"github.com/mdouchement/s3cache/internal/walker"
	"github.com/mdouchement/s3cache/internal/xpath"
)

// faulty wraps a backend and fails the operations on the keys matched by its predicates.
type faulty struct {
	storage.Backend

	mu       sync.Mutex
	failPut  func(key string) bool
	onExists func(key string)
	puts     []string
}

func (b *faulty) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	hook := b.onExists
	b.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return b.Backend.Exists(ctx, key)
}

func (b *faulty) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	b.mu.Lock()
	fail := b.failPut != nil && b.failPut(key)
	b.puts = append(b.puts, key)
	b.mu.Unlock()

	if fail {
		return io.ErrUnexpectedEOF
	}
	return b.Backend.Put(ctx, key, r, size)
}

type fixture struct {
	t       *testing.T
	ctrl    Controller
	backend *faulty
	src     string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	backend, err := storage.NewFileSystem(filepath.Join(t.TempDir(), "store"), true)
	require.NoError(t, err)

	h, err := hasher.New("")
	require.NoError(t, err)

	f := &fixture{
		t:       t,
		backend: &faulty{Backend: backend},
		src:     t.TempDir(),
	}
	f.ctrl = Controller{
		Logger:      logger.WrapLogrus(log),
		Storage:     f.backend,
		Hasher:      h,
		Layout:      xpath.NewLayout("ci"),
		Concurrency: 4,
	}

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(f.src))
	t.Cleanup(func() {
		os.Chdir(wd)
	})
	return f
}

func (f *fixture) write(name, content string, mode os.FileMode) {
	f.t.Helper()

	filename := filepath.Join(f.src, filepath.FromSlash(name))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(filename), 0o755))
	require.NoError(f.t, os.WriteFile(filename, []byte(content), mode))
	require.NoError(f.t, os.Chmod(filename, mode))
}

func (f *fixture) upload(name string, recursive bool, paths ...string) error {
	f.t.Helper()

	_, err := NewUploader(f.ctrl).Upload(context.Background(), name, walker.Walk(paths, recursive))
	return err
}

func (f *fixture) keys(prefix string) []string {
	f.t.Helper()

	keys := []string{}
	for key, err := range f.ctrl.Storage.List(context.Background(), f.ctrl.Layout.Prefix+"/"+prefix) {
		require.NoError(f.t, err)
		keys = append(keys, key)
	}
	return keys
}

func (f *fixture) names() []string {
	f.t.Helper()

	names := []string{}
	for name, err := range NewSnapshots(f.ctrl).List(context.Background()) {
		require.NoError(f.t, err)
		names = append(names, name)
	}
	return names
}

func (f *fixture) manifest(name string) []byte {
	f.t.Helper()

	rc, err := f.ctrl.Storage.Get(context.Background(), f.ctrl.Layout.Snapshot(name))
	require.NoError(f.t, err)
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	require.NoError(f.t, err)
	return payload
}

func assertFile(t *testing.T, filename, content string, mode os.FileMode) {
	t.Helper()

	payload, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, content, string(payload))

	info, err := os.Stat(filename)
	require.NoError(t, err)
	assert.Equal(t, mode, info.Mode().Perm(), filename)
}

func TestScenario(t *testing.T) {
	f := setup(t)
	f.write("hello.sh", "#!/bin/sh\necho hello\n", 0o755)
	f.write("text.txt", "some text", 0o644)
	f.write("dir/text.txt", "other text", 0o644)

	require.NoError(t, f.upload("test-1", false, "hello.sh", "text.txt", "dir/text.txt"))
	assert.Contains(t, f.names(), "test-1")

	out := filepath.Join(t.TempDir(), "out")
	manifest, err := NewDownloader(f.ctrl).Download(context.Background(), "test-1", out)
	require.NoError(t, err)
	assert.Len(t, manifest.Files, 3)

	assertFile(t, filepath.Join(out, "hello.sh"), "#!/bin/sh\necho hello\n", 0o755)
	assertFile(t, filepath.Join(out, "text.txt"), "some text", 0o644)
	assertFile(t, filepath.Join(out, "dir", "text.txt"), "other text", 0o644)

	require.NoError(t, NewSnapshots(f.ctrl).Delete(context.Background(), "test-1"))
	assert.NotContains(t, f.names(), "test-1")
}

func TestRoundTripRecursive(t *testing.T) {
	f := setup(t)
	f.write("build/bin/tool", "binary", 0o755)
	f.write("build/lib/a.so", "library", 0o644)
	f.write("build/secret", "private", 0o600)
	f.write("build/empty", "", 0o644)

	require.NoError(t, f.upload("build", true, "build"))

	out := t.TempDir()
	_, err := NewDownloader(f.ctrl).Download(context.Background(), "build", out)
	require.NoError(t, err)

	assertFile(t, filepath.Join(out, "build", "bin", "tool"), "binary", 0o755)
	assertFile(t, filepath.Join(out, "build", "lib", "a.so"), "library", 0o644)
	assertFile(t, filepath.Join(out, "build", "secret"), "private", 0o600)
	assertFile(t, filepath.Join(out, "build", "empty"), "", 0o644)

	entries, err := os.ReadDir(filepath.Join(out, "build"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".part"), "temporary file %s left behind", entry.Name())
	}
}

func TestDeduplication(t *testing.T) {
	f := setup(t)
	f.write("a/shared.bin", "same content", 0o644)
	f.write("b/copy.bin", "same content", 0o644)
	f.write("b/other.bin", "other content", 0o644)

	require.NoError(t, f.upload("first", false, "a/shared.bin"))
	require.NoError(t, f.upload("second", false, "b/copy.bin", "b/other.bin"))

	assert.Len(t, f.keys("blobs/sha256/"), 2, "identical content is stored once")
	assert.ElementsMatch(t, []string{"first", "second"}, f.names())

	report, err := NewUploader(f.ctrl).Upload(context.Background(), "third", walker.Walk([]string{"a", "b"}, true))
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Uploaded)
	assert.Equal(t, int64(3), report.Skipped)
	assert.Len(t, report.Manifest.Files, 3)
}

func TestConcurrentUploadReports(t *testing.T) {
	f := setup(t)
	for i := 0; i < 5; i++ {
		f.write("x/"+strconv.Itoa(i), "x content "+strconv.Itoa(i), 0o644)
	}
	for i := 0; i < 3; i++ {
		f.write("y/"+strconv.Itoa(i), "y content "+strconv.Itoa(i), 0o644)
	}

	uploader := NewUploader(f.ctrl)
	reports := make([]*Report, 2)
	var wg sync.WaitGroup
	for i, dir := range []string{"x", "y"} {
		wg.Add(1)
		go func() {
			defer wg.Done()

			report, err := uploader.Upload(context.Background(), dir, walker.Walk([]string{dir}, true))
			assert.NoError(t, err)
			reports[i] = report
		}()
	}
	wg.Wait()

	require.NotNil(t, reports[0])
	require.NotNil(t, reports[1])
	assert.Equal(t, int64(5), reports[0].Uploaded)
	assert.Equal(t, int64(0), reports[0].Skipped)
	assert.Equal(t, int64(3), reports[1].Uploaded)
	assert.Equal(t, int64(0), reports[1].Skipped)
	assert.ElementsMatch(t, []string{"x", "y"}, f.names())
}

func TestIdempotentReupload(t *testing.T) {
	f := setup(t)
	f.write("dir/a.txt", "a", 0o644)
	f.write("dir/b.txt", "b", 0o755)

	require.NoError(t, f.upload("same", true, "dir"))
	first := f.manifest("same")

	require.NoError(t, f.upload("same", true, "dir"))
	assert.Equal(t, first, f.manifest("same"))
	assert.Len(t, f.keys("blobs/sha256/"), 2)
}

func TestReuploadReplacesManifest(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)
	f.write("b.txt", "b", 0o644)

	require.NoError(t, f.upload("name", false, "a.txt", "b.txt"))
	require.NoError(t, f.upload("name", false, "b.txt"))

	manifest, err := NewSnapshots(f.ctrl).Show(context.Background(), "name")
	require.NoError(t, err)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, "b.txt", manifest.Files[0].Path)
}

func TestRecursiveEquivalence(t *testing.T) {
	f := setup(t)
	f.write("dir/a", "a", 0o644)
	f.write("dir/b", "b", 0o755)

	require.NoError(t, f.upload("recursive", true, "dir"))
	require.NoError(t, f.upload("explicit", false, "dir/a", "dir/b"))

	assert.Equal(t, f.manifest("recursive"), f.manifest("explicit"))
}

func TestUploadFailurePublishesNothing(t *testing.T) {
	f := setup(t)
	f.write("ok.txt", "fine", 0o644)
	f.write("broken.txt", "unreadable", 0o644)

	f.backend.failPut = func(key string) bool {
		return strings.Contains(key, "blobs/")
	}

	err := f.upload("atomic", false, "ok.txt", "broken.txt")
	require.Error(t, err)
	assert.Equal(t, cacheerror.Store, cacheerror.KindOf(err))
	assert.Empty(t, f.names())

	for _, key := range f.backend.puts {
		assert.NotContains(t, key, "snapshots/")
	}
}

func TestUploadFailureKeepsPreviousManifest(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)
	require.NoError(t, f.upload("kept", false, "a.txt"))
	previous := f.manifest("kept")

	err := f.upload("kept", false, "a.txt", "missing.txt")
	require.Error(t, err)
	assert.Equal(t, cacheerror.LocalIO, cacheerror.KindOf(err))
	assert.Equal(t, previous, f.manifest("kept"))
}

func TestUploadUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}

	f := setup(t)
	f.write("a.txt", "a", 0o644)
	f.write("locked.txt", "locked", 0o000)

	err := f.upload("locked", false, "a.txt", "locked.txt")
	require.Error(t, err)
	assert.Equal(t, cacheerror.LocalIO, cacheerror.KindOf(err))
	assert.Empty(t, f.names())
}

func TestUploadDirectoryWithoutRecursion(t *testing.T) {
	f := setup(t)
	f.write("dir/a.txt", "a", 0o644)

	err := f.upload("dir", false, "dir")
	require.Error(t, err)
	assert.Equal(t, cacheerror.EntryKind, cacheerror.KindOf(err))
	assert.Empty(t, f.names())
}

func TestUploadConflictingPaths(t *testing.T) {
	f := setup(t)
	f.write("text.txt", "root", 0o644)
	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, "text.txt"), []byte("elsewhere"), 0o644))

	err := f.upload("conflict", false, "text.txt", filepath.Join(other, "text.txt"))
	require.Error(t, err)
	assert.Equal(t, cacheerror.EntryKind, cacheerror.KindOf(err))

	require.NoError(t, f.upload("twice", false, "text.txt", "text.txt"), "the same file listed twice is kept once")
	manifest, err := NewSnapshots(f.ctrl).Show(context.Background(), "twice")
	require.NoError(t, err)
	assert.Len(t, manifest.Files, 1)
}

func TestInvalidName(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)

	err := f.upload("../escape", false, "a.txt")
	assert.Equal(t, cacheerror.Invalid, cacheerror.KindOf(err))

	_, err = NewDownloader(f.ctrl).Download(context.Background(), "", t.TempDir())
	assert.Equal(t, cacheerror.Invalid, cacheerror.KindOf(err))
}

func TestDeleteIsolation(t *testing.T) {
	f := setup(t)
	f.write("shared.txt", "shared", 0o644)
	f.write("only-m.txt", "m", 0o644)

	require.NoError(t, f.upload("N", false, "shared.txt"))
	require.NoError(t, f.upload("M", false, "shared.txt", "only-m.txt"))

	require.NoError(t, NewSnapshots(f.ctrl).Delete(context.Background(), "N"))
	assert.Equal(t, []string{"M"}, f.names())

	out := t.TempDir()
	_, err := NewDownloader(f.ctrl).Download(context.Background(), "M", out)
	require.NoError(t, err)
	assertFile(t, filepath.Join(out, "shared.txt"), "shared", 0o644)
}

func TestDeleteMissing(t *testing.T) {
	f := setup(t)

	err := NewSnapshots(f.ctrl).Delete(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, cacheerror.NotFound, cacheerror.KindOf(err))
}

func TestDownloadMissingSnapshot(t *testing.T) {
	f := setup(t)

	_, err := NewDownloader(f.ctrl).Download(context.Background(), "nope", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, cacheerror.NotFound, cacheerror.KindOf(err))
}

func TestDownloadMissingBlob(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)
	require.NoError(t, f.upload("lost", false, "a.txt"))

	for _, key := range f.keys("blobs/") {
		require.NoError(t, f.ctrl.Storage.Delete(context.Background(), key))
	}

	_, err := NewDownloader(f.ctrl).Download(context.Background(), "lost", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, cacheerror.Corruption, cacheerror.KindOf(err))
}

func TestDownloadTamperedBlob(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "original", 0o644)
	require.NoError(t, f.upload("tampered", false, "a.txt"))

	keys := f.keys("blobs/")
	require.Len(t, keys, 1)
	require.NoError(t, f.ctrl.Storage.Put(context.Background(), keys[0], bytes.NewReader([]byte("forged")), 6))

	out := t.TempDir()
	_, err := NewDownloader(f.ctrl).Download(context.Background(), "tampered", out)
	require.Error(t, err)
	assert.Equal(t, cacheerror.Corruption, cacheerror.KindOf(err))
	assert.NoFileExists(t, filepath.Join(out, "a.txt"))
}

func TestDownloadMalformedManifest(t *testing.T) {
	f := setup(t)

	payload := []byte(`{"version": 42, "files": []}`)
	require.NoError(t, f.ctrl.Storage.Put(context.Background(), f.ctrl.Layout.Snapshot("future"), bytes.NewReader(payload), int64(len(payload))))

	_, err := NewDownloader(f.ctrl).Download(context.Background(), "future", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, cacheerror.ManifestFormat, cacheerror.KindOf(err))
}

func TestBLAKE3Namespace(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)
	require.NoError(t, f.upload("sha", false, "a.txt"))

	h, err := hasher.New("blake3")
	require.NoError(t, err)
	f.ctrl.Hasher = h
	require.NoError(t, f.upload("blake", false, "a.txt"))

	assert.Len(t, f.keys("blobs/sha256/"), 1)
	assert.Len(t, f.keys("blobs/blake3/"), 1)

	out := t.TempDir()
	_, err = NewDownloader(f.ctrl).Download(context.Background(), "sha", out)
	require.NoError(t, err, "manifests carry their own algorithm")
	assertFile(t, filepath.Join(out, "a.txt"), "a", 0o644)
}

func TestListIsRestartable(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "a", 0o644)
	for _, name := range []string{"one", "two", "feature/three"} {
		require.NoError(t, f.upload(name, false, "a.txt"))
	}

	snapshots := NewSnapshots(f.ctrl)
	for name, err := range snapshots.List(context.Background()) {
		require.NoError(t, err)
		assert.NotEmpty(t, name)
		break
	}

	assert.ElementsMatch(t, []string{"one", "two", "feature/three"}, f.names())
	assert.ElementsMatch(t, f.names(), f.names())
}

func TestOpen(t *testing.T) {
	f := setup(t)
	f.write("dir/a.txt", "content of a", 0o640)
	require.NoError(t, f.upload("open", true, "dir"))

	snapshots := NewSnapshots(f.ctrl)

	rc, entry, err := snapshots.Open(context.Background(), "open", "dir/a.txt")
	require.NoError(t, err)
	payload, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "content of a", string(payload))
	assert.Equal(t, int64(12), entry.Size)
	assert.Equal(t, os.FileMode(0o640), entry.Mode)

	_, _, err = snapshots.Open(context.Background(), "open", "dir/b.txt")
	assert.Equal(t, cacheerror.NotFound, cacheerror.KindOf(err))

	_, _, err = snapshots.Open(context.Background(), "missing", "dir/a.txt")
	assert.Equal(t, cacheerror.NotFound, cacheerror.KindOf(err))
}

func TestOpenTampered(t *testing.T) {
	f := setup(t)
	f.write("a.txt", "original", 0o644)
	require.NoError(t, f.upload("open", false, "a.txt"))

	keys := f.keys("blobs/")
	require.Len(t, keys, 1)
	require.NoError(t, f.ctrl.Storage.Put(context.Background(), keys[0], bytes.NewReader([]byte("forged")), 6))

	rc, _, err := NewSnapshots(f.ctrl).Open(context.Background(), "open", "a.txt")
	require.NoError(t, err)
	defer rc.Close()

	_, err = io.ReadAll(rc)
	assert.Equal(t, cacheerror.Corruption, cacheerror.KindOf(err))
}

func TestUploadFileChangedDuringUpload(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{name: "same size", content: "bbbb"},
		{name: "shrunk", content: "a"},
		{name: "grown", content: "aaaaaaaa"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)
			f.write("a.txt", "aaaa", 0o644)

			// The content is rewritten after its digest is computed and before it is stored.
			f.backend.onExists = func(key string) {
				if strings.Contains(key, "blobs/") {
					assert.NoError(t, os.WriteFile(filepath.Join(f.src, "a.txt"), []byte(tc.content), 0o644))
				}
			}

			err := f.upload("changed", false, "a.txt")
			require.Error(t, err)
			assert.Equal(t, cacheerror.LocalIO, cacheerror.KindOf(err))
			assert.Empty(t, f.names())
			assert.Empty(t, f.keys("blobs/"), "no blob is stored under a digest it does not match")

			// A later upload of the original content stores a sound blob.
			f.backend.onExists = nil
			f.write("a.txt", "aaaa", 0o644)
			require.NoError(t, f.upload("changed", false, "a.txt"))

			out := t.TempDir()
			_, err = NewDownloader(f.ctrl).Download(context.Background(), "changed", out)
			require.NoError(t, err)
			assertFile(t, filepath.Join(out, "a.txt"), "aaaa", 0o644)
		})
	}
}

// gauge wraps a backend and records how many Exists and Put calls run simultaneously.
type gauge struct {
	storage.Backend

	inflight atomic.Int64
	peak     atomic.Int64
	exists   atomic.Int64
	failPut  bool
}

func (b *gauge) enter() func() {
	n := b.inflight.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	return func() {
		b.inflight.Add(-1)
	}
}

func (b *gauge) Exists(ctx context.Context, key string) (bool, error) {
	defer b.enter()()
	b.exists.Add(1)
	return b.Backend.Exists(ctx, key)
}

func (b *gauge) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	defer b.enter()()
	if b.failPut {
		return io.ErrUnexpectedEOF
	}
	return b.Backend.Put(ctx, key, r, size)
}

func TestUploadConcurrencyLimit(t *testing.T) {
	f := setup(t)
	for i := 0; i < 24; i++ {
		f.write(filepath.Join("dir", strconv.Itoa(i)), "content "+strconv.Itoa(i), 0o644)
	}

	backend := &gauge{Backend: f.ctrl.Storage}
	f.ctrl.Storage = backend
	f.ctrl.Concurrency = 3

	require.NoError(t, f.upload("bounded", true, "dir"))
	assert.LessOrEqual(t, backend.peak.Load(), int64(3))
	assert.Equal(t, int64(24), backend.exists.Load())

	out := t.TempDir()
	_, err := NewDownloader(f.ctrl).Download(context.Background(), "bounded", out)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(out, "dir"))
}

func TestUploadStopsSchedulingAfterFailure(t *testing.T) {
	f := setup(t)
	for i := 0; i < 24; i++ {
		f.write(filepath.Join("dir", strconv.Itoa(i)), "content "+strconv.Itoa(i), 0o644)
	}

	backend := &gauge{Backend: f.ctrl.Storage, failPut: true}
	f.ctrl.Storage = backend
	f.ctrl.Concurrency = 3

	err := f.upload("failing", true, "dir")
	require.Error(t, err)
	assert.Equal(t, cacheerror.Store, cacheerror.KindOf(err))

	// Every put fails, so only the entries started before the first failure reach the store.
	assert.LessOrEqual(t, backend.exists.Load(), int64(3))
	assert.Empty(t, f.names())
}
