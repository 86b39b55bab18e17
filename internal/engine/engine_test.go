package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/picklr-io/pantry/internal/origin"
	"github.com/picklr-io/pantry/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memOrigin serves objects from memory with per-path failure injection.
type memOrigin struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string][]error // consumed one per fetch
	fetches  map[string]int
}

func newMemOrigin() *memOrigin {
	return &memOrigin{
		objects:  map[string][]byte{},
		failures: map[string][]error{},
		fetches:  map[string]int{},
	}
}

func (o *memOrigin) Fetch(ctx context.Context, p string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches[p]++
	if errs := o.failures[p]; len(errs) > 0 {
		o.failures[p] = errs[1:]
		return nil, errs[0]
	}
	data, ok := o.objects[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", origin.ErrNotFound, p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *memOrigin) failNext(p string, errs ...error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[p] = append(o.failures[p], errs...)
}

func (o *memOrigin) count(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetches[p]
}

// publish writes a manifest bundle for packages (pre-name -> hashed name)
// and a blob for each package.
func (o *memOrigin) publish(t *testing.T, platform string, packages map[string]string, deps map[string][]string) {
	t.Helper()
	hashes := ir.HashTable{PreToHashes: map[string]string{}, HashesToPre: map[string]string{}}
	for pre, hashed := range packages {
		hashes.PreToHashes[pre] = hashed
		hashes.HashesToPre[hashed] = pre
		o.objects[manifest.PackagePath(platform, hashed)] = []byte("blob:" + hashed)
	}
	put := func(name string, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		o.objects[platform+"/"+manifest.MetaDir+"/"+name] = data
	}
	put(manifest.HashesFile, hashes)
	put(manifest.DependenciesFile, ir.DependencyTable{Dependences: deps})
	put(manifest.AssetKeysFile, ir.AssetKeyTable{})
	put(manifest.PackageKeysFile, ir.PackageKeyTable{})
	o.objects[manifest.MainPackagePath(platform)] = []byte("main")
}

// blobPath is where the test origin serves an android package.
func blobPath(hashed string) string {
	return manifest.PackagePath("android", hashed)
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestEngine(t *testing.T, o origin.Origin, opts ...Option) (*Engine, *cache.Store) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir(), cache.WithReserved("android"))
	require.NoError(t, err)
	opts = append([]Option{WithPlatform("android"), WithRetryPolicy(fastRetry())}, opts...)
	e := NewEngine(o, store, nil, opts...)
	t.Cleanup(e.Close)
	return e, store
}

func seed(t *testing.T, store *cache.Store, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(store.Path(name), []byte("old:"+name), 0644))
	}
}

func TestReconcile_StalePackageReplaced(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"packageA": "packageA_h2"}, nil)
	e, store := newTestEngine(t, o)
	seed(t, store, "packageA_h1")

	plan, err := e.CreatePlan(context.Background(), mustFetch(t, e))
	require.NoError(t, err)
	assert.Equal(t, ir.StatusStale, plan.Statuses["packageA"])

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"packageA"}, result.Downloaded)
	assert.Equal(t, []string{"packageA_h1"}, result.Removed)
	assert.Equal(t, 1, o.count(blobPath("packageA_h2")))
	assert.Equal(t, PhaseReady, e.Phase())
	assert.Equal(t, ir.StatusUpToDate, e.Statuses()["packageA"])

	assert.True(t, store.Exists("packageA_h2"))
	assert.False(t, store.Exists("packageA_h1"))
	data, err := os.ReadFile(store.Path("packageA_h2"))
	require.NoError(t, err)
	assert.Equal(t, "blob:packageA_h2", string(data))

	idx, err := store.ReadIndex(context.Background())
	require.NoError(t, err)
	entry := idx.Entry("packageA")
	require.NotNil(t, entry)
	assert.Equal(t, "packageA_h2", entry.FileName)
	assert.NotEmpty(t, entry.Digest)
	assert.Equal(t, "android", idx.Platform)

	// A second pass has nothing left to do.
	result, err = e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Downloaded)
	assert.Equal(t, 1, o.count(blobPath("packageA_h2")))
}

func mustFetch(t *testing.T, e *Engine) *ir.Manifest {
	t.Helper()
	m, err := e.FetchManifest(context.Background())
	require.NoError(t, err)
	return m
}

func TestCreatePlan_Classification(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{
		"current": "current_h1",
		"stale":   "stale_h2",
		"missing": "missing_h1",
	}, nil)
	e, store := newTestEngine(t, o)
	seed(t, store, "current_h1", "stale_h1", "orphan_h1", "current_h1.meta")

	m := mustFetch(t, e)
	assert.Equal(t, PhaseCompare, e.Phase())

	plan, err := e.CreatePlan(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, map[string]Status{
		"current": ir.StatusUpToDate,
		"stale":   ir.StatusStale,
		"missing": ir.StatusMissing,
	}, plan.Statuses)
	assert.Equal(t, []string{"orphan"}, plan.Unclassified)
	assert.Equal(t, &ir.PlanSummary{UpToDate: 1, Stale: 1, Missing: 1, Unclassified: 1}, plan.Summary)
	assert.NotEmpty(t, plan.Metadata.PassID)

	require.Len(t, plan.Changes, 2)
	byPkg := map[string]*ir.PackageChange{}
	for _, c := range plan.Changes {
		byPkg[c.Package] = c
	}
	assert.Equal(t, "renamed", byPkg["stale"].Reason)
	assert.Equal(t, "stale_h1", byPkg["stale"].LocalName)
	assert.Equal(t, "missing", byPkg["missing"].Reason)
}

func TestReconcile_FailureKeepsClassification(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"good": "good_h1", "bad": "bad_h1"}, nil)
	delete(o.objects, blobPath("bad_h1"))
	e, store := newTestEngine(t, o)

	var mu sync.Mutex
	var events []DownloadEvent
	result, err := e.ReconcileWithCallback(context.Background(), func(ev DownloadEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, origin.ErrNotFound)
	assert.Contains(t, err.Error(), "1 package(s) failed")

	assert.Equal(t, []string{"good"}, result.Downloaded)
	assert.Equal(t, []string{"bad"}, result.Failed)
	assert.Equal(t, PhaseReady, e.Phase())
	assert.Equal(t, ir.StatusMissing, e.Statuses()["bad"])
	assert.Equal(t, ir.StatusUpToDate, e.Statuses()["good"])

	// Not found is permanent: one attempt, no partial file.
	assert.Equal(t, 1, o.count(blobPath("bad_h1")))
	_, statErr := os.Stat(store.Path("bad_h1") + cache.PartSuffix)
	assert.True(t, os.IsNotExist(statErr))

	statuses := map[string][]string{}
	for _, ev := range events {
		statuses[ev.Package] = append(statuses[ev.Package], ev.Status)
	}
	assert.Equal(t, []string{"started", "completed"}, statuses["good"])
	assert.Equal(t, []string{"started", "failed"}, statuses["bad"])
}

func TestReconcile_RetriesTransientErrors(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	busy := &origin.StatusError{URL: "core_h1", Code: 503}
	o.failNext(blobPath("core_h1"), busy, busy)
	e, store := newTestEngine(t, o)

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"core"}, result.Downloaded)
	assert.Equal(t, 3, o.count(blobPath("core_h1")))
	assert.True(t, store.Exists("core_h1"))
}

func TestReconcile_ManifestFailure(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	delete(o.objects, "android/"+manifest.MetaDir+"/"+manifest.DependenciesFile)
	e, store := newTestEngine(t, o)

	_, err := e.Reconcile(context.Background())
	require.Error(t, err)

	var me *ManifestError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "android/"+manifest.MetaDir+"/"+manifest.DependenciesFile, me.File)
	assert.ErrorIs(t, err, origin.ErrNotFound)
	assert.Equal(t, PhaseNone, e.Phase())
	assert.False(t, store.Exists("core_h1"))

	// The lock is released after a failed pass.
	require.NoError(t, store.Lock(context.Background()))
	require.NoError(t, store.Unlock(context.Background()))
}

func TestReconcile_MissingPlatform(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	e := NewEngine(newMemOrigin(), store, nil)
	defer e.Close()

	_, err = e.Reconcile(context.Background())
	var me *ManifestError
	assert.ErrorAs(t, err, &me)
}

func TestReconcile_Force(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	e, store := newTestEngine(t, o, WithForce(true))
	seed(t, store, "core_h1")

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Plan.Changes, 1)
	assert.Equal(t, "forced", result.Plan.Changes[0].Reason)
	assert.Equal(t, []string{"core"}, result.Downloaded)
	assert.Empty(t, result.Removed)

	data, err := os.ReadFile(store.Path("core_h1"))
	require.NoError(t, err)
	assert.Equal(t, "blob:core_h1", string(data))
}

func TestCreatePlan_VerifyIntegrity(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1", "ui": "ui_h1"}, nil)
	e, store := newTestEngine(t, o)

	_, err := e.Reconcile(context.Background())
	require.NoError(t, err)

	// Corrupt one package behind the index's back.
	require.NoError(t, os.WriteFile(store.Path("ui_h1"), []byte("tampered"), 0644))
	// A file the index never saw.
	seed(t, store, "extra_h1")
	o.publish(t, "android", map[string]string{"core": "core_h1", "ui": "ui_h1", "extra": "extra_h1"}, nil)

	e.VerifyIntegrity = true
	plan, err := e.CreatePlan(context.Background(), mustFetch(t, e))
	require.NoError(t, err)

	assert.Equal(t, ir.StatusUpToDate, plan.Statuses["core"])
	assert.Equal(t, ir.StatusStale, plan.Statuses["ui"])
	assert.Equal(t, ir.StatusStale, plan.Statuses["extra"])

	reasons := map[string]string{}
	for _, c := range plan.Changes {
		reasons[c.Package] = c.Reason
	}
	assert.Equal(t, map[string]string{"ui": "digest", "extra": "digest"}, reasons)
}

func TestReconcile_Locked(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	e, store := newTestEngine(t, o)

	require.NoError(t, store.Lock(context.Background()))
	_, err := e.Reconcile(context.Background())
	assert.ErrorIs(t, err, cache.ErrLocked)
	assert.Equal(t, 0, o.count(blobPath("core_h1")))
}

type recordingLocker struct {
	calls []string
}

func (l *recordingLocker) Lock(ctx context.Context) error {
	l.calls = append(l.calls, "lock")
	return nil
}

func (l *recordingLocker) Unlock(ctx context.Context) error {
	l.calls = append(l.calls, "unlock")
	return nil
}

func TestReconcile_ExtraLocker(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	l := &recordingLocker{}
	e, _ := newTestEngine(t, o, WithLocker(l))

	_, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "unlock"}, l.calls)
}

func TestReconcile_BoundedDownloads(t *testing.T) {
	o := newMemOrigin()
	packages := map[string]string{}
	for i := 0; i < 6; i++ {
		packages[fmt.Sprintf("pkg%d", i)] = fmt.Sprintf("pkg%d_h1", i)
	}
	o.publish(t, "android", packages, nil)

	var mu sync.Mutex
	running, peak := 0, 0
	sched := scheduler.New(scheduler.WithMaxConcurrent(2), scheduler.WithCallback(func(ev scheduler.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Status {
		case scheduler.StatusStarted:
			running++
			if running > peak {
				peak = running
			}
		case scheduler.StatusCompleted, scheduler.StatusFailed:
			running--
		}
	}))
	defer sched.Close()

	store, err := cache.NewStore(t.TempDir(), cache.WithReserved("android"))
	require.NoError(t, err)
	e := NewEngine(o, store, sched, WithPlatform("android"), WithRetryPolicy(fastRetry()))

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Downloaded, 6)
	mu.Lock()
	assert.LessOrEqual(t, peak, 2)
	mu.Unlock()
}

func TestReconcile_Cancelled(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	e, _ := newTestEngine(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Reconcile(ctx)
	assert.Error(t, err)
}

func TestManifestCopiesWrittenLocally(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	e, store := newTestEngine(t, o)

	mustFetch(t, e)
	assert.FileExists(t, filepath.Join(store.Dir(), manifest.MetaDir, manifest.HashesFile))
	assert.FileExists(t, filepath.Join(store.Dir(), "android"))
	assert.NotNil(t, e.Manifest())

	plan, err := e.CreatePlan(context.Background(), e.Manifest())
	require.NoError(t, err)
	assert.Empty(t, plan.Unclassified)
}

func TestReconcile_PackagesFetchedUnderPlatform(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	// A blob at the origin root must not be used.
	o.objects["core_h1"] = []byte("wrong")
	e, store := newTestEngine(t, o)

	_, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, o.count("android/core_h1"))
	assert.Zero(t, o.count("core_h1"))
	data, err := os.ReadFile(store.Path("core_h1"))
	require.NoError(t, err)
	assert.Equal(t, "blob:core_h1", string(data))
}

func TestReconcile_RejectsEscapingHashedNames(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"evil": "../escaped_h1"}, nil)
	e, store := newTestEngine(t, o)

	_, err := e.Reconcile(context.Background())
	var me *ManifestError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, PhaseNone, e.Phase())
	assert.NoFileExists(t, filepath.Join(filepath.Dir(store.Dir()), "escaped_h1"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(store.Dir()), "escaped_h1"+cache.PartSuffix))

	// A plan built by hand is refused at download time.
	plan := &ir.CachePlan{Changes: []*ir.PackageChange{{Package: "evil", Status: ir.StatusMissing, RemoteName: "../escaped_h1"}}}
	result, err := e.ApplyPlan(context.Background(), plan, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"evil"}, result.Failed)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(store.Dir()), "escaped_h1"+cache.PartSuffix))
}

func TestCreatePlan_NestedCurrentFileIsUpToDate(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"ui": "ui_h1"}, nil)
	e, store := newTestEngine(t, o)
	require.NoError(t, os.MkdirAll(store.Path("packs"), 0755))
	seed(t, store, "packs/ui_h1")

	result, err := e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.StatusUpToDate, result.Plan.Statuses["ui"])
	assert.Empty(t, result.Downloaded)
	assert.Zero(t, o.count(blobPath("ui_h1")))
}

func TestReconcile_CacheErrorResetsPhase(t *testing.T) {
	o := newMemOrigin()
	o.publish(t, "android", map[string]string{"core": "core_h1"}, nil)
	e, store := newTestEngine(t, o, WithVerifyIntegrity(true))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Dir(), cache.IndexDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), cache.IndexDir, cache.IndexFile), []byte("not cbor"), 0644))

	_, err := e.Reconcile(context.Background())
	var ce *CacheError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, PhaseNone, e.Phase())
}
