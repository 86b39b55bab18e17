package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/manifest"
	"github.com/picklr-io/pantry/internal/scheduler"
)

// DownloadEvent represents a progress event for one package download.
type DownloadEvent struct {
	Package  string
	Status   string // "started", "completed", "failed"
	Bytes    int64
	Duration time.Duration
	Error    error
}

// DownloadCallback is called for each download event if set. Calls are
// serialized.
type DownloadCallback func(event DownloadEvent)

// ApplyPlan downloads every change of plan through the scheduler and
// updates the cache index. A failed package keeps its classification;
// failures are aggregated with errors.Join. The phase is PhaseReady once
// every download has settled.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.CachePlan, cb DownloadCallback) (*ir.ReconcileResult, error) {
	e.setPhase(PhaseDownload)

	result := &ir.ReconcileResult{Plan: plan}
	if plan.Metadata != nil {
		result.PassID = plan.Metadata.PassID
	}

	local, err := e.store.Scan()
	if err != nil {
		e.setPhase(PhaseNone)
		return nil, &CacheError{Op: "scan", Err: err}
	}
	idx, err := e.store.ReadIndex(ctx)
	if err != nil {
		e.setPhase(PhaseNone)
		return nil, &CacheError{Op: "read index", Err: err}
	}
	if plan.Metadata != nil && plan.Metadata.Platform != "" {
		idx.Platform = plan.Metadata.Platform
	}

	var emitMu sync.Mutex
	emit := func(event DownloadEvent) {
		if cb == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		cb(event)
	}

	var mu sync.Mutex
	futures := make([]*scheduler.Future, len(plan.Changes))
	for i, change := range plan.Changes {
		futures[i] = e.sched.Enqueue(scheduler.Func("download:"+change.Package, func(tctx context.Context) error {
			start := e.clock.Now()
			emit(DownloadEvent{Package: change.Package, Status: "started"})

			digest, size, err := e.download(tctx, change.RemoteName)
			if err != nil {
				logging.Warn("package download failed", "package", change.Package, "error", err)
				emit(DownloadEvent{Package: change.Package, Status: "failed", Duration: e.clock.Since(start), Error: err})
				return err
			}

			var removed []string
			for _, f := range local[change.Package] {
				if f.Name == change.RemoteName {
					continue
				}
				if err := e.store.Remove(f.Name); err != nil {
					logging.Warn("failed to remove stale package file", "file", f.Name, "error", err)
					continue
				}
				removed = append(removed, f.Name)
			}

			mu.Lock()
			idx.Put(&ir.PackageEntry{
				PreName:   change.Package,
				FileName:  change.RemoteName,
				Digest:    digest,
				Size:      size,
				FetchedAt: e.clock.Now().Unix(),
			})
			result.Downloaded = append(result.Downloaded, change.Package)
			result.Removed = append(result.Removed, removed...)
			result.Bytes += size
			mu.Unlock()

			e.mu.Lock()
			if e.statuses != nil {
				e.statuses[change.Package] = ir.StatusUpToDate
			}
			e.mu.Unlock()

			emit(DownloadEvent{Package: change.Package, Status: "completed", Bytes: size, Duration: e.clock.Since(start)})
			return nil
		}))
	}

	cancelled := false
	for _, f := range futures {
		select {
		case <-f.Done():
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				for _, other := range futures {
					other.Cancel()
				}
			}
			<-f.Done()
		}
	}

	var errs []error
	for i, f := range futures {
		if err := f.Err(); err != nil {
			result.Failed = append(result.Failed, plan.Changes[i].Package)
			errs = append(errs, fmt.Errorf("%s: %w", plan.Changes[i].Package, err))
		}
	}
	sort.Strings(result.Downloaded)
	sort.Strings(result.Failed)
	sort.Strings(result.Removed)

	if err := e.store.WriteIndex(context.WithoutCancel(ctx), idx); err != nil {
		errs = append(errs, &CacheError{Op: "write index", Err: err})
	}

	if cancelled {
		result.Phase = e.Phase().String()
		return result, fmt.Errorf("reconcile cancelled: %w", ctx.Err())
	}

	e.setPhase(PhaseReady)
	result.Phase = PhaseReady.String()

	if len(errs) > 0 {
		if !e.ContinueOnError {
			return result, errs[0]
		}
		return result, fmt.Errorf("%d package(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return result, nil
}

// download fetches <platform>/<remote> into the cache as remote through a
// part file, retrying transient failures.
func (e *Engine) download(ctx context.Context, remote string) (string, int64, error) {
	if err := cache.CheckName(remote); err != nil {
		return "", 0, &CacheError{Op: "create", Err: err}
	}
	src := manifest.PackagePath(e.platform, remote)
	var digest string
	var size int64
	err := RetryWithBackoff(ctx, e.retry, func() error {
		actx, cancel := WithTimeout(ctx, e.requestTimeout)
		defer cancel()

		rc, err := e.origin.Fetch(actx, src)
		if err != nil {
			return err
		}
		defer rc.Close()

		pf, err := e.store.Create(remote)
		if err != nil {
			return &CacheError{Op: "create", Err: err}
		}
		if _, err := io.Copy(pf, rc); err != nil {
			pf.Abort()
			return fmt.Errorf("failed to download %s: %w", remote, err)
		}
		digest, size, err = pf.Commit()
		if err != nil {
			return &CacheError{Op: "commit", Err: err}
		}
		return nil
	}, IsTransientError)
	return digest, size, err
}
