package engine

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/picklr-io/pantry/internal/cache"
	"github.com/picklr-io/pantry/internal/ir"
	"github.com/picklr-io/pantry/internal/logging"
)

// CreatePlan classifies every package of m against the local cache.
// Packages present locally but unknown to m are listed as unclassified and
// never downloaded.
func (e *Engine) CreatePlan(ctx context.Context, m *ir.Manifest) (*ir.CachePlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, err := e.store.Scan()
	if err != nil {
		return nil, &CacheError{Op: "scan", Err: err}
	}
	var idx *ir.CacheIndex
	if e.VerifyIntegrity {
		if idx, err = e.store.ReadIndex(ctx); err != nil {
			return nil, &CacheError{Op: "read index", Err: err}
		}
	}

	plan := &ir.CachePlan{
		Metadata: &ir.PlanMetadata{
			PassID:    uuid.NewString(),
			Timestamp: e.clock.Now().UTC().Format(time.RFC3339),
			Platform:  m.Platform,
		},
		Changes:  []*ir.PackageChange{},
		Summary:  &ir.PlanSummary{},
		Statuses: make(map[string]Status),
	}

	pres := m.Packages()
	sort.Strings(pres)
	logging.Debug("creating plan", "packages", len(pres), "local", len(local), "force", e.Force, "verify", e.VerifyIntegrity)

	for _, pre := range pres {
		remote, _ := m.HashedName(pre)
		change, err := e.classify(pre, remote, local[pre], idx)
		if err != nil {
			return nil, err
		}
		plan.Statuses[pre] = change.Status
		switch change.Status {
		case ir.StatusUpToDate:
			plan.Summary.UpToDate++
			continue
		case ir.StatusStale:
			plan.Summary.Stale++
		case ir.StatusMissing:
			plan.Summary.Missing++
		}
		plan.Changes = append(plan.Changes, change)
	}

	for pre := range local {
		if _, ok := m.HashedName(pre); !ok {
			plan.Unclassified = append(plan.Unclassified, pre)
		}
	}
	sort.Strings(plan.Unclassified)
	plan.Summary.Unclassified = len(plan.Unclassified)

	e.mu.Lock()
	e.manifest = m
	e.statuses = make(map[string]Status, len(plan.Statuses))
	for k, v := range plan.Statuses {
		e.statuses[k] = v
	}
	e.mu.Unlock()

	return plan, nil
}

func (e *Engine) classify(pre, remote string, files []cache.LocalFile, idx *ir.CacheIndex) (*ir.PackageChange, error) {
	change := &ir.PackageChange{Package: pre, RemoteName: remote}
	if len(files) == 0 {
		change.Status = ir.StatusMissing
		change.Reason = "missing"
		return change, nil
	}

	// A package file may sit in a subdirectory; only its base name is hashed.
	match := ""
	for _, f := range files {
		if match == "" && path.Base(f.Name) == path.Base(remote) {
			match = f.Name
		} else if change.LocalName == "" {
			change.LocalName = f.Name
		}
	}
	if match == "" {
		change.Status = ir.StatusStale
		change.Reason = "renamed"
		return change, nil
	}
	change.LocalName = match

	switch {
	case e.Force:
		change.Status = ir.StatusStale
		change.Reason = "forced"
	case e.VerifyIntegrity:
		ok, err := e.verify(pre, match, idx)
		if err != nil {
			return nil, err
		}
		if ok {
			change.Status = ir.StatusUpToDate
		} else {
			change.Status = ir.StatusStale
			change.Reason = "digest"
		}
	default:
		change.Status = ir.StatusUpToDate
	}
	return change, nil
}

// verify reports whether the cached file matches the digest recorded when it
// was downloaded. A file the index does not know cannot be trusted.
func (e *Engine) verify(pre, local string, idx *ir.CacheIndex) (bool, error) {
	entry := idx.Entry(pre)
	if entry == nil || entry.FileName != local || entry.Digest == "" {
		logging.Debug("package not indexed, treating as stale", "package", pre)
		return false, nil
	}
	digest, _, err := e.store.Digest(local)
	if err != nil {
		return false, &CacheError{Op: "digest", Err: err}
	}
	if digest != entry.Digest {
		logging.Warn("package digest mismatch", "package", pre, "expected", entry.Digest, "actual", digest)
		return false, nil
	}
	return true, nil
}
