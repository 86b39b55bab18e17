package ir

import "time"

// Status classifies a package during the compare phase.
type Status int

const (
	StatusMissing  Status = -1
	StatusStale    Status = 0
	StatusUpToDate Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "MISSING"
	case StatusStale:
		return "STALE"
	case StatusUpToDate:
		return "UP_TO_DATE"
	}
	return "UNKNOWN"
}

// CachePlan is the result of comparing the local cache against a manifest.
type CachePlan struct {
	Metadata *PlanMetadata    `pkl:"metadata"`
	Changes  []*PackageChange `pkl:"changes"`
	Summary  *PlanSummary     `pkl:"summary"`
	// Statuses holds the classification of every package known to the manifest.
	Statuses map[string]Status `pkl:"statuses"`
	// Unclassified lists local packages the manifest does not know about.
	Unclassified []string `pkl:"unclassified"`
}

type PlanMetadata struct {
	PassID    string `pkl:"passId"`
	Timestamp string `pkl:"timestamp"`
	Platform  string `pkl:"platform"`
}

// PackageChange is one package that must be downloaded.
type PackageChange struct {
	Package    string `pkl:"package"` // pre-name
	Status     Status `pkl:"status"`
	LocalName  string `pkl:"localName"`
	RemoteName string `pkl:"remoteName"`
	Reason     string `pkl:"reason"` // "missing", "renamed", "digest", "forced"
}

type PlanSummary struct {
	UpToDate     int `pkl:"upToDate"`
	Stale        int `pkl:"stale"`
	Missing      int `pkl:"missing"`
	Unclassified int `pkl:"unclassified"`
}

// ReconcileResult reports one reconciliation pass.
type ReconcileResult struct {
	PassID     string
	Phase      string
	Plan       *CachePlan
	Downloaded []string
	Failed     []string
	Removed    []string
	Bytes      int64
	Duration   time.Duration
}
