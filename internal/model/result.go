package model

// Outcome tags the result of an admin or scheduled operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Machine-readable reasons carried by skipped and failed results.
const (
	ReasonSourceUnavailable       = "source_unavailable"
	ReasonShardMissing            = "shard_missing"
	ReasonUnresolvableShard       = "unresolvable_shard"
	ReasonTimeout                 = "timeout"
	ReasonCancelled               = "cancelled"
	ReasonAlreadyComputing        = "already_computing"
	ReasonAlreadyCompleted        = "already_completed"
	ReasonFailedRequiresForce     = "failed_requires_force"
	ReasonSubjectSnapshotsMissing = "subject_snapshots_missing"
	ReasonPeriodNotEnded          = "period_not_ended"
	ReasonInvalidPeriod           = "invalid_period"
	ReasonNotComputing            = "not_computing"
	ReasonNothingToDo             = "nothing_to_do"
	ReasonStoreError              = "store_error"
	ReasonAggregationError        = "aggregation_error"
)

// Count keys used in Result.Counts.
const (
	CountSynced    = "synced"
	CountFetched   = "fetched"
	CountAttempted = "attempted"
	CountSucceeded = "succeeded"
	CountFallback  = "fallback"
	CountFailed    = "failed"
	CountSubjects  = "subjects"
	CountRecords   = "records"
	CountGroups    = "groups"
	CountNames     = "names"
)

// Result is the tagged outcome of an operation. Callers switch on Outcome;
// Reason is set for skipped and failed results.
type Result struct {
	Outcome Outcome          `json:"outcome"`
	Reason  string           `json:"reason,omitempty"`
	Error   string           `json:"error,omitempty"`
	Counts  map[string]int64 `json:"counts,omitempty"`
}

// Success builds a success result.
func Success(counts map[string]int64) Result {
	return Result{Outcome: OutcomeSuccess, Counts: counts}
}

// Skipped builds a skipped result.
func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// Failed builds a failed result. err may be nil.
func Failed(reason string, err error) Result {
	r := Result{Outcome: OutcomeFailed, Reason: reason}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Count returns the named count, or 0.
func (r Result) Count(key string) int64 {
	return r.Counts[key]
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}
