package models

// PageStatus represents the processing status of a reference in the visited store
type PageStatus string

const (
	PageStatusUnset    PageStatus = ""          // Zero value = unset/unknown
	PageStatusPending  PageStatus = "pending"   // Claimed but not processed yet
	PageStatusSuccess  PageStatus = "success"   // Fetched and written
	PageStatusFailure  PageStatus = "failure"   // Fetch, transform or write failed
	PageStatusSkipped  PageStatus = "skipped"   // Claimed, then dropped by policy
	PageStatusNotFound PageStatus = "not_found" // Not in the store
	PageStatusDBError  PageStatus = "db_error"  // Store lookup failed
)

// String implements fmt.Stringer for logging
func (s PageStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a value a worker may persist
func (s PageStatus) IsValid() bool {
	switch s {
	case PageStatusPending, PageStatusSuccess, PageStatusFailure, PageStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether processing of the reference has finished
func (s PageStatus) IsTerminal() bool {
	return s == PageStatusSuccess || s == PageStatusFailure || s == PageStatusSkipped
}
