// Package clientguard limits how fast a single client IP may call the admission API.
//
// It sits in front of the quota gate and protects the process, not the SMS quotas:
// a caller stuck in a retry loop is turned away with 429 before it can grow the
// phone number and account stores or starve other callers of lock time.
//
// State is in memory and per instance. Distributed floods are left to upstream
// filtering.
package clientguard
