// Package store is the small fixed-size record store the kernel and its
// applications use for calibration constants, the last sensor report and
// the persisted fault counters.
//
// A missing record is never an error: Get reports ok=false and the caller
// falls back to its compiled default.
package store
