// Package types defines the shared data types of the flowguard engine: the
// error taxonomy used for retry/fallback decisions and the degraded-result
// marker returned when every backend in a fallback chain has failed.
package types
