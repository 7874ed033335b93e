// Package trust holds the host's authorization state: the persisted set of
// trusted client certificate fingerprints, the rotating numeric PIN used as
// the weaker fallback, and the small certificate authority that issues
// client certificates.
package trust
