// Package cryptoutil provides the hashing and comparison primitives used to
// authenticate deploy webhooks and fingerprint published snapshots.
//
// Secret comparison hashes both sides first so neither the content nor the
// length of the configured key leaks through response timing.
package cryptoutil
