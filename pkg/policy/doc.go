// Package policy evaluates Rego authorization policies for enhancement
// requests with an embedded Open Policy Agent engine, and defines the failure
// postures the security gate applies when a screening stage errors.
//
// Decisions are cached in a bounded LRU keyed by a SHA-256 digest of the
// caller's identity, mode and requested strategies, so repeated requests from
// the same principal skip Rego evaluation entirely.
package policy
