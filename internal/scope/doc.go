// Package scope defines the eligibility predicate deciding whether two peers
// may signal each other.
//
// A policy only sees the two remote addresses the service observed. It must
// be pure: the router calls it while holding its state lock, and the host
// registry calls it once per record on every listing.
package scope
