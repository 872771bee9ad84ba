// Package registry holds the set of announced mesh hosts.
//
// Records expire DefaultTTL after their last refresh. Expiry is swept inline
// by callers before every freshness-dependent query; Lookup additionally
// treats an expired-but-unswept record as absent, so a stale host is never
// visible even if a sweep was skipped.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTTL is how long a host stays discoverable after its last announce.
const DefaultTTL = 15 * time.Minute

// HostInfo is the announce payload accepted by Register.
type HostInfo struct {
	ID            string
	ConnectionID  string
	RemoteAddress string
}

// HostRecord is a registered host.
type HostRecord struct {
	ID            string    `json:"id"`
	ConnectionID  string    `json:"connectionId"`
	RemoteAddress string    `json:"remoteAddress"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// seq is the insertion order; it breaks updatedAt ties in List.
	seq uint64
}

// ScopePolicy decides whether a requester may see a host.
type ScopePolicy interface {
	SameNetwork(addressA, addressB string) bool
}

type Registry struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	hosts   map[string]*HostRecord
	nextSeq uint64
}

// New returns an empty registry. A nil clock uses the wall clock and a
// non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, clk clock.Clock) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		ttl:   ttl,
		clock: clk,
		hosts: make(map[string]*HostRecord),
	}
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// Register inserts info or refreshes the existing record with the same ID,
// then sweeps expired records. It always succeeds.
func (r *Registry) Register(info HostInfo) HostRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	rec, ok := r.hosts[info.ID]
	if ok {
		rec.ConnectionID = info.ConnectionID
		rec.RemoteAddress = info.RemoteAddress
		if now.After(rec.UpdatedAt) {
			rec.UpdatedAt = now
		}
	} else {
		r.nextSeq++
		rec = &HostRecord{
			ID:            info.ID,
			ConnectionID:  info.ConnectionID,
			RemoteAddress: info.RemoteAddress,
			CreatedAt:     now,
			UpdatedAt:     now,
			seq:           r.nextSeq,
		}
		r.hosts[info.ID] = rec
	}
	out := *rec

	r.expireLocked(now)
	return out
}

// Touch refreshes UpdatedAt of an unexpired record, keeping its stored
// connection and address.
func (r *Registry) Touch(id string) (HostRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	rec, ok := r.hosts[id]
	if !ok || r.expired(rec, now) {
		return HostRecord{}, false
	}
	if now.After(rec.UpdatedAt) {
		rec.UpdatedAt = now
	}
	return *rec, true
}

// Expire removes every record whose age since UpdatedAt is at least the TTL
// and returns the removed records.
func (r *Registry) Expire() []HostRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(r.clock.Now())
}

func (r *Registry) expireLocked(now time.Time) []HostRecord {
	var removed []HostRecord
	for id, rec := range r.hosts {
		if r.expired(rec, now) {
			removed = append(removed, *rec)
			delete(r.hosts, id)
		}
	}
	return removed
}

func (r *Registry) expired(rec *HostRecord, now time.Time) bool {
	return now.Sub(rec.UpdatedAt) >= r.ttl
}

// Lookup returns the unexpired record for id.
func (r *Registry) Lookup(id string) (HostRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.hosts[id]
	if !ok || r.expired(rec, r.clock.Now()) {
		return HostRecord{}, false
	}
	return *rec, true
}

// List returns the unexpired records in scope for requesterAddress, most
// recently updated first. Equal UpdatedAt values keep insertion order. A nil
// policy admits every record.
func (r *Registry) List(requesterAddress string, policy ScopePolicy) []HostRecord {
	r.mu.Lock()
	now := r.clock.Now()
	out := make([]HostRecord, 0, len(r.hosts))
	for _, rec := range r.hosts {
		if r.expired(rec, now) {
			continue
		}
		out = append(out, *rec)
	}
	r.mu.Unlock()

	if policy != nil {
		out = slices.DeleteFunc(out, func(rec HostRecord) bool {
			return !policy.SameNetwork(requesterAddress, rec.RemoteAddress)
		})
	}

	slices.SortFunc(out, func(a, b HostRecord) int {
		switch {
		case a.UpdatedAt.After(b.UpdatedAt):
			return -1
		case b.UpdatedAt.After(a.UpdatedAt):
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}
