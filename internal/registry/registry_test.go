package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

type scopeFunc func(a, b string) bool

func (f scopeFunc) SameNetwork(a, b string) bool { return f(a, b) }

func newTestRegistry() (*Registry, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(DefaultTTL, clk), clk
}

func ids(recs []HostRecord) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ID)
	}
	return out
}

func TestRegister_UpsertKeepsSingleEntry(t *testing.T) {
	r, clk := newTestRegistry()

	first := r.Register(HostInfo{ID: "A", ConnectionID: "A", RemoteAddress: "10.0.0.1"})
	require.Equal(t, first.CreatedAt, first.UpdatedAt)
	require.Equal(t, 1, r.Len())

	clk.Add(time.Second)
	second := r.Register(HostInfo{ID: "A", ConnectionID: "A", RemoteAddress: "10.0.0.2"})

	require.Equal(t, 1, r.Len())
	require.Equal(t, "10.0.0.2", second.RemoteAddress)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestRegister_UpdatedAtNeverDecreases(t *testing.T) {
	r, clk := newTestRegistry()

	first := r.Register(HostInfo{ID: "A"})
	clk.Set(first.UpdatedAt.Add(-time.Minute))
	second := r.Register(HostInfo{ID: "A"})

	require.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestExpire_RemovesHostsAtTTL(t *testing.T) {
	r, clk := newTestRegistry()

	r.Register(HostInfo{ID: "old"})
	clk.Add(DefaultTTL - time.Second)
	r.Register(HostInfo{ID: "fresh"})
	clk.Add(time.Second)

	_, ok := r.Lookup("old")
	require.False(t, ok, "expired host must not be visible before a sweep")

	removed := r.Expire()
	require.Equal(t, []string{"old"}, ids(removed))
	require.Equal(t, 1, r.Len())

	_, ok = r.Lookup("fresh")
	require.True(t, ok)
}

func TestRegister_SweepsExpiredHosts(t *testing.T) {
	r, clk := newTestRegistry()

	r.Register(HostInfo{ID: "stale"})
	clk.Add(DefaultTTL)
	r.Register(HostInfo{ID: "new"})

	require.Equal(t, 1, r.Len())
	_, ok := r.Lookup("stale")
	require.False(t, ok)
}

func TestList_SortedByRecencyWithStableTies(t *testing.T) {
	r, clk := newTestRegistry()

	r.Register(HostInfo{ID: "A", RemoteAddress: "x"})
	clk.Add(time.Second)
	r.Register(HostInfo{ID: "B", RemoteAddress: "x"})
	require.Equal(t, []string{"B", "A"}, ids(r.List("x", nil)))

	// C and D share a timestamp; insertion order decides.
	clk.Add(time.Second)
	r.Register(HostInfo{ID: "C", RemoteAddress: "x"})
	r.Register(HostInfo{ID: "D", RemoteAddress: "x"})
	require.Equal(t, []string{"C", "D", "B", "A"}, ids(r.List("x", nil)))

	// Refreshing A moves it to the front.
	clk.Add(time.Second)
	r.Register(HostInfo{ID: "A", RemoteAddress: "x"})
	require.Equal(t, []string{"A", "C", "D", "B"}, ids(r.List("x", nil)))
}

func TestList_AppliesScopeAndHidesExpired(t *testing.T) {
	r, clk := newTestRegistry()

	r.Register(HostInfo{ID: "gone", RemoteAddress: "10.0.0.1"})
	clk.Add(DefaultTTL)
	r.Register(HostInfo{ID: "near", RemoteAddress: "10.0.0.2"})
	r.Register(HostInfo{ID: "far", RemoteAddress: "192.168.0.9"})

	var seen [][2]string
	sameTen := scopeFunc(func(a, b string) bool {
		seen = append(seen, [2]string{a, b})
		return b[:3] == a[:3]
	})

	got := r.List("10.0.0.7", sameTen)
	require.Equal(t, []string{"near"}, ids(got))
	for _, pair := range seen {
		require.Equal(t, "10.0.0.7", pair[0], "requester must be the first argument")
	}
}

func TestTouch_RefreshesWithoutChangingAddress(t *testing.T) {
	r, clk := newTestRegistry()

	r.Register(HostInfo{ID: "A", ConnectionID: "A", RemoteAddress: "10.0.0.1"})
	clk.Add(DefaultTTL - time.Second)

	rec, ok := r.Touch("A")
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", rec.RemoteAddress)

	clk.Add(2 * time.Second)
	_, ok = r.Lookup("A")
	require.True(t, ok, "touch must extend the TTL")

	_, ok = r.Touch("missing")
	require.False(t, ok)
}

func TestNew_Defaults(t *testing.T) {
	r := New(0, nil)
	require.Equal(t, DefaultTTL, r.TTL())
	rec := r.Register(HostInfo{ID: "A"})
	require.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)
}
