package scope

import (
	"fmt"
	"net/netip"
	"strings"
)

// Policy reports whether peers at addressA and addressB may signal each other.
type Policy interface {
	SameNetwork(addressA, addressB string) bool
}

// Func adapts a plain function to Policy.
type Func func(addressA, addressB string) bool

func (f Func) SameNetwork(addressA, addressB string) bool { return f(addressA, addressB) }

type Mode string

const (
	ModeAny         Mode = "any"
	ModeSameAddress Mode = "same-address"
	ModeSubnet      Mode = "subnet"
)

const (
	DefaultIPv4PrefixBits = 24
	DefaultIPv6PrefixBits = 64
)

// AllowAll admits every pair of peers.
type AllowAll struct{}

func (AllowAll) SameNetwork(string, string) bool { return true }

// SameAddress admits peers whose IP addresses are equal. IPv4-mapped IPv6
// addresses compare equal to their IPv4 form.
type SameAddress struct{}

func (SameAddress) SameNetwork(addressA, addressB string) bool {
	a, okA := parseAddr(addressA)
	b, okB := parseAddr(addressB)
	return okA && okB && a == b
}

// Subnet admits peers whose addresses fall into the same prefix. Addresses of
// different families, or that fail to parse, never match.
type Subnet struct {
	IPv4Bits int
	IPv6Bits int
}

func (s Subnet) SameNetwork(addressA, addressB string) bool {
	a, okA := parseAddr(addressA)
	b, okB := parseAddr(addressB)
	if !okA || !okB || a.Is4() != b.Is4() {
		return false
	}

	bits := s.IPv6Bits
	if a.Is4() {
		bits = s.IPv4Bits
	}
	pa, err := a.Prefix(bits)
	if err != nil {
		return false
	}
	pb, err := b.Prefix(bits)
	if err != nil {
		return false
	}
	return pa == pb
}

// New builds the policy for mode.
func New(mode Mode, ipv4Bits, ipv6Bits int) (Policy, error) {
	switch mode {
	case ModeAny, "":
		return AllowAll{}, nil
	case ModeSameAddress:
		return SameAddress{}, nil
	case ModeSubnet:
		if ipv4Bits < 0 || ipv4Bits > 32 {
			return nil, fmt.Errorf("scope: ipv4 prefix %d out of range [0,32]", ipv4Bits)
		}
		if ipv6Bits < 0 || ipv6Bits > 128 {
			return nil, fmt.Errorf("scope: ipv6 prefix %d out of range [0,128]", ipv6Bits)
		}
		return Subnet{IPv4Bits: ipv4Bits, IPv6Bits: ipv6Bits}, nil
	default:
		return nil, fmt.Errorf("scope: unknown mode %q", mode)
	}
}

// ParseMode normalizes a configured mode string.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeAny), "all":
		return ModeAny, nil
	case string(ModeSameAddress), "same_address", "same-ip":
		return ModeSameAddress, nil
	case string(ModeSubnet):
		return ModeSubnet, nil
	default:
		return "", fmt.Errorf("invalid scope mode %q (expected any, same-address, or subnet)", raw)
	}
}

// parseAddr accepts a bare IP or a host:port pair and strips IPv6 zones.
func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		ap, perr := netip.ParseAddrPort(raw)
		if perr != nil {
			return netip.Addr{}, false
		}
		addr = ap.Addr()
	}
	return addr.WithZone("").Unmap(), true
}
