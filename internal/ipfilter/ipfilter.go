package ipfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/korolkovko/unifi-proxy/internal/logging"
)

// rule is a single allow-list entry in normalized form. A plain address is
// stored as a /32 rule; the original text is retained for observability.
type rule struct {
	text    string
	network uint32
	mask    uint32
}

// Filter decides whether a source IPv4 address is admitted. Rules are
// immutable after Parse, so lookups need no locking.
type Filter struct {
	rules []rule
}

// Parse builds a Filter from a comma-separated list of A.B.C.D or A.B.C.D/N
// entries. Invalid entries are dropped with a warning rather than failing
// startup.
func Parse(list string) *Filter {
	log := logging.New("ipfilter")
	f := &Filter{}
	for _, raw := range strings.Split(list, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		r, err := parseRule(entry)
		if err != nil {
			log.Warn().Str("entry", entry).Err(err).Msg("dropping invalid allow-list entry")
			continue
		}
		f.rules = append(f.rules, r)
	}
	return f
}

func parseRule(entry string) (rule, error) {
	addrPart, prefixPart, hasPrefix := strings.Cut(entry, "/")

	addr, err := parseIPv4(addrPart)
	if err != nil {
		return rule{}, err
	}

	bits := 32
	if hasPrefix {
		bits, err = strconv.Atoi(prefixPart)
		if err != nil || bits < 0 || bits > 32 {
			return rule{}, fmt.Errorf("invalid prefix length %q", prefixPart)
		}
	}

	mask := maskForBits(bits)
	return rule{text: entry, network: addr & mask, mask: mask}, nil
}

func maskForBits(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	return 0xFFFFFFFF << (32 - bits)
}

func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	var addr uint32
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || part == "" || n < 0 || n > 255 {
			return 0, fmt.Errorf("invalid octet %q in %q", part, s)
		}
		addr = addr<<8 | uint32(n)
	}
	return addr, nil
}

// Allowed reports whether addr (a bare IPv4 in dotted form) may connect.
// An empty rule set or a universal 0.0.0.0/0 rule admits everyone; otherwise
// a non-IPv4 peer is always denied.
func (f *Filter) Allowed(addr string) bool {
	if f.AllowsEveryone() {
		return true
	}
	ip, err := parseIPv4(addr)
	if err != nil {
		return false
	}
	for _, r := range f.rules {
		if ip&r.mask == r.network {
			return true
		}
	}
	return false
}

// AllowsEveryone reports whether the filter admits any source, either because
// no rules parsed or because a universal 0.0.0.0/0 rule is present.
func (f *Filter) AllowsEveryone() bool {
	if len(f.rules) == 0 {
		return true
	}
	for _, r := range f.rules {
		if r.mask == 0 {
			return true
		}
	}
	return false
}

// Rules returns the original textual form of every accepted entry.
func (f *Filter) Rules() []string {
	out := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r.text)
	}
	return out
}
