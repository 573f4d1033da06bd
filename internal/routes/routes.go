package routes

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Upstream is the dial target for one routed hostname.
type Upstream struct {
	Host string
	Port int
}

// Addr returns the host:port dial string.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Table maps SNI hostnames to upstream targets. It is immutable after
// construction; lookups are case-sensitive against lowercase keys.
type Table struct {
	upstreams map[string]Upstream
}

// defaultDomains is the conforming Ubiquiti firmware/apt set; each routes to
// itself on 443.
var defaultDomains = []string{
	"fw-download.ubnt.com",
	"fw-update.ubnt.com",
	"fw-update.ui.com",
	"apt.artifacts.ui.com",
	"apt-beta.artifacts.ui.com",
	"apt-release-candidate.artifacts.ui.com",
}

// Default returns the built-in route table.
func Default() *Table {
	m := make(map[string]Upstream, len(defaultDomains))
	for _, d := range defaultDomains {
		m[d] = Upstream{Host: d, Port: 443}
	}
	t, err := New(m)
	if err != nil {
		panic(err) // static table, keys are known-good
	}
	return t
}

// New builds a Table from the given mapping. Keys are lowercased and must be
// valid DNS hostnames; upstream ports must be in range.
func New(m map[string]Upstream) (*Table, error) {
	upstreams := make(map[string]Upstream, len(m))
	for sni, up := range m {
		key := strings.ToLower(strings.TrimSpace(sni))
		if err := validateHostname(key); err != nil {
			return nil, fmt.Errorf("invalid route key %q: %w", sni, err)
		}
		if _, dup := upstreams[key]; dup {
			return nil, fmt.Errorf("duplicate route key %q", key)
		}
		if up.Host == "" {
			return nil, fmt.Errorf("route %q has empty upstream host", key)
		}
		if up.Port < 1 || up.Port > 65535 {
			return nil, fmt.Errorf("route %q has invalid upstream port %d", key, up.Port)
		}
		upstreams[key] = up
	}
	return &Table{upstreams: upstreams}, nil
}

// Lookup returns the upstream for sni. Absence means the route is denied.
func (t *Table) Lookup(sni string) (Upstream, bool) {
	up, ok := t.upstreams[sni]
	return up, ok
}

// Domains returns the routed hostnames in sorted order.
func (t *Table) Domains() []string {
	out := make([]string, 0, len(t.upstreams))
	for d := range t.upstreams {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

var hostnameLabelRE = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// validateHostname checks basic DNS label constraints.
func validateHostname(host string) error {
	if host == "" {
		return fmt.Errorf("hostname is empty")
	}
	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return fmt.Errorf("hostname must not start or end with a dot")
	}
	if !strings.Contains(host, ".") {
		return fmt.Errorf("hostname must contain at least one dot")
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 {
			return fmt.Errorf("hostname has empty label")
		}
		if len(label) > 63 {
			return fmt.Errorf("label %q too long", label)
		}
		if !hostnameLabelRE.MatchString(label) {
			return fmt.Errorf("label %q contains invalid characters", label)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("label %q must not start or end with a hyphen", label)
		}
	}
	return nil
}
