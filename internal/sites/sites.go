// Package sites holds the routing state of the proxy: the ordered site
// table and the certificate material the TLS listener serves from it.
package sites

import (
	"crypto/tls"
	"path"
	"sync"

	"github.com/slok/flowgate/internal/model"
)

// Table is the ordered set of sites the proxy routes to. Lookups walk the
// list in insertion order and return the first match, patterns are never
// reordered.
//
// The table is read-mostly: without the control channel it is never
// written after startup. Writers (the control channel only) and readers
// synchronize on a single RWMutex, and readers always clone the matched
// record out so no lock is held during network I/O.
type Table struct {
	mu    sync.RWMutex
	sites []model.Site
}

// NewTable creates a table from an ordered site list.
func NewTable(sites []model.Site) *Table {
	return &Table{sites: sites}
}

// Lookup returns a copy of the first site whose domain pattern matches the
// name. Shell-style globbing, case-sensitive, matched against the whole
// name. A miss is not an error, it means "drop the connection".
func (t *Table) Lookup(name string) (model.Site, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.sites {
		if matchDomain(s.Domain, name) {
			return s, true
		}
	}

	return model.Site{}, false
}

// CertificateFor returns the certificate of the site matching the
// requested server name, or nil when the name is empty (no SNI), there is
// no match or the matched site carries no certificate. Called from inside
// TLS handshakes.
func (t *Table) CertificateFor(serverName string) *tls.Certificate {
	if serverName == "" {
		return nil
	}
	s, ok := t.Lookup(serverName)
	if !ok {
		return nil
	}
	return s.Certificate
}

// Upsert replaces the site whose domain equals the given one (exact key
// match, not a pattern match), or appends a new site when none exists.
// Replacement keeps the existing certificate and replace-host settings,
// those are not settable through the control channel.
func (t *Table) Upsert(domain, host string, enableKeepAlive, supportKeepAlive bool, fwd model.Forwarding) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.sites {
		if s.Domain == domain {
			t.sites[i].Host = host
			t.sites[i].EnableKeepAlive = enableKeepAlive
			t.sites[i].SupportKeepAlive = supportKeepAlive
			t.sites[i].Forwarding = fwd
			return
		}
	}

	t.sites = append(t.sites, model.Site{
		Domain:           domain,
		Host:             host,
		EnableKeepAlive:  enableKeepAlive,
		SupportKeepAlive: supportKeepAlive,
		Forwarding:       fwd,
	})
}

// matchDomain checks a domain name against a site pattern.
//
// Patterns use shell-style globbing: "*" matches any run of characters,
// dots included ("*.example.com" matches "a.b.example.com", "*" matches
// everything). Hostnames contain no path separator so path.Match gives
// exactly whole-string shell semantics.
func matchDomain(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
