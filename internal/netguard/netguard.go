// Package netguard gates every request: a network whitelist first, then
// token authentication. Both checks run before any storage work.
package netguard

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"picnode/internal/apierr"
	"picnode/internal/config"
)

// TokenHeader is the dedicated password header; a bearer Authorization
// header works as well.
const TokenHeader = "X-Node-Password"

// legacyTokenHeader is the name older clients still send.
const legacyTokenHeader = "X-Picmi-Node-Password"

type rule struct {
	prefix netip.Prefix
	ip     netip.Addr
	isCIDR bool
}

// Guard holds the parsed whitelist and auth settings for the node.
type Guard struct {
	rules      []rule
	ipHeader   string
	trustProxy bool

	authEnabled    bool
	password       string
	passwordBcrypt string
}

// New parses the configured whitelist. Unparseable rules are dropped;
// the caller validated the config so this is belt and braces.
func New(cfg config.Config) *Guard {
	g := &Guard{
		ipHeader:       strings.TrimSpace(cfg.IPHeader),
		trustProxy:     cfg.TrustProxy,
		authEnabled:    cfg.Auth.Enabled,
		password:       cfg.Auth.Password,
		passwordBcrypt: strings.TrimSpace(cfg.Auth.PasswordBcrypt),
	}
	for _, raw := range cfg.IPWhitelist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			if p, err := netip.ParsePrefix(raw); err == nil {
				g.rules = append(g.rules, rule{prefix: p, isCIDR: true})
			}
			continue
		}
		if a, err := netip.ParseAddr(raw); err == nil {
			g.rules = append(g.rules, rule{ip: a.Unmap()})
		}
	}
	return g
}

// ClientIP extracts the caller address. The proxy header is only honored
// when trustProxy is set; its first comma-separated value wins. The
// ::ffff: IPv4-in-IPv6 mapping is stripped either way.
func (g *Guard) ClientIP(r *http.Request) string {
	ip := ""
	if g.trustProxy && g.ipHeader != "" {
		if v := r.Header.Get(g.ipHeader); v != "" {
			ip = strings.TrimSpace(strings.SplitN(v, ",", 2)[0])
		}
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	ip = strings.TrimPrefix(ip, "::ffff:")
	return ip
}

// Whitelisted reports whether ip passes the configured rules. An empty
// rule list admits everyone.
func (g *Guard) Whitelisted(ip string) bool {
	if len(g.rules) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimPrefix(strings.TrimSpace(ip), "::ffff:"))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, ru := range g.rules {
		if ru.isCIDR {
			// Contains is false across address families, and /0 spans
			// the whole family.
			if ru.prefix.Contains(addr) {
				return true
			}
			continue
		}
		if ru.ip == addr {
			return true
		}
	}
	return false
}

// IPInCIDR reports whether ip falls inside the CIDR block. Mismatched
// address families never match.
func IPInCIDR(ip, cidr string) bool {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return p.Contains(a.Unmap())
}

// ReadToken pulls the presented token from the dedicated header, its
// legacy alias, or a bearer Authorization header.
func ReadToken(r *http.Request) string {
	if v := r.Header.Get(TokenHeader); v != "" {
		return v
	}
	if v := r.Header.Get(legacyTokenHeader); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}

// Authenticate checks the request token. publicBypass skips the check
// for resources the visibility store already marked public; it never
// bypasses a misconfigured node.
func (g *Guard) Authenticate(r *http.Request, publicBypass bool) error {
	if !g.authEnabled {
		return nil
	}
	if g.password == "" && g.passwordBcrypt == "" {
		// Never fall back to "no auth" when a password was expected.
		return apierr.ErrAuthMisconfigured
	}
	if publicBypass {
		return nil
	}
	token := ReadToken(r)
	if token == "" {
		return apierr.ErrUnauthorized
	}
	if g.passwordBcrypt != "" {
		if bcrypt.CompareHashAndPassword([]byte(g.passwordBcrypt), []byte(token)) != nil {
			return apierr.ErrUnauthorized
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.password)) != 1 {
		return apierr.ErrUnauthorized
	}
	return nil
}

// AuthEnabled reports whether the node requires a token at all.
func (g *Guard) AuthEnabled() bool { return g.authEnabled }
