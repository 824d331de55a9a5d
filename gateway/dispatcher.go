package gateway

import (
	"strings"
)

// HandlerKind says whether a rule is served by the gateway itself or
// forwarded to the backend.
type HandlerKind int

const (
	HandlerLocal HandlerKind = iota
	HandlerProxy
)

// AuthRequirement controls whether a matched rule demands a principal.
type AuthRequirement int

const (
	AuthNone AuthRequirement = iota
	AuthRequired
)

// ResponseStyle selects what an unauthenticated request receives on a
// rule that requires auth: a browser challenge redirect or a bare 401.
type ResponseStyle int

const (
	StyleRedirectToChallenge ResponseStyle = iota
	Style401JSON
)

// RouteRule is one entry of the ordered dispatch table.
type RouteRule struct {
	Prefix string
	Exact  bool
	Kind   HandlerKind
	Auth   AuthRequirement
	Style  ResponseStyle
}

func (r RouteRule) matches(path string) bool {
	if r.Exact {
		return path == r.Prefix
	}
	return strings.HasPrefix(path, r.Prefix)
}

// reservedPrefixes are the local paths that must never reach the backend.
var reservedPrefixes = []string{"/health", "/gateway/", "/auth/", "/api/"}

// RouteDispatcher resolves each incoming path to exactly one rule. Rules
// are evaluated in registration order and the first match wins, so local
// rules for reserved prefixes must precede any proxy rule that overlaps
// them. NewRouteDispatcher enforces that ordering structurally instead of
// leaving it to testing: a mis-ordered table fails at startup, not by
// silently forwarding /auth/logout to the backend.
type RouteDispatcher struct {
	rules []RouteRule
}

// NewRouteDispatcher validates and freezes the rule table. It returns a
// RouteConflictError if a proxy rule could match paths under a reserved
// prefix before a local rule has claimed that prefix, or if a reserved
// prefix has no local rule at all.
func NewRouteDispatcher(rules []RouteRule) (*RouteDispatcher, error) {
	claimed := make(map[string]bool, len(reservedPrefixes))

	for _, rule := range rules {
		if rule.Kind == HandlerLocal {
			for _, reserved := range reservedPrefixes {
				if claimsReserved(rule, reserved) {
					claimed[reserved] = true
				}
			}
			continue
		}
		for _, reserved := range reservedPrefixes {
			// A proxy rule inside a reserved subtree is wrong no matter
			// where it sits: either it wins and misroutes, or it sits
			// behind the local rule and can never match.
			if insideReserved(rule, reserved) {
				return nil, &RouteConflictError{Prefix: rule.Prefix, Reserved: reserved}
			}
			if !claimed[reserved] && overlapsReserved(rule, reserved) {
				return nil, &RouteConflictError{Prefix: rule.Prefix, Reserved: reserved}
			}
		}
	}

	for _, reserved := range reservedPrefixes {
		if !claimed[reserved] {
			return nil, &RouteConflictError{Prefix: "(missing)", Reserved: reserved}
		}
	}

	return &RouteDispatcher{rules: rules}, nil
}

// Resolve returns the first matching rule. The final rule is expected to
// be the catch-all proxy, so every path resolves.
func (d *RouteDispatcher) Resolve(path string) (RouteRule, bool) {
	for _, rule := range d.rules {
		if rule.matches(path) {
			return rule, true
		}
	}
	return RouteRule{}, false
}

// claimsReserved reports whether a local rule covers a reserved prefix in
// full, so later proxy rules can no longer reach paths under it.
func claimsReserved(rule RouteRule, reserved string) bool {
	trimmed := strings.TrimSuffix(reserved, "/")
	if rule.Exact {
		return rule.Prefix == trimmed
	}
	return rule.Prefix == reserved || rule.Prefix == trimmed
}

// insideReserved reports whether a proxy rule's prefix lies within a
// reserved subtree.
func insideReserved(rule RouteRule, reserved string) bool {
	return strings.HasPrefix(rule.Prefix, reserved) ||
		rule.Prefix == strings.TrimSuffix(reserved, "/")
}

// overlapsReserved reports whether a proxy rule could match any path under
// a reserved prefix.
func overlapsReserved(rule RouteRule, reserved string) bool {
	trimmed := strings.TrimSuffix(reserved, "/")
	if rule.Exact {
		return rule.Prefix == trimmed || strings.HasPrefix(rule.Prefix, reserved)
	}
	return strings.HasPrefix(trimmed, rule.Prefix) ||
		strings.HasPrefix(reserved, rule.Prefix) ||
		strings.HasPrefix(rule.Prefix, reserved) ||
		rule.Prefix == trimmed
}

// DefaultRules builds the gateway's ordered table: reserved local rules
// first, optional extra proxy prefixes, then the catch-all proxy.
func DefaultRules(extraProxyPrefixes []string) []RouteRule {
	rules := []RouteRule{
		{Prefix: "/health", Exact: true, Kind: HandlerLocal, Auth: AuthNone},
		{Prefix: "/gateway/", Kind: HandlerLocal, Auth: AuthNone},
		{Prefix: "/auth/", Kind: HandlerLocal, Auth: AuthNone},
		{Prefix: "/api/", Kind: HandlerLocal, Auth: AuthRequired, Style: Style401JSON},
	}
	for _, p := range extraProxyPrefixes {
		rules = append(rules, RouteRule{Prefix: p, Kind: HandlerProxy, Auth: AuthRequired, Style: StyleRedirectToChallenge})
	}
	rules = append(rules, RouteRule{Prefix: "/", Kind: HandlerProxy, Auth: AuthRequired, Style: StyleRedirectToChallenge})
	return rules
}
