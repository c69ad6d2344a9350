package access

import (
	"strings"

	"github.com/angelmondragon/truvoice-backend/pkg/enums"
)

// Banner values tell the client which persistent notice to render.
const (
	BannerUpdatePayment      = "update_payment"
	BannerBetaEnding         = "beta_ending"
	BannerSubscriptionEnding = "subscription_ending"
)

// GuardDecision is the navigation outcome for one route.
type GuardDecision struct {
	Allow      bool   `json:"allow"`
	RedirectTo string `json:"redirect_to,omitempty"`
	Banner     string `json:"banner,omitempty"`
}

// Guard classifies client routes. Paths that match no list are protected.
type Guard struct {
	Public  []string
	Billing []string
}

// DefaultGuard returns the route table used by the web client.
func DefaultGuard() Guard {
	return Guard{
		Public:  []string{"/", "/login", "/signup", "/pricing", "/beta", "/legal"},
		Billing: []string{"/billing", "/account", "/subscribe"},
	}
}

// Check gates navigation to path for a user holding verdict.
func (g Guard) Check(path string, verdict Verdict) GuardDecision {
	path = normalizePath(path)
	if matchesAny(path, g.Public) {
		return GuardDecision{Allow: true}
	}
	if matchesAny(path, g.Billing) {
		return GuardDecision{Allow: true, Banner: bannerFor(verdict)}
	}
	if !verdict.HasAccess {
		return GuardDecision{RedirectTo: RedirectFor(verdict.Reason)}
	}
	return GuardDecision{Allow: true, Banner: bannerFor(verdict)}
}

// RedirectFor returns where a denied user is sent so they can restore access.
func RedirectFor(reason enums.AccessReason) string {
	switch reason {
	case enums.AccessReasonPastDueExpired:
		return "/billing/update-payment"
	case enums.AccessReasonBetaExpired, enums.AccessReasonCanceledExpired:
		return "/pricing?expired=1"
	default:
		return "/pricing"
	}
}

func bannerFor(v Verdict) string {
	switch v.Reason {
	case enums.AccessReasonPastDueGrace:
		return BannerUpdatePayment
	case enums.AccessReasonBetaGrace:
		return BannerBetaEnding
	case enums.AccessReasonCanceledButPaid:
		return BannerSubscriptionEnding
	default:
		return ""
	}
}

func normalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// matchesAny treats "/" as an exact match and anything else as a prefix segment.
func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "/" {
			if path == "/" {
				return true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
