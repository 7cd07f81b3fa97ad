package policy

import (
	"net/url"
	"strings"
)

// domainCategoryRegistry is the static hostname → categories registry
// classifyDomain consults (spec §4.C step 2/6: "classifyDomain(url),
// which matches hostname and each dotted suffix against a static
// registry"). Non-exhaustive; operators extend it via custom
// sensitivity rules rather than this table.
var domainCategoryRegistry = map[string][]string{
	"chase.com":         {"financial"},
	"bankofamerica.com": {"financial"},
	"paypal.com":        {"financial", "payments"},
	"stripe.com":        {"payments"},
	"github.com":        {"code_hosting"},
	"gitlab.com":        {"code_hosting"},
	"gmail.com":         {"email"},
	"outlook.com":       {"email"},
	"aws.amazon.com":    {"cloud_console"},
	"console.cloud.google.com": {"cloud_console"},
}

// classifyDomain extracts categories for a URL's hostname by matching
// the full hostname, then each dotted suffix (so "accounts.chase.com"
// matches the "chase.com" entry).
func classifyDomain(rawURL string) []string {
	if rawURL == "" {
		return nil
	}
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	labels := strings.Split(host, ".")
	for i := 0; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if cats, ok := domainCategoryRegistry[suffix]; ok {
			return cats
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Tolerate bare hostnames/URLs missing a scheme.
		u, err = url.Parse("https://" + rawURL)
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
