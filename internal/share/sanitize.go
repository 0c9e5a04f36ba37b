package share

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// privateKeys are dropped at any depth. Keys are compared lowercased with
// '_' and '-' removed.
var privateKeys = map[string]bool{
	"id":           true,
	"evaluationid": true,
	"requester":    true,
	"identity":     true,
	"email":        true,
	"useremail":    true,
	"userid":       true,
	"customerid":   true,
	"ip":           true,
	"ipaddress":    true,
	"clientip":     true,
	"sessionid":    true,
	"token":        true,
	"sharetoken":   true,
	"apikey":       true,
	"requestid":    true,
}

// Sanitize returns a deep copy of payload with private keys removed and every
// string stripped of markup by policy.
func Sanitize(policy *bluemonday.Policy, payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if isPrivate(k) {
			continue
		}
		out[k] = sanitizeValue(policy, v)
	}
	return out
}

func sanitizeValue(policy *bluemonday.Policy, v any) any {
	switch t := v.(type) {
	case string:
		return plainText(policy, t)
	case map[string]any:
		return Sanitize(policy, t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(policy, e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(policy, e)
		}
		return out
	default:
		return v
	}
}

// plainText strips markup and returns unescaped text, since the payload is
// JSON rather than HTML. Escaped markup that unescaping reveals is stripped
// on the next pass.
func plainText(policy *bluemonday.Policy, s string) string {
	for i := 0; i < 3; i++ {
		next := html.UnescapeString(policy.Sanitize(s))
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

func isPrivate(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "").Replace(k)
	return privateKeys[k]
}
