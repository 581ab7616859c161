package receipt

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitiveFlags have values that are always redacted
var sensitiveFlags = map[string]bool{
	"token":         true,
	"password":      true,
	"secret":        true,
	"api-key":       true,
	"auth":          true,
	"authorization": true,
	"bearer":        true,
	"header":        true,
	"webhook":       true,
	"private-key":   true,
}

// sensitivePrefixes of well-known credential formats
var sensitivePrefixes = []string{
	"ghp_", "github_pat_", "gho_", "ghs_",
	"glpat-",
	"xoxb-", "xoxp-",
	"AKIA", "ASIA",
	"ya29.", "AIza",
	"Bearer ",
}

var (
	jwtRegex        = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`)
	longSecretRegex = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{32,}$`)
)

const redactedValue = "[REDACTED]"

// RedactArgs replaces secret-looking values. The bool reports whether
// anything was replaced.
func RedactArgs(args []string) ([]string, bool) {
	out := make([]string, len(args))
	redacted := false
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			name, value, hasValue := strings.Cut(arg, "=")
			flag := strings.ToLower(strings.TrimLeft(name, "-"))
			switch {
			case hasValue && (sensitiveFlags[flag] || isSensitiveValue(value)):
				out[i] = name + "=" + redactedValue
				redacted = true
			case !hasValue && sensitiveFlags[flag] && i+1 < len(args):
				out[i] = arg
				i++
				out[i] = redactedValue
				redacted = true
			default:
				out[i] = arg
			}
			continue
		}
		if red, ok := redactURL(arg); ok {
			out[i] = red
			redacted = true
			continue
		}
		if isSensitiveValue(arg) {
			out[i] = redactedValue
			redacted = true
			continue
		}
		out[i] = arg
	}
	return out, redacted
}

// redactURL strips userinfo and the query from URLs that carry either
func redactURL(s string) (string, bool) {
	if !strings.Contains(s, "://") {
		return s, false
	}
	u, err := url.Parse(s)
	if err != nil || (u.User == nil && u.RawQuery == "") {
		return s, false
	}
	hadUser, hadQuery := u.User != nil, u.RawQuery != ""
	u.User, u.RawQuery, u.Fragment = nil, "", ""
	out := u.String()
	if hadUser {
		out = strings.Replace(out, "://", "://"+redactedValue+"@", 1)
	}
	if hadQuery {
		out += "?" + redactedValue
	}
	return out, true
}

func isSensitiveValue(v string) bool {
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	if jwtRegex.MatchString(v) {
		return true
	}
	// paths and hostnames are long too
	return len(v) >= 32 && !strings.ContainsAny(v, "/.") && longSecretRegex.MatchString(v)
}
