package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule factors. A matched rule multiplies the running score by its factor,
// so lower is more severe.
const (
	destructiveFactor = 0.1
	boundaryFactor    = 0.1
	clientSecret      = 0.3
	hardcodedSecret   = 0.7
	unsafePattern     = 0.7
)

// Rule categories. At most one rule per category fires on a given input,
// in table order, so overlapping patterns in the same category never
// stack their penalties.
const (
	catDestructive = iota
	catSecretExposure
	catInjection
)

// rule is one entry in the built-in table. Rules match either via a
// compiled regex or a code matcher that returns its own detail string.
type rule struct {
	Name       string
	Category   int
	Factor     float64
	ClientOnly bool
	ServerOnly bool
	regex      *regexp.Regexp
	match      func(content string) (string, bool)
}

// Match reports whether the rule fires on content.
func (r *rule) Match(content string) (Violation, bool) {
	if r.match != nil {
		detail, ok := r.match(content)
		if !ok {
			return Violation{}, false
		}
		return Violation{Rule: r.Name, Factor: r.Factor, Detail: detail}, true
	}
	loc := r.regex.FindString(content)
	if loc == "" {
		return Violation{}, false
	}
	return Violation{Rule: r.Name, Factor: r.Factor, Detail: fmt.Sprintf("matched %q", truncateDetail(loc))}, true
}

func truncateDetail(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

// scopedDeletionTargets are disposable build artifacts that a story may
// legitimately remove. Recursive deletion of anything else is destructive.
var scopedDeletionTargets = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".turbo":       true,
	"coverage":     true,
	"tmp":          true,
	"vendor":       true,
	"target":       true,
	"__pycache__":  true,
}

var rmCommandPattern = regexp.MustCompile(`\brm\s+((?:--?[\w-]+\s+)*)(\S+)`)

// matchDestructiveRm finds recursive+force rm invocations whose target is
// not an allow-listed disposable directory.
func matchDestructiveRm(content string) (string, bool) {
	for _, m := range rmCommandPattern.FindAllStringSubmatch(content, -1) {
		flags, target := m[1], m[2]
		if !strings.Contains(flags, "r") && !strings.Contains(flags, "R") {
			continue
		}
		if scopedDeletionAllowed(target) {
			continue
		}
		return fmt.Sprintf("recursive deletion of %q", target), true
	}
	return "", false
}

// scopedDeletionAllowed reports whether an rm target is a relative,
// disposable directory like ./node_modules or dist/.
func scopedDeletionAllowed(target string) bool {
	t := strings.TrimSuffix(target, "/*")
	t = strings.TrimSuffix(t, "/")
	t = strings.TrimPrefix(t, "./")
	if t == "" || strings.HasPrefix(t, "/") || strings.HasPrefix(t, "~") || strings.Contains(t, "..") {
		return false
	}
	// Nested disposable dirs (packages/app/node_modules) are fine too.
	base := t
	if idx := strings.LastIndexByte(t, '/'); idx >= 0 {
		base = t[idx+1:]
	}
	return scopedDeletionTargets[base]
}

// builtinRules returns the compiled rule table. The table is rebuilt per
// evaluator; all regexes are package-level so compilation happens once.
// Within a category, more specific rules come first: a provider-shaped
// key in a client file reports client-secret-exposure, not the generic
// hardcoded-secret.
func builtinRules() []*rule {
	return []*rule{
		{Name: "destructive-deletion", Category: catDestructive, Factor: destructiveFactor, match: matchDestructiveRm},
		{Name: "destructive-sql", Category: catDestructive, Factor: destructiveFactor, regex: destructiveSQLPattern},
		{Name: "sql-delete-without-where", Category: catDestructive, Factor: destructiveFactor, regex: deleteWithoutWherePattern},
		{Name: "force-push", Category: catDestructive, Factor: destructiveFactor, regex: forcePushPattern},
		{Name: "device-overwrite", Category: catDestructive, Factor: destructiveFactor, regex: deviceOverwritePattern},
		{Name: "fork-bomb", Category: catDestructive, Factor: destructiveFactor, regex: forkBombPattern},
		{Name: "world-writable-root", Category: catDestructive, Factor: destructiveFactor, regex: worldWritableRootPattern},
		{Name: "client-secret-exposure", Category: catSecretExposure, Factor: clientSecret, ClientOnly: true, regex: providerKeyPattern},
		{Name: "client-private-key", Category: catSecretExposure, Factor: clientSecret, ClientOnly: true, regex: privateKeyPattern},
		{Name: "server-secret-exposure", Category: catSecretExposure, Factor: hardcodedSecret, ServerOnly: true, regex: providerKeyPattern},
		{Name: "server-private-key", Category: catSecretExposure, Factor: hardcodedSecret, ServerOnly: true, regex: privateKeyPattern},
		{Name: "hardcoded-secret", Category: catSecretExposure, Factor: hardcodedSecret, regex: hardcodedSecretPattern},
		{Name: "timing-unsafe-comparison", Category: catInjection, Factor: unsafePattern, regex: timingComparisonPattern},
		{Name: "sql-string-interpolation", Category: catInjection, Factor: unsafePattern, regex: sqlInterpolationPattern},
	}
}

var (
	destructiveSQLPattern     = regexp.MustCompile(`(?i)\b(DROP\s+(TABLE|DATABASE|SCHEMA)|TRUNCATE\s+TABLE)\b`)
	deleteWithoutWherePattern = regexp.MustCompile(`(?im)\bDELETE\s+FROM\s+[\w".]+\s*(;|$)`)
	forcePushPattern          = regexp.MustCompile(`\bgit\s+push\s+[^\n]*(--force\b|-f\b)`)
	deviceOverwritePattern    = regexp.MustCompile(`\b(mkfs(\.\w+)?\s|dd\s+[^\n]*of=/dev/)`)

	// The classic shell fork bomb: a function piping into itself with the
	// recursion backgrounded.
	forkBombPattern = regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`)
	// chmod 777 aimed at the filesystem root.
	worldWritableRootPattern = regexp.MustCompile(`\bchmod\s+(?:-[a-zA-Z]+\s+)*0?777\s+/(?:[\s"']|\z)`)

	// Provider-issued secret shapes: Stripe live/test keys, AWS access key
	// IDs, GitHub tokens.
	providerKeyPattern = regexp.MustCompile(`\b(sk_(live|test)_[0-9a-zA-Z]{8,}|AKIA[0-9A-Z]{16}|ghp_[0-9a-zA-Z]{36})\b`)
	privateKeyPattern  = regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`)

	// Hardcoded credentials assigned to secret-named variables anywhere in
	// the tree. Less severe than shipping them client-side.
	hardcodedSecretPattern = regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|auth[_-]?token)\s*[:=]\s*["'][^"'\s]{12,}["']`)

	timingComparisonPattern = regexp.MustCompile(`(?i)\b(password|secret|token|api[_-]?key|signature|hmac)\w*\s*(===|!==|==|!=)\s*`)
	sqlInterpolationPattern = regexp.MustCompile(`(?i)["'` + "`" + `][^"'` + "`" + `\n]*\b(SELECT|INSERT|UPDATE|DELETE)\b[^"'` + "`" + `\n]*["'` + "`" + `]\s*\+\s*\w|fmt\.Sprintf\([^\n]*\b(SELECT|INSERT\s+INTO|UPDATE|DELETE\s+FROM)\b[^\n]*%s`)

	clientEnvAccessPattern = regexp.MustCompile(`\b(?:process\.env|import\.meta\.env)\.([A-Z][A-Z0-9_]*)`)
	secretEnvNamePattern   = regexp.MustCompile(`(KEY|SECRET|TOKEN|PASSWORD|CREDENTIAL|PRIVATE)`)
)
