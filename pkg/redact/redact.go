// Package redact masks secrets in text before it is written to the task
// history: command lines and their output routinely carry tokens.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

type Mode string

const (
	ModeOff   Mode = "off"
	ModeBasic Mode = "basic"
	// ModeAggressive adds known token prefixes and high-entropy words.
	ModeAggressive Mode = "aggressive"

	DefaultReplacement = "***REDACTED***"

	// minEntropyCandidateLen is the shortest word considered for entropy-based redaction.
	minEntropyCandidateLen = 20
)

// ParseMode accepts off, basic and aggressive; empty means basic.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBasic, nil
	case ModeOff, ModeBasic, ModeAggressive:
		return m, nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q", s)
	}
}

type Config struct {
	Mode Mode
	// ExtraKeys are additional assignment key suffixes, e.g. "_DSN".
	ExtraKeys   []string
	Replacement string
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor is safe for concurrent use; its rules are compiled once.
type Redactor struct {
	mode    Mode
	rules   []rule
	words   *regexp.Regexp
	replace string
}

var (
	pemBlock = regexp.MustCompile(`-----BEGIN [A-Za-z0-9+/ -]+-----[\s\S]*?-----END [A-Za-z0-9+/ -]+-----`)

	secretKeySuffixes = []string{"_TOKEN", "_KEY", "_SECRET", "_PASSWORD", "_PASSWD", "_AUTHORIZATION", "_CREDENTIALS"}
	secretKeyExact    = []string{"API_KEY", "APIKEY", "AUTH_TOKEN", "PASSWORD", "SECRET", "TOKEN"}

	sensitiveHeaders = []string{
		"Authorization", "Proxy-Authorization", "X-API-Key", "X-Auth-Token",
		"Cookie", "Set-Cookie",
	}
	sensitiveParams = []string{
		"token", "key", "secret", "password", "api_key", "apikey",
		"access_token", "refresh_token", "auth_token",
	}

	// Token formats with a recognizable prefix.
	knownPrefixes = []struct{ prefix, pattern string }{
		{"ghp_", `ghp_[A-Za-z0-9_]{32,36}`},
		{"gho_", `gho_[A-Za-z0-9_]{32,36}`},
		{"ghs_", `ghs_[A-Za-z0-9_]{32,36}`},
		{"github_pat_", `github_pat_[A-Za-z0-9_]{40,90}`},
		{"sk-", `sk-[A-Za-z0-9_\-]{26,100}`},
		{"xoxb-", `xoxb-[A-Za-z0-9\-]{26,60}`},
		{"xoxp-", `xoxp-[A-Za-z0-9\-]{26,60}`},
		{"AKIA", `AKIA[A-Z0-9]{16}`},
		{"ya29.", `ya29\.[A-Za-z0-9_\-]{46,196}`},
	}
)

func New(cfg Config) *Redactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBasic
	}
	replace := cfg.Replacement
	if replace == "" {
		replace = DefaultReplacement
	}
	r := &Redactor{mode: mode, replace: replace}
	if mode == ModeOff {
		return r
	}

	r.rules = append(r.rules, rule{pemBlock, "-----BEGIN REDACTED-----\n" + replace + "\n-----END REDACTED-----"})

	// NAME=value, NAME="value", export NAME='value', --password=value
	suffixes := append(append([]string{}, secretKeySuffixes...), cfg.ExtraKeys...)
	var keys []string
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s != "" {
			keys = append(keys, `\w*`+regexp.QuoteMeta(strings.ToUpper(s)))
		}
	}
	for _, s := range secretKeyExact {
		keys = append(keys, regexp.QuoteMeta(s))
	}
	assign := regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)(\s*=\s*)['"]?[^'"\s&;]+['"]?`)
	r.rules = append(r.rules, rule{assign, "${1}${2}" + replace})

	flags := regexp.MustCompile(`(--(?:password|passwd|token|secret|api-key)[= ])\S+`)
	r.rules = append(r.rules, rule{flags, "${1}" + replace})

	quoted := make([]string, len(sensitiveHeaders))
	for i, h := range sensitiveHeaders {
		quoted[i] = regexp.QuoteMeta(h)
	}
	headers := regexp.MustCompile(`(?im)^(\s*(?:` + strings.Join(quoted, "|") + `)\s*:\s*)[^\r\n]+`)
	r.rules = append(r.rules, rule{headers, "${1}" + replace})
	// Header values also appear inline in curl -H arguments.
	curlHeaders := regexp.MustCompile(`(?i)(-H\s*['"]?(?:` + strings.Join(quoted, "|") + `)\s*:\s*)[^'"\r\n]+`)
	r.rules = append(r.rules, rule{curlHeaders, "${1}" + replace})

	for _, p := range sensitiveParams {
		re := regexp.MustCompile(`([?&]` + regexp.QuoteMeta(p) + `=)[^&\s#'"]+`)
		r.rules = append(r.rules, rule{re, "${1}" + replace})
	}

	if mode == ModeAggressive {
		for _, p := range knownPrefixes {
			r.rules = append(r.rules, rule{regexp.MustCompile(p.pattern), p.prefix + replace})
		}
		r.words = regexp.MustCompile(fmt.Sprintf(`\b[A-Za-z0-9_\-\.+=]{%d,}\b`, minEntropyCandidateLen))
	}
	return r
}

func (r *Redactor) Mode() Mode { return r.mode }

// String returns s with every recognized secret replaced.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff || s == "" {
		return s
	}
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	if r.words != nil {
		s = r.words.ReplaceAllStringFunc(s, func(w string) string {
			if isLikelyFalsePositive(w) || !isHighEntropy(w) {
				return w
			}
			return r.replace
		})
	}
	return s
}

// isHighEntropy reports whether w looks random: Shannon entropy above 4 bits
// per character, well above natural language.
func isHighEntropy(w string) bool {
	if len(w) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range w {
		freq[ch]++
	}
	entropy := 0.0
	n := float64(len(w))
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func isLikelyFalsePositive(w string) bool {
	if strings.ContainsAny(w, `/\`) {
		return true
	}
	// Words, identifiers and acronyms.
	if w == strings.ToLower(w) && len(w) < 30 {
		return true
	}
	if w == strings.ToUpper(w) && len(w) < 20 {
		return true
	}
	lower := 0
	for _, ch := range w {
		if ch >= 'a' && ch <= 'z' {
			lower++
		}
	}
	return float64(lower)/float64(len(w)) > 0.7
}
