// Package rules implements the pure decision functions: URL scope
// membership, message formatting by tone, and passcode validation.
package rules

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tabwarden/tabwarden/internal/domain"
)

// scopeCacheSize bounds the URL memoization cache. Navigation within one
// site re-checks the same handful of URLs constantly.
const scopeCacheSize = 1024

// MessageKind selects which message family to format.
type MessageKind string

const (
	KindNudge MessageKind = "nudge"
	KindBlock MessageKind = "block"
)

// Engine holds the tracked-domain set and memoizes scope decisions.
type Engine struct {
	domains map[string]struct{}
	cache   *lru.Cache[string, bool]
}

// NewEngine creates a rules engine for the given tracked hostnames.
func NewEngine(domains []string) *Engine {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	cache, _ := lru.New[string, bool](scopeCacheSize)
	return &Engine{domains: set, cache: cache}
}

// InScope reports whether rawURL belongs to the tracked domain set.
// Matching is exact and case-sensitive on the parsed hostname; malformed
// URLs are out of scope, not errors.
func (e *Engine) InScope(rawURL string) bool {
	if hit, ok := e.cache.Get(rawURL); ok {
		return hit
	}
	in := false
	if u, err := url.Parse(rawURL); err == nil {
		if u.Scheme == "http" || u.Scheme == "https" {
			_, in = e.domains[u.Hostname()]
		}
	}
	e.cache.Add(rawURL, in)
	return in
}

// Domains returns the tracked hostnames, for status display.
func (e *Engine) Domains() []string {
	out := make([]string, 0, len(e.domains))
	for d := range e.domains {
		out = append(out, d)
	}
	return out
}

var nudgeText = map[domain.Tone]string{
	domain.ToneGentle:  "Heads up: about %s of your budget left. Maybe wrap up soon?",
	domain.ToneClassic: "You have %s left today.",
	domain.ToneDrill:   "%s LEFT. FINISH UP. NOW.",
}

var blockText = map[domain.Tone]string{
	domain.ToneGentle:  "That's enough for today. See you tomorrow.",
	domain.ToneClassic: "Daily limit reached. This site is locked until the next reset.",
	domain.ToneDrill:   "TIME IS UP. LOCKED. GO DO SOMETHING REAL.",
}

// MessageFor formats the nudge or block text for the given tone. An
// enabled customization overrides the tone text for blocks; its template,
// when set, wraps the message via the {message} placeholder. An unknown
// tone falls back to classic.
func MessageFor(tone domain.Tone, kind MessageKind, timeLeft time.Duration, custom *domain.OverlayCustomization) string {
	if kind == KindBlock && custom != nil && custom.Enabled && custom.Message != "" {
		if custom.Template != "" && strings.Contains(custom.Template, "{message}") {
			return strings.ReplaceAll(custom.Template, "{message}", custom.Message)
		}
		return custom.Message
	}

	table := blockText
	if kind == KindNudge {
		table = nudgeText
	}
	text, ok := table[tone]
	if !ok {
		text = table[domain.ToneClassic]
	}
	if kind == KindNudge {
		return fmt.Sprintf(text, formatTimeLeft(timeLeft))
	}
	return text
}

// formatTimeLeft renders a duration as whole minutes, floor 1.
func formatTimeLeft(d time.Duration) string {
	mins := int(d.Minutes())
	if mins < 1 {
		mins = 1
	}
	if mins == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}

// HashPasscode returns the one-way hash stored for a passcode.
func HashPasscode(passcode string) string {
	sum := sha256.Sum256([]byte(passcode))
	return hex.EncodeToString(sum[:])
}

// ValidatePasscode checks a candidate against the stored hash. With no
// passcode configured, bypass is always permitted.
func ValidatePasscode(storedHash, candidate string) bool {
	if storedHash == "" {
		return true
	}
	candidateHash := HashPasscode(candidate)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidateHash)) == 1
}
