// Package nlu recognizes the project format a user mentions in free text
// ("era 3D", "quero um institucional", ...) so the assistant does not ask
// again for an answer that was already given with spelling variations.
package nlu

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical format names returned by ExtractFormat.
const (
	FormatInstitucional = "institucional"
	Format3DIA          = "3d/ia"
	FormatProduto       = "produto"
	FormatEducativo     = "educativo"
	FormatConvite       = "convite"
	FormatHomenagem     = "homenagem"
)

var canonicalPatterns = []struct {
	format   string
	patterns []*regexp.Regexp
}{
	{FormatInstitucional, compileAll(
		`institucional`,
	)},
	{Format3DIA, compileAll(
		`\b3\s*[-/]?\s*d\b`,
		`\b3d\s*/\s*ia\b`,
		`\bia\s*3d\b`,
		`animacao\s*3\s*[-/]?\s*d`,
		`\b3d\s*ia\b`,
	)},
	{FormatProduto, compileAll(
		`\bproduto(s)?\b`,
		`video\s*de\s*produto`,
		`apresentacao\s*de\s*produto`,
	)},
	{FormatEducativo, compileAll(
		`\beducativo\b`,
		`\btutorial(es)?\b`,
		`\baula(s)?\b`,
		`\btreinamento\b`,
	)},
	{FormatConvite, compileAll(
		`\bconvite(s)?\b`,
	)},
	{FormatHomenagem, compileAll(
		`\bhomenagem\b`,
		`\btributo\b`,
	)},
}

// Noise that often precedes the actual answer ("era 3D", "quero produto").
var noisePrefix = regexp.MustCompile(`^(era|e|eh|foi|quero|queria|pode\s*ser|seria|talvez|acho\s*que)\s+`)

var (
	unicodeHyphens = regexp.MustCompile("[‐-―]")
	spaceRuns      = regexp.MustCompile(`\s+`)
)

// ExtractFormat returns the canonical format mentioned in the text, or ""
// when none is recognized.
func ExtractFormat(text string) string {
	t := normalize(text)
	if t == "" {
		return ""
	}
	candidates := []string{t}
	if stripped := noisePrefix.ReplaceAllString(t, ""); stripped != t {
		candidates = append(candidates, stripped)
	}
	for _, candidate := range candidates {
		for _, entry := range canonicalPatterns {
			for _, rx := range entry.patterns {
				if rx.MatchString(candidate) {
					return entry.format
				}
			}
		}
	}
	return ""
}

// normalize lowercases, strips accents, and unifies hyphens and spacing so
// the patterns match "animação 3-D", "animacao 3d" and friends alike.
func normalize(s string) string {
	s = stripAccents(s)
	s = strings.ToLower(s)
	s = unicodeHyphens.ReplaceAllString(s, "-")
	s = spaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
