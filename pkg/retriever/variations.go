package retriever

import (
	"regexp"
	"strings"
)

var digitsRe = regexp.MustCompile(`\d+`)

// landingTerms mark a target as referring to a landing pad, in either
// language the map corpus uses.
var landingTerms = []string{"黑白", "着陆", "降落", "landing", "起降"}

// landingFamily is the canonical phrasing set for landing pads.
var landingFamily = []string{
	"黑白相间的着陆点",
	"着陆点",
	"降落点",
	"landing pad",
	"黑白圆形标志",
}

// searchVariations expands an unresolved target into phrasing variations
// worth retrying. The target itself always comes first.
func searchVariations(target string) []string {
	target = strings.TrimSpace(target)
	out := []string{target}

	// Numeric ids match chunks written as "7", "7号" or "编号7".
	if num := digitsRe.FindString(target); num != "" {
		out = append(out,
			num,
			num+"号",
			"编号"+num,
			num+"号标志",
		)
	}

	lower := strings.ToLower(target)
	for _, term := range landingTerms {
		if strings.Contains(lower, term) {
			out = append(out, landingFamily...)
			break
		}
	}

	// Color+shape targets often appear in the corpus with a marker
	// suffix.
	if !digitsRe.MatchString(target) {
		out = append(out, target+"标志", target+"位置")
	}

	return dedupeStrings(out)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
