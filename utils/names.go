// utils/names.go
package utils

import (
	"regexp"
	"strings"

	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	trademarkReplacer = strings.NewReplacer("™", "", "®", "", "©", "", "(TM)", "", "(R)", "")
	whitespacePattern = regexp.MustCompile(`\s+`)

	// "(Demo)" and "[Beta]" name a separate product, not an edition.
	productLabelSuffix = regexp.MustCompile(`(?i)[\(\[]\s*(?:demo|beta|playtest)\s*[\)\]]$`)

	// Suffixes stripped from the end of a title, repeatedly, until none match.
	nameSuffixPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*[\(\[][^\(\)\[\]]*[\)\]]$`), // "(2004)", "[Early Access]"
		regexp.MustCompile(`(?i)[\s:,\-–—]+(?:game of the year|goty|digital deluxe|deluxe|definitive|complete|ultimate|gold|premium|standard|special|enhanced|anniversary|collector'?s|legendary|platinum|limited|extended)\s+edition$`),
		regexp.MustCompile(`(?i)[\s:,\-–—]+(?:goty|game of the year)$`),          // "GOTY"
		regexp.MustCompile(`(?i)[\s:,\-–—]+(?:director'?s|final) cut$`),          // "Director's Cut"
		regexp.MustCompile(`(?i)[\s:,\-–—]+v(?:ersion)?\s?\d+(?:\.\d+)*[a-z]?$`), // "v1.2", "Version 2"
		// Storefront labels. Demos and betas are separate products and keep their suffix.
		regexp.MustCompile(`(?i)[\s:,\-–—]+(?:early access|free to play|ftp)$`),
	}

	folder = cases.Fold()
)

// CleanGameName strips trademark symbols and edition or version suffixes,
// keeping the original casing. It never returns an empty string for a
// non-empty title.
func CleanGameName(name string) string {
	cleaned := trademarkReplacer.Replace(norm.NFKC.String(name))
	cleaned = strings.TrimSpace(whitespacePattern.ReplaceAllString(cleaned, " "))

	for changed := true; changed; {
		changed = false
		for _, p := range nameSuffixPatterns {
			if productLabelSuffix.MatchString(cleaned) && p == nameSuffixPatterns[0] {
				continue
			}
			next := strings.TrimSpace(p.ReplaceAllString(cleaned, ""))
			if next != cleaned && next != "" {
				cleaned = next
				changed = true
			}
		}
	}

	cleaned = strings.TrimRight(cleaned, " :,-–—")
	if cleaned == "" {
		return strings.TrimSpace(name)
	}
	return cleaned
}

// NormalizeGameName returns the matching key for a title: cleaned,
// transliterated, case-folded and slugged. "The Witcher® 3: Wild Hunt – GOTY
// Edition" and "the witcher 3 wild hunt" share a key.
func NormalizeGameName(name string) string {
	cleaned := CleanGameName(name)
	folded := folder.String(unidecode.Unidecode(cleaned))
	key := slug.Make(folded)
	if key == "" {
		return strings.ToLower(strings.TrimSpace(folded))
	}
	return key
}
