package universe

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/legal"
)

var (
	placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)
	numberRe      = regexp.MustCompile(`\d+`)
	chapterRe     = regexp.MustCompile(`\d+[A-Z]?(?:[-.:]\d+[A-Z]?)*`)
)

// extractKey derives title and section for a spoke. Title rules run first,
// section rules second. When no title rule matches, the first words of the
// citation become the title and fallback is set, even if a section matched.
func extractKey(reg *citation.Registry, jurisdiction, text string, fallbackWords int) (title, section string, fallback bool) {
	for _, r := range reg.TitleRules(jurisdiction) {
		if v, ok := r.Apply(text); ok && v != "" {
			title = v
			break
		}
	}
	for _, r := range reg.SectionRules(jurisdiction) {
		if v, ok := r.Apply(text); ok && v != "" {
			section = v
			break
		}
	}
	if title == "" {
		title = firstWords(text, fallbackWords)
		fallback = true
	}
	return title, section, fallback
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if n > 0 && len(words) > n {
		words = words[:n]
	}
	return strings.TrimRight(strings.Join(words, " "), ",;:")
}

// locate renders the first locator template whose placeholders all resolve.
// Without one, it returns a plain identifier.
func locate(reg *citation.Registry, jurisdiction string, e ExternalRegulation) string {
	values := map[string]string{
		"title":        e.TitleOrChapter,
		"title_number": numberRe.FindString(e.TitleOrChapter),
		"chapter":      chapterRe.FindString(e.TitleOrChapter),
		"section":      e.Section,
	}
	for _, tmpl := range reg.LocatorTemplates(jurisdiction, e.ReferenceType) {
		if out, ok := render(tmpl, values); ok {
			return out
		}
	}
	return identifier(e.ReferenceType, e.TitleOrChapter, e.Section)
}

func render(tmpl string, values map[string]string) (string, bool) {
	ok := true
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		v := values[m[1:len(m)-1]]
		if v == "" {
			ok = false
		}
		return url.PathEscape(v)
	})
	return out, ok
}

func identifier(c legal.Category, title, section string) string {
	return strings.TrimSpace(fmt.Sprintf("%s:%s %s", c, title, section))
}
