// Package i18n provides the OperationContext's message source and the
// BCP-47 language matching used when selecting a Designation for a
// requested display language: region falls back to base language, which
// falls back to the value set's own base language, per §3's Designation
// invariant.
package i18n

import (
	"fmt"

	"golang.org/x/text/language"
)

// Source resolves a message key plus format arguments into localized text
// for one or more requested languages, falling back to the source's default
// locale (English for Default) when no catalog entry exists for the
// requested tag.
type Source struct {
	matcher  language.Matcher
	catalogs map[language.Tag]map[string]string
	order    []language.Tag
}

// NewSource builds a message Source. Catalogs map a BCP-47 tag to its
// key->template entries. Tags are taken in map iteration order and the
// first becomes the fallback locale, so with more than one catalog which
// tag is the fallback is not defined.
func NewSource(catalogs map[string]map[string]string) *Source {
	s := &Source{catalogs: make(map[language.Tag]map[string]string, len(catalogs))}
	for tag, entries := range catalogs {
		t := language.Make(tag)
		s.catalogs[t] = entries
		s.order = append(s.order, t)
	}
	if len(s.order) == 0 {
		s.order = []language.Tag{language.English}
		s.catalogs[language.English] = map[string]string{}
	}
	s.matcher = language.NewMatcher(s.order)
	return s
}

// Default returns the built-in English catalog covering this server's own
// diagnostic messages.
func Default() *Source {
	return NewSource(map[string]map[string]string{
		"en": {
			"not-found.codesystem":  "unknown code system: %s",
			"not-found.valueset":    "unknown value set: %s",
			"not-found.code":        "code not found: %s in %s",
			"invalid.no-code":       "no code, coding, or codeableConcept supplied",
			"invalid.display":       "display %q does not match expected %q",
			"cycle.detected":        "value set import cycle detected: %s",
			"too-costly.deadline":   "operation deadline exceeded",
			"too-costly.expansion":  "expansion truncated before completion",
			"business-rule.abstract": "code is abstract and cannot be used directly: %s",
		},
	})
}

// Message renders key with args for the best match among requested
// (BCP-47, most-preferred first), falling back to the source's default
// locale's template, and finally to the key itself if even that is absent.
func (s *Source) Message(requested []string, key string, args ...any) string {
	tag := s.resolve(requested)
	tmpl, ok := s.catalogs[tag][key]
	if !ok {
		tmpl, ok = s.catalogs[s.order[0]][key]
	}
	if !ok {
		tmpl = key
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}

func (s *Source) resolve(requested []string) language.Tag {
	if len(requested) == 0 {
		return s.order[0]
	}
	tags := make([]language.Tag, 0, len(requested))
	for _, r := range requested {
		tags = append(tags, language.Make(r))
	}
	_, index, _ := s.matcher.Match(tags...)
	return s.order[index]
}

// PreferredDesignationIndex picks the best-matching designation index out
// of candidates for the requested languages, applying the fallback chain
// region -> base language -> valueSetBaseLanguage -> index 0. Returns -1 if
// candidates is empty.
func PreferredDesignationIndex(requested []string, valueSetBaseLanguage string, candidateLanguages []string) int {
	if len(candidateLanguages) == 0 {
		return -1
	}

	tags := make([]language.Tag, 0, len(candidateLanguages))
	for _, l := range candidateLanguages {
		if l == "" {
			tags = append(tags, language.Und)
			continue
		}
		tags = append(tags, language.Make(l))
	}

	tryMatch := func(want string) int {
		if want == "" {
			return -1
		}
		wantTag := language.Make(want)
		base, _ := wantTag.Base()
		for i, t := range tags {
			if t == wantTag {
				return i
			}
			if b, _ := t.Base(); b == base {
				return i
			}
		}
		return -1
	}

	for _, want := range requested {
		if idx := tryMatch(want); idx >= 0 {
			return idx
		}
	}
	if idx := tryMatch(valueSetBaseLanguage); idx >= 0 {
		return idx
	}
	return 0
}
