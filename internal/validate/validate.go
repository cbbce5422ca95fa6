// Package validate provides the content-safety predicates used before
// anything from a source document or the API reaches a request path.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

const maxProfileIDLen = 64

var (
	profileIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	folderIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	rulePattern       = regexp.MustCompile(`^[a-zA-Z0-9.\-_:*/@]+$`)
	dashboardIDRegexp = regexp.MustCompile(`controld\.com/dashboard/profiles/([^/?#\s]+)`)
)

const unsafeFolderChars = "<>\"'`/\\"

func isBidiControl(r rune) bool {
	switch {
	case r >= '\u202a' && r <= '\u202e':
		return true
	case r >= '\u2066' && r <= '\u2069':
		return true
	}
	return r == '\u200e' || r == '\u200f'
}

// Rule reports whether a rule identifier is on the character whitelist.
func Rule(rule string) bool {
	return rule != "" && rulePattern.MatchString(rule)
}

// FolderName rejects empty, non-printable, markup, path-like and
// option-like names as well as bidi control characters.
func FolderName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) || isBidiControl(r) || strings.ContainsRune(unsafeFolderChars, r) {
			return false
		}
	}
	clean := strings.TrimSpace(name)
	if clean == "." || clean == ".." {
		return false
	}
	return !strings.HasPrefix(clean, "-")
}

// FolderID reports whether an API-supplied folder id is safe in a URL path.
func FolderID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return folderIDPattern.MatchString(id)
}

// ProfileID reports whether id is a well-formed profile id.
func ProfileID(id string) bool {
	return len(id) <= maxProfileIDLen && profileIDPattern.MatchString(id)
}

// ExtractProfileID returns the id from a dashboard URL, or the trimmed input.
func ExtractProfileID(text string) string {
	text = strings.TrimSpace(text)
	if m := dashboardIDRegexp.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// Document checks the parts of a parsed document that end up in API requests.
func Document(doc *domain.RuleListDocument) error {
	if doc == nil {
		return fmt.Errorf("%w: empty document", domain.ErrDataIntegrity)
	}
	if !FolderName(doc.Folder.Name) {
		return fmt.Errorf("%w: invalid folder name", domain.ErrDataIntegrity)
	}
	return nil
}
