package handlers

import (
	"fmt"

	"golang.org/x/text/language"
)

// validateLanguage accepts any well-formed BCP 47 tag ("en", "pt-BR", ...).
func validateLanguage(value string) error {
	if _, err := language.Parse(value); err != nil {
		return fmt.Errorf("unrecognized language tag %q: %w", value, err)
	}
	return nil
}

// canonicalLanguage normalizes a tag for passing to external tools.
func canonicalLanguage(value string) string {
	tag, err := language.Parse(value)
	if err != nil {
		return value
	}
	return tag.String()
}
