package knowledge

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// ValidateContent checks body against the rules of ct.
func ValidateContent(ct ContentType, body string) error {
	switch ct {
	case ContentJSON:
		if !json.Valid([]byte(body)) {
			return fmt.Errorf("%w: content is not valid JSON", ErrInvalidContent)
		}
	case ContentMarkdown, ContentText:
		if !utf8.ValidString(body) {
			return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContent)
		}
	default:
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, ct)
	}
	return nil
}
