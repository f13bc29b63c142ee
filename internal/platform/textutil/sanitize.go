package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips all HTML markup from user-provided free text. Buyer
// notes and cancellation reasons are echoed back in API responses and ops
// tooling, so markup is never preserved.
func SanitizeText(value string) string {
	return strings.TrimSpace(strictPolicy.Sanitize(value))
}
