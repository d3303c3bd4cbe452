// Package render fills {placeholder} tokens in template text from the
// notification payload. Template variables are an open-ended bag, so this is
// plain token substitution rather than a typed template language.
package render

import (
	"fmt"
	"strings"
)

// Fill replaces every {key} occurrence in s with the payload value for key.
// Unknown placeholders are left in place so a missing variable is visible in
// the rendered text instead of silently disappearing.
func Fill(s string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(s, "{") {
		return s
	}
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", fmt.Sprint(v))
	}
	return s
}
