package action

import (
	"fmt"
	"regexp"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// lookup resolves field against the after values, then the before values.
func (c *Context) lookup(field string) (any, bool) {
	if v, ok := condition.Resolve(c.AfterValues, field); ok {
		return v, true
	}
	return condition.Resolve(c.BeforeValues, field)
}

// expand substitutes {{field}} placeholders in v. A string that is exactly
// one placeholder takes the field's value with its type; embedded
// placeholders are formatted, and missing fields become empty. Maps and
// slices are expanded recursively.
func (c *Context) expand(v any) any {
	switch t := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatchIndex(t); m != nil && m[0] == 0 && m[1] == len(t) {
			val, _ := c.lookup(t[m[2]:m[3]])
			return val
		}
		return placeholder.ReplaceAllStringFunc(t, func(s string) string {
			field := placeholder.FindStringSubmatch(s)[1]
			val, ok := c.lookup(field)
			if !ok || val == nil {
				return ""
			}
			return fmt.Sprint(val)
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = c.expand(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = c.expand(x)
		}
		return out
	}
	return v
}
