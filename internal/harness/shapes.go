package harness

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Shape is one row of the terminal-shape table: a predicate over a parsed
// value and the normalizer that pulls the answer text out of it.
type Shape struct {
	Name  string
	Match func(v gjson.Result) bool
	Text  func(v gjson.Result) string
}

// ShapeMatch is the outcome of evaluating the table against one value.
type ShapeMatch struct {
	Shape string
	Text  string
	// IsError is set when the value matched a row but carried an explicit
	// error flag. Such values are not terminal successes.
	IsError bool
}

var baseShapes = []Shape{
	{Name: "subtype_success", Match: fieldEquals("subtype", "success"), Text: firstString("result", "output", "message", "text")},
	{Name: "type_result", Match: fieldEquals("type", "result"), Text: firstString("result", "output", "message", "text")},
	{Name: "success_true", Match: fieldTrue("success"), Text: firstString("result", "output", "message", "data")},
	{Name: "event_result", Match: fieldEquals("event", "result"), Text: firstString("result", "data", "output", "message")},
	{Name: "status_success", Match: fieldEquals("status", "success"), Text: firstString("result", "output", "message")},
}

// DefaultShapes returns the base terminal-shape table in priority order.
func DefaultShapes() []Shape {
	out := make([]Shape, len(baseShapes))
	copy(out, baseShapes)
	return out
}

// MatchShape evaluates shapes in order against raw and returns the first row
// that matches.
func MatchShape(shapes []Shape, raw []byte) (ShapeMatch, bool) {
	if !gjson.ValidBytes(raw) {
		return ShapeMatch{}, false
	}
	v := gjson.ParseBytes(raw)
	if !v.IsObject() {
		return ShapeMatch{}, false
	}

	for _, shape := range shapes {
		if shape.Match == nil || !shape.Match(v) {
			continue
		}
		match := ShapeMatch{Shape: shape.Name}
		if shape.Text != nil {
			match.Text = shape.Text(v)
		}
		if hasErrorFlag(v) {
			match.IsError = true
			if match.Text == "" {
				match.Text = errorText(v)
			}
		}
		return match, true
	}
	return ShapeMatch{}, false
}

func fieldEquals(path, want string) func(gjson.Result) bool {
	return func(v gjson.Result) bool {
		field := v.Get(path)
		return field.Type == gjson.String && field.Str == want
	}
}

func fieldTrue(path string) func(gjson.Result) bool {
	return func(v gjson.Result) bool {
		return v.Get(path).Type == gjson.True
	}
}

func firstString(paths ...string) func(gjson.Result) string {
	return func(v gjson.Result) string {
		for _, path := range paths {
			field := v.Get(path)
			if field.Type == gjson.String && field.Str != "" {
				return field.Str
			}
		}
		return ""
	}
}

func hasErrorFlag(v gjson.Result) bool {
	for _, path := range []string{"is_error", "isError"} {
		if v.Get(path).Type == gjson.True {
			return true
		}
	}
	errField := v.Get("error")
	switch errField.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return strings.TrimSpace(errField.Str) != ""
	default:
		return errField.Exists()
	}
}

func errorText(v gjson.Result) string {
	for _, path := range []string{"error.message", "error", "subtype"} {
		field := v.Get(path)
		if field.Type == gjson.String && field.Str != "" {
			return field.Str
		}
	}
	return "provider reported an error"
}
