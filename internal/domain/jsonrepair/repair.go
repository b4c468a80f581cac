// Package jsonrepair provides a best-effort pipeline that fixes common
// defects in model-produced JSON before parsing is retried. Each pass is a
// total text transform; passes compose in a fixed order and never fail.
package jsonrepair

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Pass is one independent repair transform.
type Pass func(string) string

var (
	openFenceRe  = regexp.MustCompile("^```(?:json)?[ \t]*\n?")
	closeFenceRe = regexp.MustCompile("\n?```[ \t]*$")

	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

	objectGapRe = regexp.MustCompile(`}\s*{`)
	arrayGapRe  = regexp.MustCompile(`]\s*\[`)

	stringGapRe = regexp.MustCompile(`"\s*"([^"]*)"\s*:`)

	htmlAttrDoubleRe = regexp.MustCompile(`(href|src|alt|title|class|id)="([^"]*)"`)
)

// StripMarkdownFences removes a surrounding ```json ... ``` block.
func StripMarkdownFences(s string) string {
	cleaned := strings.TrimSpace(s)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	cleaned = openFenceRe.ReplaceAllString(cleaned, "")
	cleaned = closeFenceRe.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}

// FixTrailingCommas removes commas that directly precede a closing brace or bracket.
func FixTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// FixMissingCommasBetweenStructures inserts commas between adjacent objects or arrays.
func FixMissingCommasBetweenStructures(s string) string {
	repaired := objectGapRe.ReplaceAllString(s, "},{")
	return arrayGapRe.ReplaceAllString(repaired, "],[")
}

// FixMissingCommasBetweenStrings inserts a comma between a closing string
// value and a following key.
func FixMissingCommasBetweenStrings(s string) string {
	return stringGapRe.ReplaceAllString(s, `","$1":`)
}

// QuoteHTMLAttributes rewrites unescaped double quotes around common HTML
// attribute values inside string values to single quotes.
func QuoteHTMLAttributes(s string) string {
	return htmlAttrDoubleRe.ReplaceAllString(s, "$1='$2'")
}

// NormalizeEmbeddedQuotes converts unescaped double quotes inside a string
// value to single quotes, keeping the value's delimiters intact. Works line
// by line on the `"key": "value"` shape models tend to emit.
func NormalizeEmbeddedQuotes(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if !strings.Contains(line, `": "`) || strings.Count(line, `"`) <= 4 {
			continue
		}
		keyPart, valuePart, found := strings.Cut(line, `: "`)
		if !found || strings.Count(valuePart, `"`) <= 1 {
			continue
		}
		last := strings.LastIndex(valuePart, `"`)
		if last <= 0 {
			continue
		}
		inner := strings.ReplaceAll(valuePart[:last], `"`, `'`)
		lines[i] = keyPart + `: "` + inner + `"` + valuePart[last+1:]
	}
	return strings.Join(lines, "\n")
}

// FixMissingCommasBetweenLines adds a comma when one line ends a string value
// and the next begins a new string without a separator.
func FixMissingCommasBetweenLines(s string) string {
	lines := strings.Split(s, "\n")
	for i := 0; i < len(lines)-1; i++ {
		if strings.HasSuffix(strings.TrimSpace(lines[i]), `"`) &&
			strings.HasPrefix(strings.TrimSpace(lines[i+1]), `"`) {
			lines[i] = strings.TrimRight(lines[i], " \t") + ","
		}
	}
	return strings.Join(lines, "\n")
}

// Pipeline is the default ordered set of repair passes.
var Pipeline = []Pass{
	StripMarkdownFences,
	FixTrailingCommas,
	FixMissingCommasBetweenStructures,
	FixMissingCommasBetweenStrings,
	QuoteHTMLAttributes,
	NormalizeEmbeddedQuotes,
	FixMissingCommasBetweenLines,
}

// Repair applies the default pipeline in order.
func Repair(s string) string {
	for _, pass := range Pipeline {
		s = pass(s)
	}
	return s
}

// Valid reports whether the string parses as JSON.
func Valid(s string) bool {
	return json.Valid([]byte(s))
}

// RepairAndValidate repairs the input and reports whether the result parses.
func RepairAndValidate(s string) (string, bool) {
	repaired := Repair(s)
	return repaired, Valid(repaired)
}
