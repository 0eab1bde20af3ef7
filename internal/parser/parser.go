// Package parser extracts checklist items from free-form event description
// text and formats them back when changes are pushed to the calendar.
package parser

import "strings"

// Item headers recognized at the start of a checklist block, matched
// case-insensitively against a whole line.
var headers = []string{
	"items:",
	"checklist:",
	"things to bring:",
	"required:",
	"bring:",
	"pack:",
}

// ParsedItem is one candidate checklist entry found in a description.
// Checked reflects a "[x]" marker and is only honored when the event is
// first created; reconciliation never overwrites local checked state.
type ParsedItem struct {
	Name    string
	Checked bool
}

// Parse scans a description for a recognized checklist header and returns
// the items listed under it, in order. Only the block following the first
// header is considered, up to the next blank line or the end of the text.
// Parse never fails: malformed input yields a best-effort (possibly empty)
// result. Duplicate names are preserved as distinct entries.
func Parse(description string) []ParsedItem {
	if description == "" {
		return nil
	}

	lines := strings.Split(description, "\n")
	start := headerIndex(lines)
	if start < 0 {
		return nil
	}

	var items []ParsedItem
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if item, ok := parseLine(trimmed); ok {
			items = append(items, item)
		}
	}
	return items
}

// ParseNames returns just the item names from Parse, in order.
func ParseNames(description string) []string {
	parsed := Parse(description)
	names := make([]string, len(parsed))
	for i, p := range parsed {
		names[i] = p.Name
	}
	return names
}

// FormatItems rewrites the checklist block of a description to list exactly
// the given item names, preserving all other text verbatim. If the
// description has no recognized header and names is non-empty, an "Items:"
// block is appended. An empty names list removes the block entirely.
func FormatItems(description string, names []string) string {
	lines := strings.Split(description, "\n")
	start := headerIndex(lines)

	if start < 0 {
		if len(names) == 0 {
			return description
		}
		block := "Items:\n" + itemLines(names)
		trimmed := strings.TrimRight(description, " \t\n")
		if trimmed == "" {
			return block
		}
		return trimmed + "\n\n" + block
	}

	// Locate the end of the existing block: first blank line after the
	// header, or end of text.
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			end = i
			break
		}
	}

	if len(names) == 0 {
		out := append([]string{}, lines[:start]...)
		// Drop the now-dangling blank separator before the removed block;
		// the blank line that terminated the block (if any) still separates
		// the surrounding text.
		for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			out = out[:len(out)-1]
		}
		tail := lines[end:]
		if len(out) == 0 {
			for len(tail) > 0 && strings.TrimSpace(tail[0]) == "" {
				tail = tail[1:]
			}
		}
		return strings.Join(append(out, tail...), "\n")
	}

	out := append([]string{}, lines[:start+1]...)
	out = append(out, strings.Split(itemLines(names), "\n")...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}

func headerIndex(lines []string) int {
	for i, line := range lines {
		candidate := strings.ToLower(strings.TrimSpace(line))
		for _, h := range headers {
			if candidate == h {
				return i
			}
		}
	}
	return -1
}

func itemLines(names []string) string {
	formatted := make([]string, len(names))
	for i, name := range names {
		formatted[i] = "- " + name
	}
	return strings.Join(formatted, "\n")
}

// parseLine matches one line against the recognized bullet styles:
// "-", "*", "•", "[ ]", "[x]", "[X]", and numbered "1." / "1)" entries.
func parseLine(line string) (ParsedItem, bool) {
	switch {
	case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "), strings.HasPrefix(line, "• "):
		name := strings.TrimSpace(line[strings.IndexByte(line, ' '):])
		return ParsedItem{Name: name}, name != ""
	case strings.HasPrefix(line, "[x]"), strings.HasPrefix(line, "[X]"):
		name := strings.TrimSpace(line[3:])
		return ParsedItem{Name: name, Checked: true}, name != ""
	case strings.HasPrefix(line, "[ ]"):
		name := strings.TrimSpace(line[3:])
		return ParsedItem{Name: name}, name != ""
	case strings.HasPrefix(line, "[]"):
		name := strings.TrimSpace(line[2:])
		return ParsedItem{Name: name}, name != ""
	}

	// Numbered entries: "1. Foo" or "1) Foo".
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		name := strings.TrimSpace(line[i+1:])
		return ParsedItem{Name: name}, name != ""
	}

	return ParsedItem{}, false
}
