package analyzer

import (
	"regexp"
	"strings"
)

const (
	requiredModulesStart = `["requiredModules"] = `
	requiredModulesEnd   = `["requiredModules"]`
	sectionCloseMarker   = "}, -- end of"
)

// moduleLinePattern matches `["Name"] = "Name",` style table entries.
var moduleLinePattern = regexp.MustCompile(`(.*)(\[")(.*)("\]) = (")(.*)(",)`)

// locateRequiredModules returns the lines of the requiredModules table,
// including the header, opening brace and closing line. ok is false when the
// section is absent or does not have the expected shape.
func locateRequiredModules(content string) (lines []string, ok bool) {
	start := strings.Index(content, requiredModulesStart)
	if start == -1 || start >= len(content)-1 {
		return nil, false
	}
	rel := strings.Index(content[start+1:], requiredModulesEnd)
	if rel == -1 {
		return nil, false
	}
	stop := start + 1 + rel

	for _, l := range strings.Split(content[start:stop], "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) <= 2 ||
		!strings.Contains(lines[0], requiredModulesStart) ||
		!strings.HasSuffix(lines[1], "{") ||
		!strings.Contains(lines[len(lines)-1], sectionCloseMarker) {
		return nil, false
	}
	return lines, true
}

// matchModuleLine extracts the module name from a single table entry. The
// entry is accepted only when the bracket key and the assigned value agree.
func matchModuleLine(line string) (string, bool) {
	m := moduleLinePattern.FindStringSubmatch(line)
	if len(m) != 8 {
		return "", false
	}
	if m[3] != m[6] {
		return "", false
	}
	return m[3], true
}

// ParseRequiredModules lists the modules a mission descriptor depends on, in
// document order.
func ParseRequiredModules(content string) []string {
	lines, ok := locateRequiredModules(content)
	if !ok {
		return nil
	}
	var mods []string
	for _, l := range lines[2 : len(lines)-1] {
		if name, ok := matchModuleLine(l); ok {
			mods = append(mods, name)
		}
	}
	return mods
}
