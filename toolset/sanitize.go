package toolset

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	invalidNameRe = regexp.MustCompile(`[^A-Za-z0-9_]`)
	underscoresRe = regexp.MustCompile(`_{2,}`)
)

// reservedNames are the keywords of the host reasoning loop, which exposes tools as Python
// callables.
var reservedNames = []string{
	"False", "None", "True", "and", "as", "assert", "async", "await", "break", "class",
	"continue", "def", "del", "elif", "else", "except", "finally", "for", "from", "global",
	"if", "import", "in", "is", "lambda", "nonlocal", "not", "or", "pass", "raise",
	"return", "try", "while", "with", "yield",
}

// SanitizeName turns a server-declared tool name into a valid callable identifier.
// Characters outside [A-Za-z0-9_] become underscores and runs of underscores collapse into
// one. Names starting with a digit get a "tool_" prefix, reserved keywords a "_tool" suffix
// and an empty name becomes "unnamed_tool".
func SanitizeName(name string) string {
	s := invalidNameRe.ReplaceAllString(name, "_")
	s = underscoresRe.ReplaceAllString(s, "_")

	switch {
	case s == "":
		return "unnamed_tool"
	case s[0] >= '0' && s[0] <= '9':
		s = "tool_" + s
	}
	if slices.Contains(reservedNames, s) {
		s += "_tool"
	}
	return s
}

// nameSet hands out unique names in claim order.
type nameSet map[string]struct{}

// claim returns base if it is free, otherwise the first free of base_2, base_3, ...
func (s nameSet) claim(base string) string {
	name := base
	for i := 2; ; i++ {
		if _, taken := s[name]; !taken {
			s[name] = struct{}{}
			return name
		}
		name = fmt.Sprintf("%s_%d", strings.TrimSuffix(base, "_"), i)
	}
}
