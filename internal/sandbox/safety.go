// Package sandbox runs untrusted code snippets in supervised child
// processes and wires them to the loopback brokers.
package sandbox

import (
	"regexp"
	"strings"
)

// Finding is one dangerous pattern match in submitted code.
type Finding struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
}

// codePattern pairs a detection regex with its report entry.
type codePattern struct {
	re          *regexp.Regexp
	name        string
	description string
	languages   []string // empty = all languages
}

// Patterns flag escape attempts before the code ever runs. The scan is a
// tripwire, not a security boundary; runtime permissions do the real
// containment.
var dangerousPatterns = []codePattern{
	{
		re:          regexp.MustCompile(`Deno\.(run|Command|spawn)`),
		name:        "deno_subprocess",
		description: "spawns a subprocess from Deno",
		languages:   []string{LanguageTypeScript},
	},
	{
		re:          regexp.MustCompile(`Deno\.(readTextFile|readFile|writeTextFile|writeFile|remove|openSync|open)\s*\(`),
		name:        "deno_fs",
		description: "direct filesystem access from Deno",
		languages:   []string{LanguageTypeScript},
	},
	{
		re:          regexp.MustCompile(`import\s+.*["'](node:)?(child_process|fs|net|dgram)["']`),
		name:        "node_builtin",
		description: "imports a Node builtin with process or network reach",
		languages:   []string{LanguageTypeScript},
	},
	{
		re:          regexp.MustCompile(`\b(subprocess|os\.system|os\.popen|os\.exec[a-z]*)\b`),
		name:        "python_subprocess",
		description: "spawns a subprocess from Python",
		languages:   []string{LanguagePython},
	},
	{
		re:          regexp.MustCompile(`\bimport\s+(socket|ctypes)\b`),
		name:        "python_lowlevel",
		description: "imports a low-level socket or FFI module",
		languages:   []string{LanguagePython},
	},
	{
		re:          regexp.MustCompile(`\b__import__\s*\(`),
		name:        "python_dynamic_import",
		description: "dynamic import that can evade static scanning",
		languages:   []string{LanguagePython},
	},
	{
		re:          regexp.MustCompile(`\beval\s*\(`),
		name:        "eval",
		description: "evaluates dynamically constructed code",
	},
	{
		re:          regexp.MustCompile(`/etc/(passwd|shadow)|\.ssh/|\.aws/credentials`),
		name:        "sensitive_path",
		description: "references a sensitive host path",
	},
}

// ScanCode checks submitted code for dangerous patterns. The returned
// findings are advisory; callers decide whether to block or just log.
func ScanCode(language, code string) []Finding {
	var findings []Finding
	for _, p := range dangerousPatterns {
		if len(p.languages) > 0 && !containsString(p.languages, language) {
			continue
		}
		if p.re.MatchString(code) {
			findings = append(findings, Finding{
				Pattern:     p.name,
				Description: p.description,
			})
		}
	}
	return findings
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FindingSummary joins finding names for logs and error messages.
func FindingSummary(findings []Finding) string {
	names := make([]string, len(findings))
	for i, f := range findings {
		names[i] = f.Pattern
	}
	return strings.Join(names, ", ")
}
