package sandbox

import (
	"strings"
	"testing"
)

var testParams = PreambleParams{
	Token:        "aabbccdd00112233",
	ToolAddr:     "127.0.0.1:41001",
	SamplingAddr: "127.0.0.1:41002",
}

func TestBuildScript_TypeScript(t *testing.T) {
	script, err := BuildScript(LanguageTypeScript, `console.log("hi");`, testParams)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`const __token = "aabbccdd00112233";`,
		`const __toolBase = "http://127.0.0.1:41001";`,
		`const __samplingBase = "http://127.0.0.1:41002";`,
		"async function callTool(",
		"async function discoverTools(",
		"async function sample(",
		`console.log("hi");`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}

	// User code comes after the helpers.
	if strings.Index(script, "async function sample(") > strings.Index(script, `console.log("hi");`) {
		t.Error("user code must follow the preamble")
	}
}

func TestBuildScript_Python(t *testing.T) {
	script, err := BuildScript(LanguagePython, `print("hi")`, testParams)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`__token = "aabbccdd00112233"`,
		`__tool_base = "http://127.0.0.1:41001"`,
		`__sampling_base = "http://127.0.0.1:41002"`,
		"def call_tool(",
		"def discover_tools(",
		"def sample(",
		// Matches the heap cap the TypeScript runtime gets via V8 flags.
		"__resource.setrlimit(__resource.RLIMIT_AS, (__mem_limit, __mem_limit))",
		"__mem_limit = 128 * 1024 * 1024",
		`print("hi")`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestBuildScript_TokenEscaping(t *testing.T) {
	params := testParams
	params.Token = `ab"cd\ef`

	script, err := BuildScript(LanguageTypeScript, "", params)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(script, `const __token = "ab"cd\ef";`) {
		t.Error("token must be escaped for the string literal")
	}

	script, err = BuildScript(LanguagePython, "", params)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, `__token = "ab\"cd\\ef"`) {
		t.Errorf("expected %%q-quoted token, script has: %s", script)
	}
}

func TestBuildScript_UnsupportedLanguage(t *testing.T) {
	if _, err := BuildScript("ruby", "puts 1", testParams); err == nil {
		t.Error("expected error for unsupported language")
	}
}

func TestScriptExtension(t *testing.T) {
	tests := []struct {
		language string
		want     string
	}{
		{LanguageTypeScript, ".ts"},
		{LanguagePython, ".py"},
		{"ruby", ""},
	}
	for _, tt := range tests {
		if got := ScriptExtension(tt.language); got != tt.want {
			t.Errorf("ScriptExtension(%q) = %q, want %q", tt.language, got, tt.want)
		}
	}
}
