package sandbox

import (
	"fmt"
	"strings"
	"text/template"
)

// Supported snippet languages.
const (
	LanguageTypeScript = "typescript"
	LanguagePython     = "python"
)

// PreambleParams carries the per-execution values interpolated into the
// helper preamble prepended to user code.
type PreambleParams struct {
	Token        string
	ToolAddr     string
	SamplingAddr string
}

// typescriptPreamble defines the helper functions available to TypeScript
// snippets. Runs under Deno with network access restricted to loopback.
const typescriptPreamble = `// --- runtime helpers (generated) ---
const __token = "{{.Token | js}}";
const __toolBase = "http://{{.ToolAddr}}";
const __samplingBase = "http://{{.SamplingAddr}}";

async function __post(url: string, body: unknown): Promise<any> {
  const resp = await fetch(url, {
    method: "POST",
    headers: {
      "Authorization": ` + "`Bearer ${__token}`" + `,
      "Content-Type": "application/json",
    },
    body: JSON.stringify(body),
  });
  const data = await resp.json();
  if (!resp.ok) {
    throw new Error(data.message ?? ` + "`request failed: ${resp.status}`" + `);
  }
  return data;
}

async function callTool(toolName: string, params: Record<string, unknown> = {}): Promise<any> {
  const data = await __post(__toolBase + "/", { toolName, params });
  return data.result;
}

async function discoverTools(query = ""): Promise<any[]> {
  const url = new URL(__toolBase + "/tools");
  if (query) url.searchParams.set("q", query);
  const resp = await fetch(url, {
    headers: { "Authorization": ` + "`Bearer ${__token}`" + ` },
  });
  const data = await resp.json();
  if (!resp.ok) {
    throw new Error(data.message ?? ` + "`request failed: ${resp.status}`" + `);
  }
  return data.tools;
}

async function sample(prompt: string, opts: {
  model?: string;
  systemPrompt?: string;
  maxTokens?: number;
  temperature?: number;
} = {}): Promise<string> {
  const data = await __post(__samplingBase + "/sample", {
    messages: [{ role: "user", content: prompt }],
    model: opts.model ?? "",
    systemPrompt: opts.systemPrompt ?? "",
    maxTokens: opts.maxTokens ?? 0,
    temperature: opts.temperature,
  });
  return data.content?.[0]?.text ?? "";
}
// --- end runtime helpers ---
`

// pythonPreamble is the Python equivalent, standard library only so the
// sandbox needs no installed packages.
const pythonPreamble = `# --- runtime helpers (generated) ---
import json as __json
import urllib.request as __urlreq
import urllib.parse as __urlparse
import urllib.error as __urlerr

try:
    # Match the 128 MiB heap cap the TypeScript runtime gets via V8 flags.
    import resource as __resource
    __mem_limit = 128 * 1024 * 1024
    __resource.setrlimit(__resource.RLIMIT_AS, (__mem_limit, __mem_limit))
except (ImportError, ValueError, OSError):
    pass

__token = {{.Token | printf "%q"}}
__tool_base = "http://{{.ToolAddr}}"
__sampling_base = "http://{{.SamplingAddr}}"


def __request(url, body=None):
    data = __json.dumps(body).encode() if body is not None else None
    req = __urlreq.Request(url, data=data, method="POST" if data else "GET")
    req.add_header("Authorization", "Bearer " + __token)
    if data:
        req.add_header("Content-Type", "application/json")
    try:
        with __urlreq.urlopen(req) as resp:
            return __json.loads(resp.read())
    except __urlerr.HTTPError as e:
        payload = __json.loads(e.read() or b"{}")
        msg = payload.get("message", "request failed: %d" % e.code)
        raise RuntimeError(msg) from None


def call_tool(tool_name, params=None):
    data = __request(__tool_base + "/", {"toolName": tool_name, "params": params or {}})
    return data["result"]


def discover_tools(query=""):
    url = __tool_base + "/tools"
    if query:
        url += "?" + __urlparse.urlencode({"q": query})
    return __request(url)["tools"]


def sample(prompt, model="", system_prompt="", max_tokens=0, temperature=None):
    body = {
        "messages": [{"role": "user", "content": prompt}],
        "model": model,
        "systemPrompt": system_prompt,
        "maxTokens": max_tokens,
    }
    if temperature is not None:
        body["temperature"] = temperature
    content = __request(__sampling_base + "/sample", body).get("content") or []
    return content[0]["text"] if content else ""
# --- end runtime helpers ---
`

var preambleTemplates = map[string]*template.Template{
	LanguageTypeScript: template.Must(template.New("ts").Parse(typescriptPreamble)),
	LanguagePython:     template.Must(template.New("py").Parse(pythonPreamble)),
}

// BuildScript renders the preamble for a language and appends the user code.
func BuildScript(language, code string, params PreambleParams) (string, error) {
	tmpl, ok := preambleTemplates[language]
	if !ok {
		return "", fmt.Errorf("unsupported language: %s", language)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, params); err != nil {
		return "", fmt.Errorf("rendering preamble: %w", err)
	}
	sb.WriteString("\n")
	sb.WriteString(code)
	sb.WriteString("\n")
	return sb.String(), nil
}

// ScriptExtension returns the scratch file extension for a language.
func ScriptExtension(language string) string {
	switch language {
	case LanguageTypeScript:
		return ".ts"
	case LanguagePython:
		return ".py"
	default:
		return ""
	}
}
