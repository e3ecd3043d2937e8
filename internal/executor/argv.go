package executor

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/agentdeck/agentdeck/model"
)

// argSpec is the engine-independent description of one invocation.
type argSpec struct {
	prompt     string
	sessionRef string // engine session id, model.EngineSessionContinue, or ""
	fork       bool
	unsafe     bool
	modelName  string
	agent      string
	attachURL  string
	files      []string // extra context files (opencode -f)

	// claude budget knobs, emitted only when set
	disallowedTools string
	maxTurns        int
	maxBudgetUSD    string
}

// Safe runs get read-only tools; an open unsafe window adds shell and
// write access.
const (
	claudeSafeTools   = "Read,Glob,Grep"
	claudeUnsafeTools = "Bash,Read,Edit,Write,Glob,Grep"
)

// claudeArgs builds the claude CLI argv for one run.
func claudeArgs(spec argSpec) []string {
	args := []string{
		"-p", spec.prompt,
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}

	tools := claudeSafeTools
	if spec.unsafe {
		tools = claudeUnsafeTools
	}
	args = append(args, "--tools", tools, "--allowedTools", tools)

	switch {
	case spec.sessionRef == model.EngineSessionContinue:
		args = append(args, "--continue")
	case spec.sessionRef != "":
		args = append(args, "--resume", spec.sessionRef)
		if spec.fork {
			args = append(args, "--fork-session")
		}
	}
	if spec.modelName != "" {
		args = append(args, "--model", spec.modelName)
	}
	if spec.disallowedTools != "" {
		args = append(args, "--disallowedTools", spec.disallowedTools)
	}
	if spec.maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(spec.maxTurns))
	}
	if spec.maxBudgetUSD != "" {
		args = append(args, "--max-budget-usd", spec.maxBudgetUSD)
	}
	return args
}

// opencodeArgs builds the opencode CLI argv for one run.
func opencodeArgs(spec argSpec) []string {
	args := []string{"run", spec.prompt, "--format", "json"}

	switch {
	case spec.sessionRef == model.EngineSessionContinue:
		args = append(args, "--continue")
		if spec.fork {
			args = append(args, "--fork")
		}
	case spec.sessionRef != "":
		args = append(args, "--session", spec.sessionRef)
		if spec.fork {
			args = append(args, "--fork")
		}
	}
	if spec.attachURL != "" {
		args = append(args, "--attach", spec.attachURL)
	}
	for _, f := range spec.files {
		args = append(args, "-f", f)
	}
	if spec.modelName != "" {
		args = append(args, "--model", spec.modelName)
	}
	if spec.agent != "" {
		args = append(args, "--agent", spec.agent)
	}
	return args
}

// opencodePermissionJSON renders the permission policy injected through
// OPENCODE_CONFIG_CONTENT. Nothing is ever set to "ask": there is no
// terminal to answer a prompt, so an ask would hang the run. Unsafe mode
// opens edits and a curated bash allowlist; destructive commands stay
// denied even then.
func opencodePermissionJSON(unsafe bool) string {
	permission := map[string]any{
		"*":                  "deny",
		"read":               "allow",
		"glob":               "allow",
		"grep":               "allow",
		"list":               "allow",
		"external_directory": "deny",
	}
	if unsafe {
		permission["edit"] = map[string]string{"*": "allow"}
		permission["bash"] = map[string]string{
			"*": "deny",
			"git *|pnpm *|npm *|cargo *|python *|node *": "allow",
			"rm *|sudo *|dd *|mkfs *":                    "deny",
		}
	}
	out, _ := json.Marshal(map[string]any{"permission": permission})
	return string(out)
}

// sanitizeEnv strips nested-session markers the claude CLI refuses to run
// under and puts the common CLI install dirs at the front of PATH, then
// appends extra.
func sanitizeEnv(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if strings.HasPrefix(kv, "CLAUDECODE") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			kv = "PATH=" + pathPrefix + ":" + strings.TrimPrefix(kv, "PATH=")
		}
		out = append(out, kv)
	}
	return append(out, extra...)
}
