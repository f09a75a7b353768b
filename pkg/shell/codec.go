package shell

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExecOutput is the result of a completed command.
type ExecOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// String renders the legacy text form.
func (o ExecOutput) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\nstdout:\n%s", o.ExitCode, o.Stdout)
	if o.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(o.Stderr)
	}
	return b.String()
}

// EncodeOutput renders the structured JSON payload.
func EncodeOutput(o ExecOutput) string {
	data, err := json.Marshal(o)
	if err != nil {
		return o.String()
	}
	return string(data)
}

type wireOutput struct {
	ExitCode *int   `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// DecodeOutput parses a tool payload, trying the JSON object first and the
// legacy "exit code: N" text second. ok is false when neither matches.
func DecodeOutput(raw string) (out ExecOutput, ok bool) {
	if out, ok := decodeJSON(raw); ok {
		return out, true
	}
	return decodeLegacy(raw)
}

func decodeJSON(raw string) (ExecOutput, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return ExecOutput{}, false
	}
	var w wireOutput
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil || w.ExitCode == nil {
		return ExecOutput{}, false
	}
	return ExecOutput{ExitCode: *w.ExitCode, Stdout: w.Stdout, Stderr: w.Stderr}, true
}

const (
	legacyHeader = "exit code: "
	legacyStdout = "stdout:"
	legacyStderr = "stderr:\n"
)

func decodeLegacy(raw string) (ExecOutput, bool) {
	if !strings.HasPrefix(raw, legacyHeader) {
		return ExecOutput{}, false
	}
	header, rest, _ := strings.Cut(raw[len(legacyHeader):], "\n")
	code, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil {
		return ExecOutput{}, false
	}
	out := ExecOutput{ExitCode: code}
	if rest == "" {
		return out, true
	}

	if !strings.HasPrefix(rest, legacyStdout) {
		return ExecOutput{}, false
	}
	body := strings.TrimPrefix(rest[len(legacyStdout):], "\n")

	if strings.HasPrefix(body, legacyStderr) {
		out.Stderr = body[len(legacyStderr):]
		return out, true
	}
	if i := strings.LastIndex(body, "\n"+legacyStderr); i >= 0 {
		out.Stdout = body[:i]
		out.Stderr = body[i+1+len(legacyStderr):]
		return out, true
	}
	out.Stdout = body
	return out, true
}

// FormatOutput renders a payload for display, falling back to the raw text
// when it cannot be decoded.
func FormatOutput(raw string) string {
	out, ok := DecodeOutput(raw)
	if !ok {
		return raw
	}
	return out.String()
}
