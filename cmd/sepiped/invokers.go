package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sepipe/sepiped/internal/phase"
	"github.com/sepipe/sepiped/internal/sandbox"
)

// personaSystemPrompt returns the base system prompt for a persona
// (spec.md §4.5 "Agent invocation contract"). Worker/QA/Manager personas
// get a boundary reminder that the sandbox is the only writable surface;
// the seeder persona additionally gets the sentinel-block format the seed
// engine scans for.
func personaSystemPrompt(p phase.Persona, assistantName string) string {
	base := fmt.Sprintf("You are %s, an autonomous software engineering agent.", assistantName)
	switch p {
	case phase.PersonaManager:
		return base + " Write a spec.md describing the plan for this task before any code changes."
	case phase.PersonaQA:
		return base + " Write failing tests that capture the task's requirements. Do not implement the feature itself."
	case phase.PersonaWorker:
		return base + " Implement the task fully, making the existing tests pass."
	case phase.PersonaSeeder:
		return base + " Emit each finding as a TASK_START/TASK_END or PROPOSAL_START/PROPOSAL_END sentinel block."
	default:
		return base
	}
}

// dockerInvoker adapts *sandbox.Sandbox to phase.AgentInvoker, the
// sandboxed invocation path spec.md §4.5 requires for every persona except
// the host-side rebase conflict resolver.
type dockerInvoker struct {
	sandbox       *sandbox.Sandbox
	model         string
	assistantName string
}

func (d *dockerInvoker) Invoke(ctx context.Context, persona phase.Persona, prompt, workdir, sessionDir, resumeSessionID string, timeout time.Duration) (sandbox.Result, error) {
	req := sandbox.Request{
		Prompt:          prompt,
		SystemPrompt:    personaSystemPrompt(persona, d.assistantName),
		Model:           d.model,
		Workdir:         workdir,
		ResumeSessionID: resumeSessionID,
	}
	return d.sandbox.Run(ctx, req, workdir, sessionDir, timeout)
}

// hostInvoker runs the agent CLI binary directly on the host, outside the
// container, for the rebase phase's conflict-resolution step (spec.md
// §4.5: "the sandbox cannot mutate the outer Git repository"). It reuses
// sandbox's own Request/Response wire format and NDJSON parser so the two
// invocation paths speak the same agent transport.
type hostInvoker struct {
	binaryPath    string
	model         string
	assistantName string
}

func (h *hostInvoker) Invoke(ctx context.Context, persona phase.Persona, prompt, workdir, sessionDir, resumeSessionID string, timeout time.Duration) (sandbox.Result, error) {
	req := sandbox.Request{
		Prompt:          prompt,
		SystemPrompt:    personaSystemPrompt(persona, h.assistantName),
		Model:           h.model,
		Workdir:         workdir,
		ResumeSessionID: resumeSessionID,
	}
	payload, err := reqToJSON(req)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("marshal host agent request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.binaryPath)
	cmd.Dir = workdir
	cmd.Env = append(cmd.Environ(), "SEPIPED_SESSION_DIR="+sessionDir)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return sandbox.Result{TimedOut: true, ExitCode: -1, RawStream: stdout.String()}, runCtx.Err()
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return sandbox.Result{}, fmt.Errorf("run host agent: %w", runErr)
		}
	}

	rawStream := stdout.String()
	output, sessionID := sandbox.ParseNDJSONStream(rawStream)
	if stderr.Len() > 0 && exitCode != 0 {
		rawStream += "\n--- stderr ---\n" + stderr.String()
	}
	return sandbox.Result{
		Output:       output,
		RawStream:    rawStream,
		NewSessionID: sessionID,
		ExitCode:     exitCode,
	}, nil
}

func reqToJSON(req sandbox.Request) ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	fmt.Fprintf(&b, "%q:%q,", "prompt", req.Prompt)
	fmt.Fprintf(&b, "%q:%q,", "systemPrompt", req.SystemPrompt)
	fmt.Fprintf(&b, "%q:%q,", "model", req.Model)
	fmt.Fprintf(&b, "%q:%q,", "workdir", req.Workdir)
	fmt.Fprintf(&b, "%q:%q", "resumeSessionId", req.ResumeSessionID)
	b.WriteByte('}')
	return []byte(b.String()), nil
}
