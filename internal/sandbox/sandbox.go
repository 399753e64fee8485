// Package sandbox binds a task's worktree and session directory into a
// Docker container and runs one agent invocation inside it, enforcing a
// watchdog timeout (spec.md §4.5 "Agent invocation contract (sandboxed)").
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const namePrefix = "sepiped-agent-"

// Sandbox manages ephemeral agent containers.
type Sandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// New creates a Sandbox bound to the Docker daemon found in the environment.
func New(image string, memoryMB int64, networkMode string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "sepiped-sandbox:latest"
	}
	if memoryMB <= 0 {
		memoryMB = 4096
	}
	if networkMode == "" {
		networkMode = "none"
	}
	return &Sandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Close closes the underlying docker client.
func (s *Sandbox) Close() error {
	return s.client.Close()
}

// Request is the single JSON object written to the agent child's stdin
// (spec.md §6 "Agent transport").
type Request struct {
	Prompt          string   `json:"prompt"`
	SystemPrompt    string   `json:"systemPrompt"`
	Model           string   `json:"model"`
	AllowedTools    []string `json:"allowedTools"`
	Workdir         string   `json:"workdir"`
	ResumeSessionID string   `json:"resumeSessionId,omitempty"`
}

// Result is what one agent invocation produces after NDJSON parsing
// (spec.md §4.5 "Agent invocation contract (sandboxed)").
type Result struct {
	Output       string
	RawStream    string
	NewSessionID string
	ExitCode     int
	TimedOut     bool
}

// Run binds worktreeDir and sessionDir into a container, writes req to the
// child's stdin, and reads NDJSON from stdout until the process exits or
// timeout elapses; on timeout the container is force-killed by name.
func (s *Sandbox) Run(ctx context.Context, req Request, worktreeDir, sessionDir string, timeout time.Duration) (Result, error) {
	payload, err := marshalRequest(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal agent request: %w", err)
	}

	name := namePrefix + randSuffix()
	resp, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:        s.image,
		Cmd:          []string{"agent-runner"},
		WorkingDir:   "/workspace",
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: s.memoryBytes,
		},
		NetworkMode: container.NetworkMode(s.networkMode),
		Binds: []string{
			fmt.Sprintf("%s:/workspace", worktreeDir),
			fmt.Sprintf("%s:/session", sessionDir),
		},
		AutoRemove: true,
	}, nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}
	containerID := resp.ID

	attach, err := s.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("attach sandbox container: %w", err)
	}
	defer attach.Close()

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	if _, err := attach.Conn.Write(payload); err != nil {
		return Result{}, fmt.Errorf("write agent request: %w", err)
	}
	_ = attach.CloseWrite()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := s.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- err
	}()

	var exitCode int
	select {
	case waitErr := <-errCh:
		return Result{}, fmt.Errorf("wait sandbox container: %w", waitErr)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-runCtx.Done():
		_ = s.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		<-copyDone
		return Result{ExitCode: -1, TimedOut: true, RawStream: stdoutBuf.String()}, runCtx.Err()
	}
	<-copyDone

	rawStream := stdoutBuf.String()
	output, sessionID := ParseNDJSONStream(rawStream)
	if stderrBuf.Len() > 0 && exitCode != 0 {
		rawStream += "\n--- stderr ---\n" + stderrBuf.String()
	}
	return Result{
		Output:       output,
		RawStream:    rawStream,
		NewSessionID: sessionID,
		ExitCode:     exitCode,
	}, nil
}

func marshalRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func randSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
