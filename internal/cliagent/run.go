package cliagent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Message is one turn of an OpenAI-style conversation.
type Message struct {
	Role    string
	Content string
}

// BuildPrompt flattens a conversation into the plain-text prompt the CLI
// consumes on stdin. System and assistant turns carry role prefixes; user
// turns are passed through raw.
func BuildPrompt(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			parts = append(parts, "System: "+msg.Content)
		case "user":
			parts = append(parts, msg.Content)
		case "assistant":
			parts = append(parts, "Assistant: "+msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// StreamEvent is one unit of streamed CLI output. Err is set on the final
// event when the subprocess failed mid-stream.
type StreamEvent struct {
	Content string
	Err     error
}

// successExitCode is what the tool returns on a completed generation. A zero
// exit means the run produced nothing useful.
const successExitCode = 1

// Run invokes the CLI once in non-streaming mode and returns the trimmed
// stdout as the completion text.
func (a *Agent) Run(ctx context.Context, model, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, a.binary, "-m", model, "--no-stream")
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("cliagent: invoking %s for model %s, prompt length %d", a.binary, model, len(prompt))

	err := cmd.Run()
	if code, ok := exitCode(err); ok {
		if code != successExitCode {
			return "", &ExitCodeError{Code: code, Stderr: strings.TrimSpace(stderr.String())}
		}
	} else if err != nil {
		return "", fmt.Errorf("cliagent: start iflow failed: %w", err)
	} else {
		return "", &ExitCodeError{Code: 0, Stderr: strings.TrimSpace(stderr.String())}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// RunStream invokes the CLI in streaming mode and delivers stdout as it
// arrives. The channel closes after the final event; a failed run surfaces
// its error on the last event.
func (a *Agent) RunStream(ctx context.Context, model, prompt string) (<-chan StreamEvent, error) {
	cmd := exec.CommandContext(ctx, a.binary, "-m", model)
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cliagent: open stdout pipe failed: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cliagent: start iflow failed: %w", err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		// Sends race against cancellation so a consumer that stops
		// receiving never strands this goroutine on the channel.
		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		buf := make([]byte, 4096)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				if !send(StreamEvent{Content: string(buf[:n])}) {
					_ = cmd.Wait()
					return
				}
			}
			if readErr != nil {
				break
			}
		}

		waitErr := cmd.Wait()
		if code, ok := exitCode(waitErr); ok {
			if code != successExitCode {
				send(StreamEvent{Err: &ExitCodeError{Code: code, Stderr: strings.TrimSpace(stderr.String())}})
			}
			return
		}
		if waitErr != nil {
			send(StreamEvent{Err: fmt.Errorf("cliagent: iflow run failed: %w", waitErr)})
			return
		}
		// A clean zero exit still counts as a failed generation.
		send(StreamEvent{Err: &ExitCodeError{Code: 0, Stderr: strings.TrimSpace(stderr.String())}})
	}()

	return events, nil
}

func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
