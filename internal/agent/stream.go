// Package agent drives a single agent task to completion inside its isolated
// workspace, consuming the agent CLI's lazy output stream and mapping each
// chunk to an AgentEvent published in arrival order.
package agent

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Chunk is one decoded line of the agent CLI's stream-json output.
type Chunk struct {
	// Type is the chunk kind: thinking, tool_use, text, signal, error, result.
	Type string `json:"type"`

	// Content is the free-form text of thinking/text/error chunks.
	Content string `json:"content,omitempty"`

	// Tool and Target describe tool_use chunks.
	Tool   string `json:"tool,omitempty"`
	Target string `json:"target,omitempty"`

	// Signal and Reason describe signal chunks (progress/blocker/pivot).
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Stream yields chunks lazily. Next blocks until the agent produces its next
// chunk and returns io.EOF when the stream ends cleanly.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// cliStream reads newline-delimited JSON chunks from a running CLI process.
type cliStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	closer  io.Closer
	cancel  func() // releases the invocation timeout, if any
	waited  bool
}

// maxChunkSize bounds a single stream line; agent output chunks can carry
// whole file contents.
const maxChunkSize = 4 * 1024 * 1024

func newCLIStream(cmd *exec.Cmd, stdout io.ReadCloser) *cliStream {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxChunkSize)
	return &cliStream{cmd: cmd, scanner: scanner, closer: stdout}
}

// Next implements Stream.
func (s *cliStream) Next() (Chunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// Non-JSON output still reaches the event log as plain text.
			return Chunk{Type: "text", Content: line}, nil
		}
		if chunk.Type == "" {
			chunk.Type = "text"
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read agent stream: %w", err)
	}

	// Clean end of stream: surface the process exit status once.
	if !s.waited {
		s.waited = true
		err := s.cmd.Wait()
		if s.cancel != nil {
			s.cancel()
		}
		if err != nil {
			return Chunk{}, fmt.Errorf("agent process: %w", err)
		}
	}
	return Chunk{}, io.EOF
}

// Close terminates the agent process if it is still running.
func (s *cliStream) Close() error {
	_ = s.closer.Close()
	if s.cmd.Process != nil && !s.waited {
		_ = s.cmd.Process.Kill()
		s.waited = true
		_ = s.cmd.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
