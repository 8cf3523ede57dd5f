// Package agentsdk launches and speaks to an agent CLI subprocess over
// newline-delimited JSON on stdin/stdout, the concrete Runner the pool and
// engine adapter operate on.
package agentsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/logger"
)

// Message is a single decoded line from the agent's stdout, discriminated by
// its "type" field.
type Message map[string]any

// Type returns the message's "type" discriminant, or "" if absent.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// LaunchConfig describes how to start the agent subprocess.
type LaunchConfig struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
}

const maxStderrCapture = 16 * 1024

// Client is a live connection to one agent subprocess.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    *logger.Logger
	writeMu sync.Mutex

	msgCh chan Message
	exitCh chan error // receives the classified exit error, then closes

	stderrMu  sync.Mutex
	stderrBuf bytes.Buffer

	alive atomic.Bool
}

// Launch spawns the agent process and begins reading its stdout in the
// background. The returned Client is alive until the process exits or
// Disconnect is called.
func Launch(ctx context.Context, cfg LaunchConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.Default()
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agentsdk: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agentsdk: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agentsdk: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agentsdk: start agent process: %w", err)
	}

	c := &Client{
		cmd:    cmd,
		stdin:  stdin,
		log:    log.With(zap.String("component", "agentsdk"), zap.Int("pid", cmd.Process.Pid)),
		msgCh:  make(chan Message, 64),
		exitCh: make(chan error, 1),
	}
	c.alive.Store(true)

	go c.captureStderr(stderr)
	go c.readLoop(stdout)

	return c, nil
}

func (c *Client) captureStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.stderrMu.Lock()
			if c.stderrBuf.Len() < maxStderrCapture {
				c.stderrBuf.Write(buf[:n])
			}
			c.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("malformed agent message line, skipping", zap.Error(err))
			continue
		}
		if msg.Type() == "" {
			c.log.Warn("agent message missing type field, skipping", zap.String("line", string(line)))
			continue
		}
		c.msgCh <- msg
	}

	c.alive.Store(false)
	waitErr := c.cmd.Wait()

	c.stderrMu.Lock()
	stderrText := c.stderrBuf.String()
	c.stderrMu.Unlock()

	close(c.msgCh)
	c.exitCh <- classifyExit(waitErr, stderrText)
	close(c.exitCh)
}

// classifyExit maps a process exit and its captured stderr to one of the
// taxonomy's human-readable agent-process failure strings. nil is returned
// for a clean (err == nil) exit.
func classifyExit(waitErr error, stderrText string) error {
	if waitErr == nil {
		return nil
	}
	lower := strings.ToLower(stderrText)
	switch {
	case strings.Contains(lower, "usage limit") || strings.Contains(lower, "rate limit"):
		return fmt.Errorf("usage limit")
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
		return fmt.Errorf("authentication")
	case strings.Contains(lower, "network") || strings.Contains(lower, "econnrefused") || strings.Contains(lower, "timeout"):
		return fmt.Errorf("network")
	default:
		return fmt.Errorf("abnormal termination")
	}
}

// Send writes one JSON message to the agent's stdin, newline-terminated.
func (c *Client) Send(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agentsdk: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("agentsdk: write to agent stdin: %w", err)
	}
	return nil
}

// Messages returns the channel of decoded agent messages. It is closed when
// the agent process exits.
func (c *Client) Messages() <-chan Message {
	return c.msgCh
}

// Exit returns a channel that receives the classified exit error (nil on a
// clean exit) exactly once, after Messages() has been drained and closed.
func (c *Client) Exit() <-chan error {
	return c.exitCh
}

// IsAlive reports whether the subprocess is still running, satisfying
// runnerpool.Runner.
func (c *Client) IsAlive() bool {
	return c.alive.Load()
}

// Disconnect closes stdin (signalling the agent to shut down gracefully)
// and waits up to the context deadline before killing the process.
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.stdin.Close()

	done := make(chan struct{})
	go func() {
		for range c.msgCh {
		}
		<-c.exitCh
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-done
		return ctx.Err()
	}
}

// keepaliveInterval is how often the engine adapter should treat silence on
// the message channel as an opportunity to poll for interventions, per the
// receive loop's race between a message read and a timer.
const keepaliveInterval = time.Second
