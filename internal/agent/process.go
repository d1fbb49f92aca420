package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// cancelGrace is the window between the polite termination signal and
	// the forceful kill.
	cancelGrace = 500 * time.Millisecond

	stderrScanBuf  = 64 << 10
	stderrScanMax  = 1 << 20
	defaultRole    = "user"
	imageBlockType = "image"
	base64Source   = "base64"
)

// ImageAttachment is an inline image sent with the initial prompt.
type ImageAttachment struct {
	MediaType string
	Data      []byte
}

// ProcessSpec describes how to spawn one agent subprocess.
type ProcessSpec struct {
	Bin  string
	Args []string
	Dir  string
	Env  []string
}

// agentProcess owns one spawned agent subprocess: its three pipes, the JSON
// encoder on stdin and the graduated cancel. Stderr is drained to the log
// and never parsed as protocol.
type agentProcess struct {
	log *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	muStdin    sync.Mutex
	enc        *json.Encoder
	stdinOnce  sync.Once
	cancelOnce sync.Once

	done    chan struct{}
	exitErr error
}

func startAgentProcess(ctx context.Context, log *slog.Logger, spec ProcessSpec) (*agentProcess, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(spec.Bin) == "" {
		return nil, errors.New("missing agent binary")
	}

	cmd := exec.CommandContext(ctx, spec.Bin, spec.Args...)
	cmd.Dir = strings.TrimSpace(spec.Dir)
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	// The graduated cancel owns signal delivery.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)

	p := &agentProcess{
		log:    log,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		enc:    enc,
		done:   make(chan struct{}),
	}

	go p.drainStderr()
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	log.Debug("agent process started", "component", "agent_proc", "bin", spec.Bin, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *agentProcess) pid() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// drainStderr logs agent diagnostics line by line. Protocol never travels
// on stderr.
func (p *agentProcess) drainStderr() {
	sc := bufio.NewScanner(p.stderr)
	sc.Buffer(make([]byte, 0, stderrScanBuf), stderrScanMax)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		p.log.Debug("agent stderr", "component", "agent_proc", "line", line)
	}
	if err := sc.Err(); err != nil {
		p.log.Warn("agent stderr scan failed", "component", "agent_proc", "error", err)
	}
}

func (p *agentProcess) writeLine(v any) error {
	if p == nil || p.enc == nil {
		return errors.New("agent process not ready")
	}
	p.muStdin.Lock()
	defer p.muStdin.Unlock()
	return p.enc.Encode(v)
}

// writeInitialMessage sends the prompt (with any inline images,
// base64-encoded) as one structured user line.
func (p *agentProcess) writeInitialMessage(prompt string, images []ImageAttachment) error {
	blocks := make([]outboundContentBlock, 0, len(images)+1)
	blocks = append(blocks, outboundContentBlock{Type: blockTypeText, Text: prompt})
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		mediaType := strings.TrimSpace(img.MediaType)
		if mediaType == "" {
			mediaType = "image/png"
		}
		blocks = append(blocks, outboundContentBlock{
			Type: imageBlockType,
			Source: &outboundImageSource{
				Type:      base64Source,
				MediaType: mediaType,
				Data:      base64.StdEncoding.EncodeToString(img.Data),
			},
		})
	}
	return p.writeLine(outboundUserLine{
		Type:    wireTypeUser,
		Message: outboundUserMessage{Role: defaultRole, Content: blocks},
	})
}

// sendAnswer writes a user's answer to a pending question back into the
// subprocess's input.
func (p *agentProcess) sendAnswer(text string) error {
	return p.writeLine(outboundUserLine{
		Type: wireTypeUser,
		Message: outboundUserMessage{
			Role:    defaultRole,
			Content: []outboundContentBlock{{Type: blockTypeText, Text: text}},
		},
	})
}

// sendPermissionDecision writes a control response granting or denying a
// pending can_use_tool request.
func (p *agentProcess) sendPermissionDecision(requestID string, allowed bool) error {
	return p.writeLine(outboundControlResponse{
		Type: "control_response",
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  map[string]any{"allowed": allowed},
		},
	})
}

// closeStdin signals the subprocess that no further turns are coming.
// Idempotent.
func (p *agentProcess) closeStdin() {
	if p == nil || p.stdin == nil {
		return
	}
	p.stdinOnce.Do(func() {
		_ = p.stdin.Close()
	})
}

// cancel performs the graduated stop: a polite SIGTERM, then SIGKILL if the
// process has not exited within the grace window. Idempotent; a second call
// sends nothing.
func (p *agentProcess) cancel() {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	p.cancelOnce.Do(func() {
		p.closeStdin()
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.log.Debug("agent terminate signal failed", "component", "agent_proc", "error", err)
		}
		go func() {
			select {
			case <-p.done:
			case <-time.After(cancelGrace):
				p.log.Debug("agent did not exit in grace window, killing", "component", "agent_proc", "pid", p.pid())
				_ = p.cmd.Process.Kill()
			}
		}()
	})
}

// wait blocks until the subprocess exits and returns its exit error, if any.
func (p *agentProcess) wait() error {
	if p == nil {
		return nil
	}
	<-p.done
	return p.exitErr
}

// exitCode reports the subprocess exit code, or -1 while still running.
func (p *agentProcess) exitCode() int {
	if p == nil || p.cmd == nil || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}
