// Package sidecar runs a helper process speaking JSON-RPC 2.0 over stdio
// (one JSON object per line). Local backends use it to reach model hosts that
// cannot live inside a Go process.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once the helper has exited or Close was called.
var ErrClosed = errors.New("sidecar closed")

// RPCError is a JSON-RPC error object returned by the helper.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sidecar rpc error %d: %s", e.Code, e.Message)
}

type Options struct {
	Bin  string
	Args []string
	Env  []string
	// Component tags log lines, e.g. "ondevice" or "llm_host".
	Component string
}

// NotifyFunc receives helper notifications (frames without an id) during a call.
//
// Helpers should tag notifications with the id of the request they belong to
// as "request_id" in params. Untagged notifications are attributed to the
// oldest call still running on the helper side, so once a call is abandoned
// they are dropped until its response arrives.
type NotifyFunc func(method string, params json.RawMessage)

// CancelMethod is sent as a notification with {"id": n} when a call is
// abandoned. Helpers may ignore it but must still answer the request.
const CancelMethod = "cancel"

type Process struct {
	log       *slog.Logger
	component string

	closeOnce sync.Once
	callMu    sync.Mutex
	nextID    atomic.Int64

	// abandoned holds ids of calls whose caller gave up before the response
	// arrived. Guarded by callMu.
	abandoned map[int64]struct{}

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	enc    *json.Encoder

	frames  chan *inbound
	readErr error
	done    chan struct{}
}

type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type outbound struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Start launches the helper. The process lives until Close or until ctx is done.
func Start(ctx context.Context, log *slog.Logger, opts Options) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	bin := strings.TrimSpace(opts.Bin)
	if bin == "" {
		return nil, errors.New("missing sidecar binary")
	}
	component := strings.TrimSpace(opts.Component)
	if component == "" {
		component = "sidecar"
	}

	cmd := exec.CommandContext(ctx, bin, opts.Args...)
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
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
	log.Debug("sidecar started", "component", component, "bin", bin, "pid", cmd.Process.Pid)

	// Helper logs must go to stderr only.
	go func() {
		r := bufio.NewScanner(stderr)
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line == "" {
				continue
			}
			log.Debug("sidecar", "component", component, "line", line)
		}
	}()

	enc := json.NewEncoder(stdin)
	enc.SetEscapeHTML(false)

	p := &Process{
		log:       log,
		component: component,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		enc:       enc,
		frames:    make(chan *inbound),
		done:      make(chan struct{}),
		abandoned: map[int64]struct{}{},
	}
	go p.readLoop()
	return p, nil
}

func (p *Process) readLoop() {
	defer close(p.frames)
	sc := bufio.NewScanner(p.stdout)
	// Allow reasonably large frames (tool schemas / model output).
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg inbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.log.Warn("sidecar frame dropped", "component", p.component, "error", err)
			continue
		}
		select {
		case p.frames <- &msg:
		case <-p.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		p.readErr = err
	}
}

// Call sends one request and waits for its response. Calls are serialized.
func (p *Process) Call(ctx context.Context, method string, params any, result any, onNotify NotifyFunc) error {
	if p == nil || p.enc == nil {
		return errors.New("sidecar not ready")
	}
	p.callMu.Lock()
	defer p.callMu.Unlock()

	id := p.nextID.Add(1)
	if err := p.enc.Encode(outbound{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("sidecar send %s: %w", method, err)
	}
	for {
		select {
		case <-ctx.Done():
			p.abandonLocked(id)
			return ctx.Err()
		case <-p.done:
			return ErrClosed
		case msg, ok := <-p.frames:
			if !ok {
				if p.readErr != nil {
					return fmt.Errorf("sidecar read: %w", p.readErr)
				}
				return ErrClosed
			}
			if msg.ID == nil {
				if onNotify != nil && msg.Method != "" && p.ownsNotification(id, msg.Params) {
					onNotify(msg.Method, msg.Params)
				}
				continue
			}
			if *msg.ID != id {
				// Late response to an abandoned call.
				delete(p.abandoned, *msg.ID)
				continue
			}
			if msg.Error != nil {
				return msg.Error
			}
			if result != nil && len(msg.Result) > 0 {
				if err := json.Unmarshal(msg.Result, result); err != nil {
					return fmt.Errorf("sidecar decode %s: %w", method, err)
				}
			}
			return nil
		}
	}
}

func (p *Process) abandonLocked(id int64) {
	p.abandoned[id] = struct{}{}
	if err := p.enc.Encode(outbound{JSONRPC: "2.0", Method: CancelMethod, Params: map[string]any{"id": id}}); err != nil {
		p.log.Debug("sidecar cancel not sent", "component", p.component, "id", id, "error", err)
	}
}

// ownsNotification reports whether a notification belongs to the call with id.
func (p *Process) ownsNotification(id int64, params json.RawMessage) bool {
	var tag struct {
		RequestID *int64 `json:"request_id"`
	}
	if len(params) > 0 && json.Unmarshal(params, &tag) == nil && tag.RequestID != nil {
		return *tag.RequestID == id
	}
	if len(p.abandoned) > 0 {
		p.log.Debug("sidecar notification dropped", "component", p.component, "pending_abandoned", len(p.abandoned))
		return false
	}
	return true
}

// Notify sends a frame without an id and does not wait.
func (p *Process) Notify(method string, params any) error {
	if p == nil || p.enc == nil {
		return errors.New("sidecar not ready")
	}
	p.callMu.Lock()
	defer p.callMu.Unlock()
	return p.enc.Encode(outbound{JSONRPC: "2.0", Method: method, Params: params})
}

func (p *Process) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_, _ = p.cmd.Process.Wait()
		}
		p.log.Debug("sidecar closed", "component", p.component)
	})
}
