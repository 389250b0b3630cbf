// Package ptybridge attaches a pseudo-terminal to the dashboard process and
// bridges its raw byte streams to channels.
//
// PTY I/O is blocking at the OS level, so each bridge runs three dedicated
// goroutines pinned on syscalls: a reader (PTY master → ring buffer +
// subscriber broadcast), a writer (input channel → PTY master), and a waiter
// (blocks on child exit). Connection handlers talk to the bridge only
// through channels and never block on the PTY directly.
//
// One spawn path serves both lifetimes: a ConnectionOwned bridge is closed
// by the connection that spawned it, while a SessionOwned bridge keeps
// running and buffering after every socket is gone, until its session is
// reaped and Close is called.
package ptybridge

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/oddlab/webpty/internal/config"
	"github.com/oddlab/webpty/internal/ring"
)

// Ownership selects who is responsible for closing a bridge.
type Ownership int

const (
	// ConnectionOwned bridges die with the single connection that spawned
	// them.
	ConnectionOwned Ownership = iota
	// SessionOwned bridges outlive connections; only an explicit Close
	// (session reap, broker shutdown) terminates them.
	SessionOwned
)

func (o Ownership) String() string {
	if o == SessionOwned {
		return "session"
	}
	return "connection"
}

// SpawnErrorKind is the failure taxonomy for spawn attempts. Each kind is
// fatal to that attempt; the connection is closed with a PTY_SPAWN_FAILED
// error frame.
type SpawnErrorKind int

const (
	OpenFailed SpawnErrorKind = iota
	SpawnFailed
	IoSetupFailed
)

func (k SpawnErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open pty"
	case SpawnFailed:
		return "spawn command"
	default:
		return "setup pty i/o"
	}
}

// SpawnError wraps a spawn failure with its taxonomy kind.
type SpawnError struct {
	Kind SpawnErrorKind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// inputChanCap bounds in-flight keystrokes between the connection handler
// and the writer goroutine.
const inputChanCap = 256

// subChanCap bounds frames buffered per subscriber. A subscriber that falls
// behind loses its oldest frames rather than stalling the PTY reader.
const subChanCap = 256

// readBufSize is the PTY master read chunk size.
const readBufSize = 4096

// Bridge is a live PTY attached to a running dashboard process.
type Bridge struct {
	ownership Ownership
	pid       int
	cmd       *exec.Cmd
	master    *os.File
	ringBuf   *ring.Buffer

	inputCh chan []byte
	stop    chan struct{} // closed by Close
	done    chan struct{} // closed when the child has exited

	mu      sync.Mutex
	cols    uint16
	rows    uint16
	subs    map[int]chan ring.Frame
	nextSub int

	closeOnce sync.Once
}

// Spawn opens a PTY sized to cols x rows, starts the configured dashboard
// binary on its slave side, and begins bridging I/O. Output frames go to
// ringBuf and to every live subscriber.
//
// The child gets an explicit environment (pinned TERM, UTF-8 locale,
// truecolor hint, upstream URLs) because locale/terminfo autodetection
// differs between host and container and corrupts the child's output.
func Spawn(cfg *config.Settings, ownership Ownership, cols, rows uint16, ringBuf *ring.Buffer) (*Bridge, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, &SpawnError{Kind: OpenFailed, Err: err}
	}

	ws := &pty.Winsize{Cols: cols, Rows: rows}
	if err := pty.Setsize(master, ws); err != nil {
		master.Close()
		slave.Close()
		return nil, &SpawnError{Kind: IoSetupFailed, Err: err}
	}

	cmd := exec.Command(cfg.TUIBinaryPath)
	cmd.Env = childEnv(cfg)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	// The slave becomes the child's controlling terminal (fd 0).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, &SpawnError{Kind: SpawnFailed, Err: err}
	}
	slave.Close()

	b := &Bridge{
		ownership: ownership,
		pid:       cmd.Process.Pid,
		cmd:       cmd,
		master:    master,
		ringBuf:   ringBuf,
		inputCh:   make(chan []byte, inputChanCap),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		cols:      cols,
		rows:      rows,
		subs:      make(map[int]chan ring.Frame),
	}

	go b.readLoop()
	go b.writeLoop()
	go b.waitLoop()

	log.Printf("[pty] spawned %s (%s-owned, %dx%d, pid=%d)",
		cfg.TUIBinaryPath, ownership, cols, rows, b.pid)
	return b, nil
}

// childEnv builds the explicit environment contract for the dashboard.
func childEnv(cfg *config.Settings) []string {
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"COLORTERM=truecolor",
		// Skip interactive prerequisite checks when running headless.
		"ODD_DASHBOARD_SERVER_MODE=1",
		"READ_MODEL_URL="+cfg.ReadModelURL,
		"GATEWAY_URL="+cfg.GatewayURL,
	)
	if prom := os.Getenv("PROMETHEUS_URL"); prom != "" {
		env = append(env, "PROMETHEUS_URL="+prom)
	}
	return env
}

// readLoop blocks on the PTY master, pushing each chunk into the ring
// buffer and fanning it out to subscribers.
func (b *Bridge) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := b.master.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			res := b.ringBuf.Push(data)
			if res.Truncated {
				log.Printf("[pty] scrollback evicted %d frame(s) under pressure (pid=%d)", res.FramesDropped, b.pid)
			}
			b.broadcast(ring.Frame{Seq: res.Seq, Data: data})
		}
		if err != nil {
			// EOF or EIO once the child side is gone.
			log.Printf("[pty] reader done (pid=%d): %v", b.pid, err)
			b.closeSubs()
			return
		}
	}
}

// writeLoop forwards input to the PTY master. *os.File writes are
// unbuffered, so each keystroke reaches the child immediately.
func (b *Bridge) writeLoop() {
	for {
		select {
		case data := <-b.inputCh:
			if _, err := b.master.Write(data); err != nil {
				log.Printf("[pty] writer done (pid=%d): %v", b.pid, err)
				return
			}
		case <-b.stop:
			return
		}
	}
}

// waitLoop reaps the child and records its outcome.
func (b *Bridge) waitLoop() {
	err := b.cmd.Wait()
	if err != nil {
		log.Printf("[pty] child exited (pid=%d): %v", b.pid, err)
	} else {
		log.Printf("[pty] child exited cleanly (pid=%d)", b.pid)
	}
	close(b.done)
}

// broadcast delivers a frame to every subscriber, evicting the oldest
// buffered frame for any subscriber that has fallen behind. The reader
// never blocks here.
func (b *Bridge) broadcast(f ring.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}

func (b *Bridge) closeSubs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Subscribe registers a live output consumer. The returned channel is
// closed when the PTY reader exits. New subscribers receive only frames
// produced after they join; earlier output comes from the ring buffer.
func (b *Bridge) Subscribe() (int, <-chan ring.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan ring.Frame, subChanCap)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a consumer registered with Subscribe.
func (b *Bridge) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Write queues input bytes for the child. It returns an error once the
// bridge is closed or the child has exited.
func (b *Bridge) Write(data []byte) error {
	select {
	case b.inputCh <- data:
		return nil
	case <-b.stop:
		return fmt.Errorf("pty closed")
	case <-b.done:
		return fmt.Errorf("pty process exited")
	}
}

// Resize changes the PTY dimensions and remembers them for restore_size on
// reconnect.
func (b *Bridge) Resize(cols, rows uint16) error {
	if err := pty.Setsize(b.master, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	b.mu.Unlock()
	return nil
}

// Size returns the last dimensions applied to the PTY.
func (b *Bridge) Size() (cols, rows uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cols, b.rows
}

// PID is the operating-system process id of the child, stable for the
// bridge's whole life (and therefore across reconnects for session-owned
// bridges).
func (b *Bridge) PID() int { return b.pid }

// Ownership reports who closes this bridge.
func (b *Bridge) Ownership() Ownership { return b.ownership }

// Ring exposes the replay buffer backing this bridge.
func (b *Bridge) Ring() *ring.Buffer { return b.ringBuf }

// Done is closed once the child process has exited.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Close terminates the child and releases the PTY. Safe to call more than
// once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		_ = b.master.Close()
	})
}
