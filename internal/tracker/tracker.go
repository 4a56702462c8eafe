// Package tracker hosts the client side of resource tracking: a Tracker
// lazily spawns the registry subprocess, hands out the command pipe's write
// end, and owns the bounded shutdown sequence.
//
// A Tracker is an explicit object with a controlled lifecycle. The process
// that constructs one owns its shutdown; worker processes that inherit the
// command descriptor attach to it instead of spawning a second registry.
package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/procwatch/restrack/internal/config"
	"github.com/procwatch/restrack/internal/metrics"
	"github.com/procwatch/restrack/internal/protocol"
	"github.com/procwatch/restrack/internal/resource"
)

// EnvTrackerFD names the environment variable carrying the command pipe's
// write descriptor number into processes spawned without fd inheritance by
// fork. A process seeing this variable attaches to the existing registry.
const EnvTrackerFD = "RESTRACK_FD"

// State describes the tracker's lifecycle position.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

var (
	// ErrTrackerUnavailable reports that a command could not be delivered.
	// Callers must handle it: a silently dropped registration is exactly
	// how resources leak.
	ErrTrackerUnavailable = errors.New("resource tracking unavailable")
	// ErrStopped rejects use of a tracker whose shutdown has begun.
	ErrStopped = errors.New("tracker stopped")
	// ErrShutdownTimeout reports that the registry outlived both the stop
	// deadline and the forced-termination grace period.
	ErrShutdownTimeout = errors.New("registry did not exit before deadline")
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger replaces the no-op default logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithSettings applies timeouts from a settings bundle.
func WithSettings(cfg config.Settings) Option {
	return func(t *Tracker) {
		if cfg.StartupTimeout.Duration > 0 {
			t.startupTimeout = cfg.StartupTimeout.Duration
		}
		if cfg.StopDeadline.Duration > 0 {
			t.stopDeadline = cfg.StopDeadline.Duration
		}
		if cfg.KillGrace.Duration > 0 {
			t.killGrace = cfg.KillGrace.Duration
		}
	}
}

// WithDaemonCommand overrides the argv used to spawn the registry
// subprocess. The default re-executes the current binary with the hidden
// daemon subcommand.
func WithDaemonCommand(argv ...string) Option {
	return func(t *Tracker) {
		t.daemonArgv = append([]string(nil), argv...)
	}
}

// WithDaemonEnv appends environment entries to the registry subprocess.
func WithDaemonEnv(env ...string) Option {
	return func(t *Tracker) {
		t.daemonEnv = append(t.daemonEnv, env...)
	}
}

// Tracker supervises one registry subprocess (or an attachment to one
// spawned elsewhere). The state mutex guards only lifecycle transitions;
// register/unregister traffic serializes on the pipe write itself.
type Tracker struct {
	mu    sync.Mutex
	state atomic.Int32

	log            *zap.Logger
	startupTimeout time.Duration
	stopDeadline   time.Duration
	killGrace      time.Duration
	daemonArgv     []string
	daemonEnv      []string

	ioMu   sync.Mutex
	writer *os.File

	replyMu sync.Mutex
	replies *os.File
	replyRd *bufio.Reader

	cmd      *exec.Cmd
	pid      int
	waitCh   chan error
	attached bool

	exitCode int
	exitSet  bool
}

// New builds a tracker with default settings; nothing is spawned until the
// first EnsureRunning call.
func New(opts ...Option) *Tracker {
	defaults := config.Default()
	t := &Tracker{
		log:            zap.NewNop(),
		startupTimeout: defaults.StartupTimeout.Duration,
		stopDeadline:   defaults.StopDeadline.Duration,
		killGrace:      defaults.KillGrace.Duration,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// Pid returns the registry subprocess pid, or zero when attached or not
// started.
func (t *Tracker) Pid() int {
	return t.pid
}

// ExitCode returns the registry's exit code once it has been reaped.
func (t *Tracker) ExitCode() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.exitSet
}

// EnsureRunning makes the registry reachable, spawning it on first use.
// It is idempotent and safe for concurrent callers: exactly one spawn
// happens no matter how many goroutines race here.
func (t *Tracker) EnsureRunning() error {
	// Lock-free fast paths: traffic on a running tracker never touches
	// the state mutex, and a stopping tracker rejects new commands
	// without waiting for the stop sequence to finish.
	switch t.State() {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.State() {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrStopped
	}
	if fd, ok := inheritedFD(); ok {
		if err := t.attach(fd); err != nil {
			return err
		}
	} else if err := t.spawn(); err != nil {
		return err
	}
	t.state.Store(int32(StateRunning))
	return nil
}

func inheritedFD() (int, bool) {
	value := os.Getenv(EnvTrackerFD)
	if value == "" {
		return 0, false
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return 0, false
	}
	return fd, true
}

// attach adopts a command descriptor inherited from the process that owns
// the registry. The descriptor is marked close-on-exec so it does not leak
// into spawned grandchildren by accident.
func (t *Tracker) attach(fd int) error {
	markCloseOnExec(fd)
	writer := os.NewFile(uintptr(fd), "restrack-commands")
	if writer == nil {
		return fmt.Errorf("%w: invalid inherited descriptor %d", ErrTrackerUnavailable, fd)
	}
	t.ioMu.Lock()
	t.writer = writer
	t.ioMu.Unlock()
	t.attached = true
	t.log.Info("attached to inherited registry descriptor", zap.Int("fd", fd))
	return nil
}

// spawn starts the registry subprocess with the command pipe read end and
// the reply pipe write end on fds 3 and 4, then blocks until the readiness
// line arrives or the startup timeout fires.
func (t *Tracker) spawn() error {
	argv := t.daemonArgv
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve registry executable: %w", err)
		}
		argv = []string{exe, "daemon"}
	}

	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create command pipe: %w", err)
	}
	replyR, replyW, err := os.Pipe()
	if err != nil {
		cmdR.Close()
		cmdW.Close()
		return fmt.Errorf("create reply pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{cmdR, replyW}
	cmd.Env = append(environWithout(EnvTrackerFD), t.daemonEnv...)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		replyR.Close()
		replyW.Close()
		return fmt.Errorf("start registry: %w", err)
	}
	cmdR.Close()
	replyW.Close()

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	reader, err := awaitReady(replyR, t.startupTimeout)
	if err != nil {
		cmdW.Close()
		replyR.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return fmt.Errorf("registry startup: %w", err)
	}

	t.ioMu.Lock()
	t.writer = cmdW
	t.ioMu.Unlock()
	t.replyMu.Lock()
	t.replies = replyR
	t.replyRd = reader
	t.replyMu.Unlock()
	t.cmd = cmd
	t.pid = cmd.Process.Pid
	t.waitCh = waitCh
	t.log.Info("registry started", zap.Int("pid", t.pid))
	return nil
}

func awaitReady(replies *os.File, timeout time.Duration) (*bufio.Reader, error) {
	if err := replies.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("arm readiness deadline: %w", err)
	}
	reader := bufio.NewReader(replies)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("await readiness: %w", err)
	}
	if strings.TrimSuffix(line, "\n") != protocol.ReplyReady {
		return nil, fmt.Errorf("unexpected readiness reply %q", line)
	}
	if err := replies.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("disarm readiness deadline: %w", err)
	}
	return reader, nil
}

func environWithout(key string) []string {
	prefix := key + "="
	env := os.Environ()
	kept := env[:0]
	for _, entry := range env {
		if !strings.HasPrefix(entry, prefix) {
			kept = append(kept, entry)
		}
	}
	return kept
}

// Register tells the registry a kernel object is about to be created.
func (t *Tracker) Register(kind resource.Kind, name string) error {
	return t.send(protocol.Command{Verb: protocol.VerbRegister, Kind: kind, Name: name})
}

// Unregister tells the registry the caller destroyed its reference.
// Callers must pair each Register with exactly one Unregister.
func (t *Tracker) Unregister(kind resource.Kind, name string) error {
	return t.send(protocol.Command{Verb: protocol.VerbUnregister, Kind: kind, Name: name})
}

// MarkUnlink schedules a forced unlink during the registry's terminal
// sweep, regardless of outstanding references.
func (t *Tracker) MarkUnlink(kind resource.Kind, name string) error {
	return t.send(protocol.Command{Verb: protocol.VerbMarkUnlink, Kind: kind, Name: name})
}

func (t *Tracker) send(cmd protocol.Command) error {
	if err := t.EnsureRunning(); err != nil {
		return err
	}
	line, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	t.ioMu.Lock()
	defer t.ioMu.Unlock()
	if t.writer == nil {
		return ErrTrackerUnavailable
	}
	if _, err := t.writer.WriteString(line); err != nil {
		return fmt.Errorf("%w: %v", ErrTrackerUnavailable, err)
	}
	return nil
}

// Probe performs a liveness round trip. Like List it is owner-only: the
// reply pipe's read end never leaves the process that spawned the registry.
func (t *Tracker) Probe(ctx context.Context) error {
	// Spawn before taking replyMu: spawn stores the reply state under the
	// same mutex, so holding it across EnsureRunning would self-deadlock.
	if err := t.EnsureRunning(); err != nil {
		return err
	}
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if err := t.send(protocol.Command{Verb: protocol.VerbProbe}); err != nil {
		return err
	}
	line, err := t.readReply(ctx)
	if err != nil {
		return err
	}
	if line != protocol.ReplyOK {
		return fmt.Errorf("%w: probe reply %q", ErrTrackerUnavailable, line)
	}
	return nil
}

// List snapshots the registry's tracking table.
func (t *Tracker) List(ctx context.Context) ([]resource.Entry, error) {
	if err := t.EnsureRunning(); err != nil {
		return nil, err
	}
	t.replyMu.Lock()
	defer t.replyMu.Unlock()
	if err := t.send(protocol.Command{Verb: protocol.VerbList}); err != nil {
		return nil, err
	}
	var entries []resource.Entry
	for {
		line, err := t.readReply(ctx)
		if err != nil {
			return nil, err
		}
		if line == protocol.ReplyEnd {
			return entries, nil
		}
		entry, err := protocol.DecodeEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}

// readReply reads one reply line bounded by the context deadline. Callers
// hold replyMu.
func (t *Tracker) readReply(ctx context.Context) (string, error) {
	if t.replyRd == nil {
		return "", fmt.Errorf("%w: no reply channel (attached tracker)", ErrTrackerUnavailable)
	}
	deadline := time.Now().Add(t.startupTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.replies.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("arm reply deadline: %w", err)
	}
	line, err := t.replyRd.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: read reply: %v", ErrTrackerUnavailable, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Stop shuts the registry down: it sends an explicit SHUTDOWN command,
// closes this process's write end, and waits for the subprocess to exit.
// An attached tracker only closes its inherited descriptor; the registry
// keeps serving the remaining writers.
// The wait is always bounded, by the context deadline when one is set and
// by the configured stop deadline otherwise, and escalates to forced
// termination when it expires. A leaked subprocess is preferable to a
// permanently hung caller, so Stop marks the tracker stopped regardless.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(ctx)
}

// StopNonBlocking is the stop variant for contexts that must not deadlock,
// such as process-exit hooks running while another goroutine holds the
// state mutex. When the mutex is contended it proceeds without it; the
// resulting race on tracker state is a documented trade for forward
// progress.
func (t *Tracker) StopNonBlocking() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.stopDeadline)
	defer cancel()
	if t.mu.TryLock() {
		defer t.mu.Unlock()
		return t.stopLocked(ctx)
	}
	t.log.Warn("state lock contended; stopping without synchronization")
	return t.stopLocked(ctx)
}

func (t *Tracker) stopLocked(ctx context.Context) error {
	switch t.State() {
	case StateNotStarted:
		t.state.Store(int32(StateStopped))
		return nil
	case StateStopped:
		return nil
	}
	t.state.Store(int32(StateStopping))

	t.ioMu.Lock()
	if t.writer != nil {
		// Only the owner terminates tracking. An attached tracker shares
		// the command pipe with other live writers, so it releases its
		// descriptor and leaves the registry serving them.
		if !t.attached {
			line, err := protocol.Encode(protocol.Command{Verb: protocol.VerbShutdown})
			if err == nil {
				if _, werr := t.writer.WriteString(line); werr != nil {
					t.log.Debug("shutdown command not delivered", zap.Error(werr))
				}
			}
		}
		_ = t.writer.Close()
		t.writer = nil
	}
	t.ioMu.Unlock()

	var err error
	if !t.attached && t.cmd != nil {
		err = t.waitForExit(ctx)
	}

	t.replyMu.Lock()
	if t.replies != nil {
		_ = t.replies.Close()
		t.replies = nil
		t.replyRd = nil
	}
	t.replyMu.Unlock()

	t.state.Store(int32(StateStopped))
	return err
}

// waitForExit reaps the registry within the deadline, sending SIGKILL and
// waiting one more bounded grace period on expiry.
func (t *Tracker) waitForExit(ctx context.Context) error {
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.stopDeadline)
		defer cancel()
	}

	select {
	case werr := <-t.waitCh:
		t.recordExit(werr)
		return nil
	case <-waitCtx.Done():
	}

	metrics.IncrementShutdownEscalation()
	t.log.Warn("registry did not exit before deadline; forcing termination", zap.Int("pid", t.pid))
	if alive, perr := process.PidExists(int32(t.pid)); perr != nil || alive {
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			t.log.Warn("kill registry", zap.Int("pid", t.pid), zap.Error(kerr))
		}
	}

	select {
	case werr := <-t.waitCh:
		t.recordExit(werr)
		return nil
	case <-time.After(t.killGrace):
		t.log.Error("registry survived forced termination; abandoning", zap.Int("pid", t.pid))
		return fmt.Errorf("%w: registry pid %d abandoned", ErrShutdownTimeout, t.pid)
	}
}

func (t *Tracker) recordExit(waitErr error) {
	t.exitSet = true
	switch {
	case waitErr == nil:
		t.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			t.exitCode = exitErr.ExitCode()
		} else {
			t.exitCode = -1
		}
		t.log.Warn("registry exited abnormally", zap.Int("pid", t.pid), zap.Error(waitErr))
	}
}

// WriterFile exposes the command pipe's write end so callers can pass it
// to deliberately spawned children via ExtraFiles. Children must set
// EnvTrackerFD to the descriptor number they receive.
func (t *Tracker) WriterFile() *os.File {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()
	return t.writer
}
