//go:build unix

package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	stdruntime "runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/procwatch/restrack/internal/config"
	"github.com/procwatch/restrack/internal/registry"
	"github.com/procwatch/restrack/internal/resource"
)

// TestMain doubles as the registry subprocess: the tracker under test
// re-executes this binary with RESTRACK_TEST_MODE=daemon and the pipe ends
// on fds 3 and 4, mirroring how the production daemon command is spawned.
func TestMain(m *testing.M) {
	if os.Getenv("RESTRACK_TEST_MODE") == "daemon" {
		runTestDaemon()
		return
	}
	os.Exit(m.Run())
}

func runTestDaemon() {
	commands := os.NewFile(3, "restrack-commands")
	replies := os.NewFile(4, "restrack-replies")

	var overrides map[resource.Kind]string
	if dir := os.Getenv("RESTRACK_TEST_DIR"); dir != "" {
		overrides = map[resource.Kind]string{
			resource.KindSemaphore:    dir,
			resource.KindSharedMemory: dir,
		}
	}
	srv := registry.New(commands, replies, registry.WithUnlinker(resource.NewUnlinker(overrides)))
	if err := srv.Serve(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// closeCommandPipe drops this process's write end without sending SHUTDOWN,
// leaving end-of-stream as the registry's only remaining exit trigger.
func (t *Tracker) closeCommandPipe() {
	t.ioMu.Lock()
	defer t.ioMu.Unlock()
	if t.writer != nil {
		t.writer.Close()
		t.writer = nil
	}
}

func newTestTracker(t *testing.T, dir string) *Tracker {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("tracker tests require a unix platform")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("resolve test binary: %v", err)
	}
	tr := New(
		WithDaemonCommand(exe),
		WithDaemonEnv("RESTRACK_TEST_MODE=daemon", "RESTRACK_TEST_DIR="+dir),
		WithSettings(config.Settings{
			StartupTimeout: config.Duration{Duration: 5 * time.Second},
			StopDeadline:   config.Duration{Duration: 500 * time.Millisecond},
			KillGrace:      config.Duration{Duration: 2 * time.Second},
		}),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	return tr
}

// spawnHolder forks a child that inherits the command pipe's write end on
// fd 3. When closeFD is set the child drops the descriptor before sleeping.
func spawnHolder(t *testing.T, tr *Tracker, closeFD bool) *exec.Cmd {
	t.Helper()
	script := "sleep 60"
	if closeFD {
		script = "exec 3>&-; sleep 60"
	}
	child := exec.Command("/bin/sh", "-c", script)
	child.ExtraFiles = []*os.File{tr.WriterFile()}
	if err := child.Start(); err != nil {
		t.Fatalf("start holder child: %v", err)
	}
	t.Cleanup(func() {
		_ = child.Process.Kill()
		_, _ = child.Process.Wait()
	})
	return child
}

func TestCleanStopWithoutChildren(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}

	started := time.Now()
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("clean stop took %v, want < 1s", elapsed)
	}
	if code, ok := tr.ExitCode(); !ok || code != 0 {
		t.Fatalf("registry exit code = %d (recorded=%v), want 0", code, ok)
	}
	if tr.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", tr.State())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestEnsureRunningAfterStopFails(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tr.Register(resource.KindSemaphore, "sem_late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("register after stop: got %v, want ErrStopped", err)
	}
}

func TestConcurrentEnsureRunningSpawnsOnce(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	pids := make([]int, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.EnsureRunning()
			pids[i] = tr.Pid()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: ensure running: %v", i, err)
		}
	}
	first := pids[0]
	if first == 0 {
		t.Fatal("registry pid not recorded")
	}
	for i, pid := range pids {
		if pid != first {
			t.Fatalf("goroutine %d observed pid %d, want %d", i, pid, first)
		}
	}
}

func TestRegisterListUnregisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTracker(t, dir)

	name := resource.RandomName("sem")
	if err := tr.Register(resource.KindSemaphore, name); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}

	entries, err := tr.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Key.Name != name || entries[0].Count != 1 {
		t.Fatalf("entries = %v, want %s with count 1", entries, name)
	}

	if err := tr.Unregister(resource.KindSemaphore, name); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	entries, err = tr.List(ctx)
	if err != nil {
		t.Fatalf("list after unregister: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries after unregister = %v, want none", entries)
	}
}

func TestProbeAsFirstOperationSpawnsRegistry(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Reply-bearing verbs must spawn lazily like everything else, without
	// wedging on the reply state they are about to create.
	done := make(chan error, 1)
	go func() {
		if err := tr.Probe(ctx); err != nil {
			done <- fmt.Errorf("probe: %w", err)
			return
		}
		_, err := tr.List(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("first operation on fresh tracker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("probe hung when it was the first operation on the tracker")
	}
	if tr.Pid() == 0 {
		t.Fatal("probe did not spawn the registry")
	}
}

func TestStopSweepsResourcesLeakedByCrashedOwner(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTracker(t, dir)

	key := resource.Key{Kind: resource.KindSharedMemory, Name: "psm_crashed"}
	unlinker := resource.NewUnlinker(map[resource.Kind]string{key.Kind: dir})
	path := unlinker.Path(key)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create backing file: %v", err)
	}

	// Register and never unregister, as a crashed owner would.
	if err := tr.Register(key.Kind, key.Name); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("leaked resource %s survived the shutdown sweep", filepath.Base(path))
	}
	if code, ok := tr.ExitCode(); !ok || code != 0 {
		t.Fatalf("registry exit code = %d (recorded=%v), want 0", code, ok)
	}
}

func TestInheritedDescriptorBlocksEndOfStream(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	spawnHolder(t, tr, false)

	// With the child still holding a write end, dropping ours without an
	// explicit shutdown command leaves the registry with no exit trigger:
	// end-of-stream alone never arrives.
	tr.closeCommandPipe()
	select {
	case err := <-tr.waitCh:
		t.Fatalf("registry exited despite inherited descriptor: %v", err)
	case <-time.After(700 * time.Millisecond):
	}

	// The bounded stop path must still return: deadline expiry escalates
	// to forced termination.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	started := time.Now()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("bounded stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("bounded stop took %v, want deadline plus small overhead", elapsed)
	}
	if tr.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", tr.State())
	}
	if code, ok := tr.ExitCode(); !ok || code == 0 {
		t.Fatalf("exit code = %d (recorded=%v), want non-zero after forced termination", code, ok)
	}
}

func TestStopPromptWhenChildClosesDescriptor(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	spawnHolder(t, tr, true)

	// Give the child a moment to close its inherited descriptor.
	time.Sleep(300 * time.Millisecond)

	started := time.Now()
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("stop took %v, want < 1s without escalation", elapsed)
	}
	if code, ok := tr.ExitCode(); !ok || code != 0 {
		t.Fatalf("registry exit code = %d (recorded=%v), want clean exit", code, ok)
	}
}

func TestNonBlockingStopUnderLockContention(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}

	tr.mu.Lock()
	done := make(chan error, 1)
	go func() {
		done <- tr.StopNonBlocking()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("non-blocking stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("non-blocking stop hung while the state mutex was held")
	}
	tr.mu.Unlock()

	if tr.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", tr.State())
	}
}

func TestSendFailureSurfacesTrackerUnavailable(t *testing.T) {
	tr := newTestTracker(t, t.TempDir())
	if err := tr.EnsureRunning(); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	tr.closeCommandPipe()

	if err := tr.Register(resource.KindSemaphore, "sem_x"); !errors.Is(err, ErrTrackerUnavailable) {
		t.Fatalf("register on closed pipe: got %v, want ErrTrackerUnavailable", err)
	}
}

func TestAttachToInheritedDescriptor(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("tracker tests require a unix platform")
	}

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	defer pipeR.Close()
	defer pipeW.Close()

	// Hand the tracker its own duplicate, as explicit descriptor passing
	// would; the tracker owns and closes what it receives.
	dupFD, err := unix.Dup(int(pipeW.Fd()))
	if err != nil {
		t.Fatalf("dup write descriptor: %v", err)
	}
	t.Setenv(EnvTrackerFD, strconv.Itoa(dupFD))

	tr := New()
	if err := tr.Register(resource.KindSemaphore, "sem_attached"); err != nil {
		t.Fatalf("register via attached tracker: %v", err)
	}
	if tr.Pid() != 0 {
		t.Fatalf("attached tracker spawned a registry (pid %d)", tr.Pid())
	}

	buf := make([]byte, 128)
	n, err := pipeR.Read(buf)
	if err != nil {
		t.Fatalf("read command pipe: %v", err)
	}
	if got := string(buf[:n]); got != "REGISTER:semaphore:sem_attached\n" {
		t.Fatalf("command line = %q", got)
	}

	// Reply-bearing verbs are owner-only; the attached side has no reply
	// channel to read.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Probe(ctx); !errors.Is(err, ErrTrackerUnavailable) {
		t.Fatalf("probe on attached tracker: got %v, want ErrTrackerUnavailable", err)
	}

	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop attached tracker: %v", err)
	}

	// Stopping an attached tracker only releases its descriptor. Other
	// processes still hold write ends, so a shutdown command here would
	// terminate tracking out from under them.
	pipeW.Close()
	n, err = pipeR.Read(buf)
	if err != io.EOF {
		t.Fatalf("after attached stop: pipe carried %q (err %v), want end of stream", buf[:n], err)
	}
}

func TestStopWithoutStartIsCheap(t *testing.T) {
	tr := New()
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if tr.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", tr.State())
	}
}
