package supervisor

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// fakeProcess exits when its exit channel is closed, or when killed.
type fakeProcess struct {
	pid      int
	exit     chan struct{}
	exitOnce sync.Once

	mu       sync.Mutex
	signals  []os.Signal
	killed   bool
	ignTerm  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	ignore := p.ignTerm
	p.mu.Unlock()
	if sig == syscall.SIGTERM && !ignore {
		p.exitOnce.Do(func() { close(p.exit) })
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exitOnce.Do(func() { close(p.exit) })
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exit
	return nil
}

func (p *fakeProcess) crash() {
	p.exitOnce.Do(func() { close(p.exit) })
}

type fakeLauncher struct {
	mu      sync.Mutex
	launches []LaunchSpec
	procs    []*fakeProcess
	nextPID  int
	fail     error
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	l.nextPID++
	p := newFakeProcess(l.nextPID)
	l.launches = append(l.launches, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

func newTestSupervisor(t *testing.T, cooldown time.Duration) (*Supervisor, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	s := New(Config{
		Command:          "claude",
		AdvertiseURL:     "ws://127.0.0.1:8420",
		RelaunchCooldown: cooldown,
		KillGracePeriod:  50 * time.Millisecond,
	}, l)
	return s, l
}

func TestSpawnBuildsArgs(t *testing.T) {
	s, l := newTestSupervisor(t, 0)

	pid, err := s.Spawn(SpawnSpec{
		SessionID:       "s1",
		Cwd:             "/work",
		Model:           "opus",
		PermissionMode:  "plan",
		ResumeSessionID: "agent-abc",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid != 1 {
		t.Errorf("expected pid 1, got %d", pid)
	}

	spec := l.launches[0]
	if spec.Cwd != "/work" {
		t.Errorf("cwd not passed through: %q", spec.Cwd)
	}
	want := []string{
		"--url", "ws://127.0.0.1:8420/ws/agent/s1",
		"--resume", "agent-abc",
		"--model", "opus",
		"--permission-mode", "plan",
	}
	if len(spec.Args) != len(want) {
		t.Fatalf("args mismatch: got %v want %v", spec.Args, want)
	}
	for i := range want {
		if spec.Args[i] != want[i] {
			t.Errorf("arg %d: got %q want %q", i, spec.Args[i], want[i])
		}
	}
}

func TestSpawnRejectsDuplicate(t *testing.T) {
	s, _ := newTestSupervisor(t, 0)

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err == nil {
		t.Error("expected error spawning over a running process")
	}
}

func TestSpawnFailureClearsInflight(t *testing.T) {
	s, l := newTestSupervisor(t, 0)
	l.fail = errors.New("no such binary")

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err == nil {
		t.Fatal("expected spawn failure")
	}

	l.fail = nil
	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Errorf("spawn after failed launch should work: %v", err)
	}
}

func TestCrashReportsExit(t *testing.T) {
	s, l := newTestSupervisor(t, 0)

	exited := make(chan string, 1)
	s.OnExit = func(sessionID string, pid int) { exited <- sessionID }

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	l.procs[0].crash()

	select {
	case id := <-exited:
		if id != "s1" {
			t.Errorf("expected exit for s1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
	if s.Running("s1") {
		t.Error("session should not be running after crash")
	}
}

func TestKillDoesNotFireOnExit(t *testing.T) {
	s, l := newTestSupervisor(t, 0)

	var exits atomic.Int32
	s.OnExit = func(string, int) { exits.Add(1) }

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Kill("s1")

	time.Sleep(50 * time.Millisecond)
	if got := exits.Load(); got != 0 {
		t.Errorf("kill should not trigger the exit callback, got %d", got)
	}
	if s.Running("s1") {
		t.Error("session still running after kill")
	}
	l.procs[0].mu.Lock()
	killed := l.procs[0].killed
	l.procs[0].mu.Unlock()
	if killed {
		t.Error("SIGTERM was honored, SIGKILL should not have been sent")
	}
}

func TestKillEscalatesToKill(t *testing.T) {
	s, l := newTestSupervisor(t, 0)

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p := l.procs[0]
	p.mu.Lock()
	p.ignTerm = true
	p.mu.Unlock()

	s.Kill("s1")

	p.mu.Lock()
	killed := p.killed
	p.mu.Unlock()
	if !killed {
		t.Error("expected SIGKILL after grace period")
	}
}

func TestConcurrentRelaunchSpawnsOnce(t *testing.T) {
	s, l := newTestSupervisor(t, time.Hour)

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Relaunch(SpawnSpec{SessionID: "s1"})
			if err != nil {
				t.Errorf("Relaunch: %v", err)
			}
			if ok {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Errorf("expected exactly one relaunch to proceed, got %d", got)
	}
	if got := l.launchCount(); got != 1 {
		t.Errorf("expected one launch, got %d", got)
	}
}

func TestRelaunchCooldown(t *testing.T) {
	s, l := newTestSupervisor(t, time.Hour)

	_, ok, err := s.Relaunch(SpawnSpec{SessionID: "s1"})
	if err != nil || !ok {
		t.Fatalf("first relaunch: ok=%v err=%v", ok, err)
	}
	l.procs[0].crash()

	// wait for the watcher to clear the record
	deadline := time.Now().Add(time.Second)
	for s.Running("s1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, ok, err = s.Relaunch(SpawnSpec{SessionID: "s1"})
	if err != nil {
		t.Fatalf("second relaunch: %v", err)
	}
	if ok {
		t.Error("relaunch inside cooldown should be skipped")
	}
}

func TestRelaunchSkipsWhenRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, 0)

	if _, err := s.Spawn(SpawnSpec{SessionID: "s1"}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	_, ok, err := s.Relaunch(SpawnSpec{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Relaunch: %v", err)
	}
	if ok {
		t.Error("relaunch should be skipped while a process is running")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
