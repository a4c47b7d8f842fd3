package daemonctl_test

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"docqc/internal/daemon"
	"docqc/internal/daemonctl"
	"docqc/internal/testsupport"
)

func TestProcessInfoWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	running, pid, err := daemonctl.ProcessInfo(cfg)
	if err != nil {
		t.Fatalf("ProcessInfo: %v", err)
	}
	if running || pid != 0 {
		t.Fatalf("expected no daemon, got running=%v pid=%d", running, pid)
	}
	if _, err := daemonctl.Stop(cfg, time.Second); !errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestStopSignalsLockHolder(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	lock := flock.New(daemon.LockPath(cfg))
	ok, err := lock.TryLock()
	if err != nil || !ok {
		t.Fatalf("take lock: ok=%v err=%v", ok, err)
	}
	exited := make(chan struct{})
	go func() {
		_ = child.Wait()
		_ = lock.Unlock()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = child.Process.Kill()
		<-exited
	})
	if err := os.WriteFile(daemon.PIDPath(cfg), []byte(strconv.Itoa(child.Process.Pid)+"\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	running, pid, err := daemonctl.ProcessInfo(cfg)
	if err != nil || !running || pid != child.Process.Pid {
		t.Fatalf("expected running daemon pid %d, got running=%v pid=%d err=%v", child.Process.Pid, running, pid, err)
	}

	result, err := daemonctl.Stop(cfg, 5*time.Second)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !result.StopAcknowledged || result.ForcedKill || result.PID != child.Process.Pid {
		t.Fatalf("unexpected stop result: %+v", result)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit")
	}
}
