package terminal

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestNewPTYSpawner_RejectsShell(t *testing.T) {
	if _, err := NewPTYSpawner("/usr/bin/python3"); err == nil {
		t.Fatal("expected error for disallowed shell")
	}
	sp, err := NewPTYSpawner("")
	if err != nil {
		t.Fatalf("NewPTYSpawner: %v", err)
	}
	if sp.Shell != DefaultShell {
		t.Errorf("shell = %q, want %q", sp.Shell, DefaultShell)
	}
}

func TestShellEnv(t *testing.T) {
	t.Setenv("HOME", "/root")
	t.Setenv("TERMSYNC_API_KEY", "secret")
	env := shellEnv(SpawnOptions{Dir: "/ws/alice", Env: []string{"LANG=C.UTF-8"}})
	joined := "\n" + strings.Join(env, "\n") + "\n"

	for _, want := range []string{"HOME=/ws/alice", "PWD=/ws/alice", "TERM=xterm-256color", "LANG=C.UTF-8"} {
		if !strings.Contains(joined, "\n"+want+"\n") {
			t.Errorf("env missing %q", want)
		}
	}
	for _, bad := range []string{"HOME=/root", "TERMSYNC_API_KEY=secret"} {
		if strings.Contains(joined, "\n"+bad+"\n") {
			t.Errorf("env should not contain %q", bad)
		}
	}
}

func TestPTYSpawner_RunsShell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	dir := t.TempDir()
	sp := &PTYSpawner{Shell: "/bin/sh"}
	proc, err := sp.Spawn(SpawnOptions{Dir: dir, Cols: 80, Rows: 24})
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer proc.Kill()

	if err := proc.Resize(100, 40); err != nil {
		t.Errorf("Resize: %v", err)
	}
	if _, err := proc.Write([]byte("echo marker-$((40+2)); exit 7\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var out bytes.Buffer
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		io.Copy(&out, proc)
	}()

	waitDone := make(chan ExitStatus, 1)
	go func() {
		st, _ := proc.Wait()
		waitDone <- st
	}()

	select {
	case st := <-waitDone:
		if st.Code != 7 {
			t.Errorf("exit code = %d, want 7", st.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	select {
	case <-readDone:
	case <-time.After(time.Second):
		proc.Kill()
		<-readDone
	}
	if !strings.Contains(out.String(), "marker-42") {
		t.Errorf("output %q missing marker", out.String())
	}
}
