package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testImage = "alpine:3.20"

// skipIfNoDocker skips the test if Docker is not available
func skipIfNoDocker(t *testing.T) {
	cmd := exec.Command("docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("Docker not available, skipping sandbox driver tests")
	}
}

func writeTestFile(dir, name, contents string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644)
}

func newTestDriver(t *testing.T, mutate func(*Config)) *DockerDriver {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workspace = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := NewDockerDriver(cfg)
	if err != nil {
		t.Fatalf("Failed to create docker driver: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDockerDriverRunsCommand(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-echo",
		Image:   testImage,
		Command: "echo hello from the sandbox",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello from the sandbox") {
		t.Errorf("Expected stdout to contain greeting, got %q", res.Stdout)
	}
	if res.TimedOut {
		t.Error("Run should not report a timeout")
	}
}

func TestDockerDriverPropagatesExitCode(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-exit",
		Image:   testImage,
		Command: "exit 7",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("Expected exit code 7, got %d", res.ExitCode)
	}
}

func TestDockerDriverSeparatesStreams(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-streams",
		Image:   testImage,
		Command: "echo to-stdout; echo to-stderr 1>&2",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(res.Stdout, "to-stdout") || strings.Contains(res.Stdout, "to-stderr") {
		t.Errorf("Unexpected stdout %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "to-stderr") || strings.Contains(res.Stderr, "to-stdout") {
		t.Errorf("Unexpected stderr %q", res.Stderr)
	}
}

func TestDockerDriverKillsOnTimeout(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, func(cfg *Config) { cfg.Timeout = 2 * time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	res, err := d.Run(ctx, Invocation{
		JobID:   "it-timeout",
		Image:   testImage,
		Command: "sleep 30",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut {
		t.Error("Expected TimedOut to be set")
	}
	if res.ExitCode != 124 {
		t.Errorf("Expected exit code 124, got %d", res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Second {
		t.Errorf("Timeout took too long to fire: %v", elapsed)
	}
}

func TestDockerDriverMountsWorkspace(t *testing.T) {
	skipIfNoDocker(t)

	var workspace string
	d := newTestDriver(t, func(cfg *Config) { workspace = cfg.Workspace })

	if err := writeTestFile(workspace, "note.txt", "mounted"); err != nil {
		t.Fatalf("Failed to seed workspace: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-mount",
		Image:   testImage,
		Command: "cat note.txt",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("Expected exit code 0, got %d (stderr: %s)", res.ExitCode, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "mounted") {
		t.Errorf("Expected stdout to contain file contents, got %q", res.Stdout)
	}
}

func TestDockerDriverBlocksNetwork(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-network",
		Image:   testImage,
		Command: "wget -q -T 3 -O /dev/null http://example.com",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("Network access should be blocked inside the sandbox")
	}
}

func TestDockerDriverTruncatesOutput(t *testing.T) {
	skipIfNoDocker(t)
	d := newTestDriver(t, func(cfg *Config) { cfg.MaxOutput = 1024 })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := d.Run(ctx, Invocation{
		JobID:   "it-truncate",
		Image:   testImage,
		Command: "yes x | head -c 100000",
		WorkDir: "/code",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Stdout) > 1024 {
		t.Errorf("Expected stdout capped at 1024 bytes, got %d", len(res.Stdout))
	}
}
