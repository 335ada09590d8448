// Package sandbox runs untrusted code in one-shot Docker containers.
//
// Every execution gets a fresh container with no network, a hard memory and
// CPU ceiling, and a wall-clock timeout. The container mounts the shared
// workspace at /code and runs the expanded command under `sh -c`; stdout and
// stderr are captured into bounded buffers so a runaway program cannot
// exhaust service memory.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Invocation describes one container run. Command is the fully expanded
// shell command; placeholders are already resolved by the caller.
type Invocation struct {
	JobID   string
	Image   string
	Command string
	WorkDir string
}

// Result is the observable outcome of a container run. A non-zero ExitCode
// or TimedOut=true is a property of the submitted code, not an error; Run
// returns an error only when the sandbox itself failed.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Driver executes invocations. The Docker implementation is the only real
// one; tests substitute fakes.
type Driver interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
	Ping(ctx context.Context) error
}

// Config holds the resource envelope applied to every sandbox container.
type Config struct {
	// Memory is the hard memory limit in bytes. Swap is pinned to the
	// same value so the limit cannot be dodged.
	Memory int64

	// CPUs is the CPU allowance in cores (0.5 = half a core).
	CPUs float64

	// Timeout is the wall-clock budget per execution. On expiry the
	// container is killed with SIGKILL and the run reports exit code 124.
	Timeout time.Duration

	// MaxOutput caps each captured stream in bytes; excess is discarded.
	MaxOutput int64

	// PidsLimit bounds the process count inside the container.
	PidsLimit int64

	// Workspace is the mount source for /code: an absolute path is
	// bind-mounted, anything else is treated as a named Docker volume.
	// Named volumes are what sibling-container deployments need, where
	// the service itself runs inside Docker and host paths from its own
	// filesystem are meaningless to the daemon.
	Workspace string

	// TmpfsSize is the size of the writable /tmp inside the container.
	TmpfsSize string

	// PullImages controls whether missing images are pulled on demand.
	// The pull runs before the execution timer starts.
	PullImages bool
}

// DefaultConfig returns the stock resource envelope: 256 MiB, half a core,
// 15 seconds, 1 MiB of output per stream.
func DefaultConfig() Config {
	return Config{
		Memory:     256 * 1024 * 1024,
		CPUs:       0.5,
		Timeout:    15 * time.Second,
		MaxOutput:  1024 * 1024,
		PidsLimit:  128,
		Workspace:  "",
		TmpfsSize:  "64m",
		PullImages: true,
	}
}

// ConfigFromEnv builds a Config from SANDBOX_* environment variables,
// falling back to DefaultConfig values. Sizes accept human units (256m, 1g).
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("SANDBOX_MEMORY")); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SANDBOX_MEMORY %q: %w", v, err)
		}
		cfg.Memory = n
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_CPUS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid SANDBOX_CPUS %q", v)
		}
		cfg.CPUs = f
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_TIMEOUT_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SANDBOX_TIMEOUT_SECONDS %q", v)
		}
		cfg.Timeout = time.Duration(n) * time.Second
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_MAX_OUTPUT")); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SANDBOX_MAX_OUTPUT %q: %w", v, err)
		}
		cfg.MaxOutput = n
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_PIDS_LIMIT")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid SANDBOX_PIDS_LIMIT %q", v)
		}
		cfg.PidsLimit = n
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_TMPFS_SIZE")); v != "" {
		cfg.TmpfsSize = v
	}
	if v := strings.TrimSpace(os.Getenv("SANDBOX_PULL_IMAGES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid SANDBOX_PULL_IMAGES %q", v)
		}
		cfg.PullImages = b
	}
	if v := strings.TrimSpace(os.Getenv("WORKSPACE_VOLUME")); v != "" {
		cfg.Workspace = v
	} else if v := strings.TrimSpace(os.Getenv("WORKSPACE_DIR")); v != "" {
		cfg.Workspace = v
	}

	return cfg, nil
}

// TimeoutSeconds returns the timeout rounded to whole seconds, as quoted in
// failure reasons.
func (c Config) TimeoutSeconds() int {
	return int(c.Timeout / time.Second)
}
