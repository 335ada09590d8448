package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"runbox/internal/logging"
)

// timeoutExitCode mirrors the shell convention for a command killed on
// timeout.
const timeoutExitCode = 124

// DockerDriver runs invocations against the local Docker daemon. It honors
// DOCKER_HOST and friends through the SDK's environment configuration.
type DockerDriver struct {
	client *client.Client
	cfg    Config
	logger *zap.Logger
}

var _ Driver = (*DockerDriver)(nil)

// NewDockerDriver connects to the Docker daemon and returns a driver bound
// to the given resource envelope.
func NewDockerDriver(cfg Config) (*DockerDriver, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("sandbox workspace mount source is empty")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &DockerDriver{client: cli, cfg: cfg, logger: logging.L()}, nil
}

// Ping verifies the Docker daemon is reachable.
func (d *DockerDriver) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close releases the underlying Docker client.
func (d *DockerDriver) Close() error {
	return d.client.Close()
}

// Run executes one invocation in a fresh container and blocks until it
// exits, times out, or the context is cancelled. The container is always
// force-removed afterwards.
func (d *DockerDriver) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Image == "" {
		return nil, fmt.Errorf("invocation has no image")
	}
	if inv.Command == "" {
		return nil, fmt.Errorf("invocation has no command")
	}

	if d.cfg.PullImages {
		// Pull on the parent context so a cold image does not eat into
		// the execution budget.
		if err := d.ensureImage(ctx, inv.Image); err != nil {
			return nil, err
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	created, err := d.client.ContainerCreate(execCtx, &container.Config{
		Image:           inv.Image,
		WorkingDir:      inv.WorkDir,
		Cmd:             []string{"sh", "-c", inv.Command},
		Tty:             false,
		NetworkDisabled: true,
	}, d.hostConfig(), &network.NetworkingConfig{}, nil, containerName(inv.JobID))
	if err != nil {
		return nil, fmt.Errorf("docker container create failed: %w", err)
	}

	containerID := created.ID
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	started := time.Now()
	if err := d.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker container start failed: %w", err)
	}

	result := &Result{}
	waitCh, errCh := d.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)

	select {
	case <-execCtx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			result.ExitCode = timeoutExitCode
		} else {
			// Shutdown or caller cancellation, not the job's fault.
			result.Duration = time.Since(started)
			return result, execCtx.Err()
		}
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("docker container wait failed: %w", err)
	}

	result.Duration = time.Since(started)

	// The execution context may already be expired; the logs are still
	// there until the deferred remove runs.
	stdout, stderr, logErr := d.readLogs(context.Background(), containerID)
	if logErr != nil {
		d.logger.Warn("Failed to read container logs",
			zap.String("job_id", inv.JobID), zap.Error(logErr))
	}
	result.Stdout = stdout
	result.Stderr = stderr

	return result, nil
}

func (d *DockerDriver) hostConfig() *container.HostConfig {
	mountType := mount.TypeVolume
	if filepath.IsAbs(d.cfg.Workspace) {
		mountType = mount.TypeBind
	}
	pidsLimit := d.cfg.PidsLimit
	return &container.HostConfig{
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		NetworkMode: "none",
		Mounts: []mount.Mount{{
			Type:   mountType,
			Source: d.cfg.Workspace,
			Target: "/code",
		}},
		Tmpfs: map[string]string{"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%s", d.cfg.TmpfsSize)},
		Resources: container.Resources{
			Memory:     d.cfg.Memory,
			MemorySwap: d.cfg.Memory,
			NanoCPUs:   int64(d.cfg.CPUs * 1_000_000_000),
			PidsLimit:  &pidsLimit,
		},
	}
}

func (d *DockerDriver) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := d.client.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (d *DockerDriver) readLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	limit := d.cfg.MaxOutput
	_, err = stdcopy.StdCopy(&limitedWriter{w: &stdout, limit: limit}, &limitedWriter{w: &stderr, limit: limit}, rc)
	if err != nil {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// containerName derives a daemon-friendly name from the job id so stray
// containers are attributable in `docker ps`.
func containerName(jobID string) string {
	const prefix = "runbox-job-"
	if len(jobID) > 12 {
		jobID = jobID[:12]
	}
	return prefix + jobID
}

// limitedWriter caps how many bytes reach the underlying writer; the rest
// are acknowledged and dropped so the copy never stalls.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		return lw.w.Write(p)
	}
	total := len(p)
	if lw.written >= lw.limit {
		return total, nil
	}
	if remaining := lw.limit - lw.written; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return total, nil
}
