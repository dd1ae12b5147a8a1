package dispatcher

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
)

// DockerRunner spawns the agent CLI inside a container with the same argv
// contract as the host runner.
type DockerRunner struct {
	cli    *client.Client
	cfg    config.DockerConfig
	// Command is the agent CLI executable inside the image.
	command string
	logger  *logger.Logger
}

// NewDockerRunner creates a Docker-backed runner.
func NewDockerRunner(cfg config.DockerConfig, command string, log *logger.Logger) (*DockerRunner, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker runner created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image))

	return &DockerRunner{
		cli:     cli,
		cfg:     cfg,
		command: command,
		logger:  log,
	}, nil
}

// Close closes the Docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Start creates and starts a container running the agent CLI.
func (r *DockerRunner) Start(ctx context.Context, inv Invocation) (Process, error) {
	name := fmt.Sprintf("crewd-agent-%s-%s", inv.AgentID, uuid.New().String()[:8])

	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        append([]string{r.command}, inv.Argv()...),
		Env:        inv.ChildEnv(),
		WorkingDir: r.cfg.WorkDir,
		Labels: map[string]string{
			"crewd.agent":   inv.AgentID,
			"crewd.session": inv.SessionID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	r.logger.Debug("Agent container started",
		zap.String("container_id", resp.ID),
		zap.String("agent_id", inv.AgentID))

	return &dockerProcess{runner: r, containerID: resp.ID, ctx: ctx}, nil
}

type dockerProcess struct {
	runner      *DockerRunner
	containerID string
	ctx         context.Context
}

// Wait blocks until the container exits, then collects its output and
// removes it.
func (p *dockerProcess) Wait() (*Result, error) {
	statusCh, errCh := p.runner.cli.ContainerWait(p.ctx, p.containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			_ = p.remove()
			return nil, fmt.Errorf("error waiting for container %s: %w", p.containerID, err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-p.ctx.Done():
		_ = p.Kill()
		return &Result{ExitCode: -1}, nil
	}

	stdout, stderr := p.collectLogs()
	_ = p.remove()

	return &Result{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, nil
}

// Kill force-removes the container.
func (p *dockerProcess) Kill() error {
	return p.remove()
}

func (p *dockerProcess) collectLogs() (string, string) {
	reader, err := p.runner.cli.ContainerLogs(context.Background(), p.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		p.runner.logger.Warn("Failed to read container logs",
			zap.String("container_id", p.containerID),
			zap.Error(err))
		return "", ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		p.runner.logger.Warn("Failed to demux container logs",
			zap.String("container_id", p.containerID),
			zap.Error(err))
	}
	return stdout.String(), stderr.String()
}

func (p *dockerProcess) remove() error {
	return p.runner.cli.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
}
