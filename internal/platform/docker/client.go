// Package docker runs execution requests in throwaway containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/execd/internal/domain"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	defaultMemoryMB = 512
	removeTimeout   = 10 * time.Second
	// maxOutput caps how much of each stream is kept.
	maxOutput = 1 << 20
)

// DefaultImages maps a language to the image its code runs in.
var DefaultImages = map[string]string{
	"python":     "python:alpine",
	"javascript": "node:alpine",
	"shell":      "alpine:latest",
}

// commands maps a language to the argv prefix that evaluates inline code.
var commands = map[string][]string{
	"python":     {"python", "-c"},
	"javascript": {"node", "-e"},
	"shell":      {"sh", "-c"},
}

// engine is the subset of the Docker API used by Runner.
type engine interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Options configures a Runner.
type Options struct {
	// Images overrides DefaultImages per language.
	Images   map[string]string
	MemoryMB int64
	Logger   *slog.Logger
}

// Runner wraps the official Docker SDK client.
type Runner struct {
	cli      engine
	closer   io.Closer
	images   map[string]string
	memoryMB int64
	logger   *slog.Logger

	pulled sync.Map
}

var _ domain.Runner = (*Runner)(nil)

// NewRunner connects to the Docker daemon from the environment and verifies
// it answers a ping.
func NewRunner(ctx context.Context, opts Options) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	r := newRunner(cli, opts)
	r.closer = cli
	r.logger.Info("docker client initialized")
	return r, nil
}

func newRunner(cli engine, opts Options) *Runner {
	images := make(map[string]string, len(DefaultImages)+len(opts.Images))
	for lang, img := range DefaultImages {
		images[lang] = img
	}
	for lang, img := range opts.Images {
		images[lang] = img
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = defaultMemoryMB
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{cli: cli, images: images, memoryMB: opts.MemoryMB, logger: opts.Logger}
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Run executes a compiler request inside an ephemeral container with a hard
// memory limit and no network. A non-zero exit status is a normal result.
func (r *Runner) Run(ctx context.Context, req domain.ExecRequest) (domain.ExecResult, error) {
	if err := req.Validate(); err != nil {
		return domain.ExecResult{}, err
	}
	if req.Type != domain.ExecTypeCompiler {
		return domain.ExecResult{}, fmt.Errorf("%w: type %s", domain.ErrUnsupportedRequest, req.Type)
	}

	lang := req.Language
	if lang == "" {
		lang = domain.DefaultLanguage
	}
	imageName, cmd, err := r.resolve(lang, req.Code)
	if err != nil {
		return domain.ExecResult{}, err
	}

	if err := r.ensureImage(ctx, imageName); err != nil {
		return domain.ExecResult{}, err
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:           imageName,
		Cmd:             cmd,
		NetworkDisabled: true,
	}, &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: r.memoryMB * 1024 * 1024,
		},
	}, nil, nil, "")
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID
	defer r.remove(id)

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return domain.ExecResult{}, fmt.Errorf("start container: %w", err)
	}

	exitCode, err := r.wait(ctx, id)
	if err != nil {
		return domain.ExecResult{}, err
	}

	stdout, stderr, err := r.logs(ctx, id)
	if err != nil {
		return domain.ExecResult{}, err
	}

	r.logger.Debug("container finished", "container_id", id, "exit_code", exitCode)
	return domain.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

func (r *Runner) resolve(lang, code string) (string, []string, error) {
	imageName, ok := r.images[lang]
	if !ok {
		return "", nil, fmt.Errorf("%w: language %s", domain.ErrUnsupportedRequest, lang)
	}
	prefix, ok := commands[lang]
	if !ok {
		return "", nil, fmt.Errorf("%w: no command for language %s", domain.ErrUnsupportedRequest, lang)
	}
	cmd := make([]string, 0, len(prefix)+1)
	cmd = append(cmd, prefix...)
	return imageName, append(cmd, code), nil
}

// ensureImage pulls imageName once per process.
func (r *Runner) ensureImage(ctx context.Context, imageName string) error {
	if _, ok := r.pulled.Load(imageName); ok {
		return nil
	}
	r.logger.Info("pulling image", "image", imageName)
	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	r.pulled.Store(imageName, struct{}{})
	return nil
}

func (r *Runner) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, fmt.Errorf("wait container: %w", err)
		}
		return 0, fmt.Errorf("wait container: no status")
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runner) logs(ctx context.Context, id string) (string, string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("read container logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&limitedWriter{w: &stdout, n: maxOutput}, &limitedWriter{w: &stderr, n: maxOutput}, rc); err != nil {
		return "", "", fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// remove runs on its own context so a timed-out job still cleans up.
func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

// limitedWriter silently discards everything past n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if l.n <= 0 {
		return total, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	written, err := l.w.Write(p)
	l.n -= written
	if err != nil {
		return written, err
	}
	return total, nil
}
