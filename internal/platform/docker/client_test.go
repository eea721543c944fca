package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/execd/internal/domain"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	pulls    []string
	config   *container.Config
	host     *container.HostConfig
	removed  []string
	exitCode int64
	stdout   string
	stderr   string
	startErr error
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	return io.NopCloser(bytes.NewBufferString(`{"status":"done"}`)), nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	f.host = host
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, make(chan error)
}

func (f *fakeEngine) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func TestRunExecutesInIsolatedContainer(t *testing.T) {
	eng := &fakeEngine{exitCode: 3, stdout: "out", stderr: "err"}
	r := newRunner(eng, Options{MemoryMB: 128})

	res, err := r.Run(context.Background(), domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "print(1)"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecResult{Stdout: "out", Stderr: "err", ExitCode: 3}, res)

	assert.Equal(t, "python:alpine", eng.config.Image)
	assert.Equal(t, []string{"python", "-c", "print(1)"}, []string(eng.config.Cmd))
	assert.True(t, eng.config.NetworkDisabled)
	assert.Equal(t, int64(128*1024*1024), eng.host.Resources.Memory)
	assert.Equal(t, []string{"c1"}, eng.removed)
}

func TestRunPullsEachImageOnce(t *testing.T) {
	eng := &fakeEngine{}
	r := newRunner(eng, Options{Images: map[string]string{"python": "python:3.12"}})

	for i := 0; i < 2; i++ {
		_, err := r.Run(context.Background(), domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "x"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"python:3.12"}, eng.pulls)
}

func TestRunRejectsUnsupportedRequests(t *testing.T) {
	r := newRunner(&fakeEngine{}, Options{})

	_, err := r.Run(context.Background(), domain.ExecRequest{Type: domain.ExecTypeMatch})
	assert.ErrorIs(t, err, domain.ErrUnsupportedRequest)

	_, err = r.Run(context.Background(), domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "x", Language: "cobol"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedRequest)
}

func TestRunRemovesContainerOnStartFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("boom")}
	r := newRunner(eng, Options{})

	_, err := r.Run(context.Background(), domain.ExecRequest{Type: domain.ExecTypeCompiler, Code: "x"})
	require.Error(t, err)
	assert.Equal(t, []string{"c1"}, eng.removed)
}

func TestLimitedWriterTruncates(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, n: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = w.Write([]byte("gh"))
	assert.Equal(t, "abcd", buf.String())
}
