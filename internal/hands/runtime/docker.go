package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	labelManagedBy = "hands-core.managed-by"
	labelAgentID   = "hands-core.invocation-id"
	labelAgent     = "hands-core.agent-name"
	managedByValue = "hands-core"
)

// DockerInvoker runs agent invocations as single-shot Docker containers,
// adapted from internal/ruriko/runtime/docker/adapter.go's Spawn/Status/
// Remove trio, collapsed into one run-to-completion call since a Hand's
// pipeline step has no long-running ACP control surface to dial back
// into — it produces a result and exits.
type DockerInvoker struct {
	client  *dockerclient.Client
	network string
}

// NewDockerInvoker creates an invoker using DOCKER_HOST or the default
// socket.
func NewDockerInvoker() (*DockerInvoker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("runtime: docker client: %w", err)
	}
	return &DockerInvoker{client: cli, network: DefaultNetwork}, nil
}

// EnsureNetwork creates the hands-core Docker network if it doesn't exist.
func (d *DockerInvoker) EnsureNetwork(ctx context.Context) error {
	nets, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return fmt.Errorf("runtime: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == d.network {
			return nil
		}
	}
	_, err = d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("runtime: create network %q: %w", d.network, err)
	}
	return nil
}

// Run creates, starts, awaits, and removes a single container for spec,
// returning its exit code and captured output.
func (d *DockerInvoker) Run(ctx context.Context, spec AgentSpec) (Result, error) {
	if spec.Image == "" {
		return Result{}, fmt.Errorf("runtime: spec.Image is required")
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = d.network
	}
	containerName := ContainerNameFor(spec.ID)

	env := make([]string, 0, len(spec.Env)+1)
	env = append(env, fmt.Sprintf("HANDS_AGENT_NAME=%s", spec.AgentName))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelAgentID:   spec.ID,
		labelAgent:     spec.AgentName,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return Result{}, fmt.Errorf("runtime: create container: %w", err)
	}
	defer d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("runtime: start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("runtime: wait for container: %w", err)
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerStop(context.Background(), resp.ID, container.StopOptions{})
		return Result{}, fmt.Errorf("runtime: agent invocation timed out: %w", ctx.Err())
	}

	logs, err := d.client.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true,
	})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("runtime: read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return Result{ExitCode: exitCode}, fmt.Errorf("runtime: demux container logs: %w", err)
	}

	return Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// stopTimeout bounds graceful shutdown before SIGKILL when a running
// container must be reclaimed outside the normal Wait path.
const stopTimeout = 10 * time.Second
