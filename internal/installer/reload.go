package installer

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/core"
)

type Reloader interface {
	Reload(ctx context.Context) error
}

func newReloader(commandLine, container string, runner command.Runner) (Reloader, error) {
	if strings.TrimSpace(container) != "" {
		return NewDockerReloader(container)
	}
	return NewCommandReloader(commandLine, runner)
}

// CommandReloader reloads by running a local command such as
// "nginx -s reload".
type CommandReloader struct {
	name   string
	args   []string
	runner command.Runner
}

func NewCommandReloader(commandLine string, runner command.Runner) (*CommandReloader, error) {
	name, args, err := command.Split(commandLine)
	if err != nil {
		return nil, err
	}
	return &CommandReloader{name: name, args: args, runner: runner}, nil
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	if _, err := r.runner.Run(ctx, r.name, r.args...); err != nil {
		return core.E(core.KindExternalPermanent, "installer.reload", "reload command failed", err)
	}
	return nil
}

type containerKiller interface {
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// DockerReloader sends SIGHUP to a web server running in a container.
type DockerReloader struct {
	client    containerKiller
	container string
}

func NewDockerReloader(container string) (*DockerReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("container name required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerReloader{client: cli, container: container}, nil
}

func (r *DockerReloader) Reload(ctx context.Context) error {
	const op = "installer.reload"

	if err := r.client.ContainerKill(ctx, r.container, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return core.E(core.KindExternalPermanent, op, "web server container "+r.container+" not found", err)
		}
		return core.E(core.KindExternalTransient, op, "signal container "+r.container, err)
	}
	return nil
}
