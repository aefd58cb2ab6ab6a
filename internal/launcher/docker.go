package launcher

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/ivle/jailconsole/internal/wire"
)

// DockerConfig selects the image and limits for container-backed
// consoles.
type DockerConfig struct {
	Image string
	// Agent is the agent binary inside the image.
	Agent string
	// HomeMount bind-mounts <jail>/home/<login> at /home/<login>.
	HomeMount bool
	MemoryMiB int64
	NanoCPUs  int64
	Network   string
}

// DockerSpawner runs each console as a short-lived container whose agent
// port is published on the launcher host. It is the development
// alternative to the privileged helper.
type DockerSpawner struct {
	cfg DockerConfig
	cli *client.Client
}

func NewDockerSpawner(cfg DockerConfig) (*DockerSpawner, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, errors.New("docker image is required")
	}
	if strings.TrimSpace(cfg.Agent) == "" {
		cfg.Agent = "/usr/local/bin/jailconsole-agent"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerSpawner{cfg: cfg, cli: cli}, nil
}

func (d *DockerSpawner) Name() string {
	return "docker"
}

func (d *DockerSpawner) Close() error {
	return d.cli.Close()
}

// Ping checks that the docker daemon answers.
func (d *DockerSpawner) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerSpawner) Spawn(ctx context.Context, spec Spec) error {
	cfg, hostCfg := containerConfig(d.cfg, spec)
	name := containerName(spec)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create console container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start console container on port %d: %w", spec.Port, err)
	}
	return nil
}

// Cleanup force-removes the container of a console that never answered
// the readiness check. A container that already went away is fine.
func (d *DockerSpawner) Cleanup(ctx context.Context, spec Spec) error {
	err := d.cli.ContainerRemove(ctx, containerName(spec), container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove console container %s: %w", containerName(spec), err)
	}
	return nil
}

func containerName(spec Spec) string {
	login := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, spec.Request.Login)
	return fmt.Sprintf("jailconsole-%s-%d", login, spec.Port)
}

func containerConfig(cfg DockerConfig, spec Spec) (*container.Config, *container.HostConfig) {
	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
	workdir := spec.Request.CWD
	if workdir == "" {
		workdir = "/"
	}
	user := strconv.Itoa(spec.Request.UID)
	if spec.Request.GID > 0 {
		user += ":" + strconv.Itoa(spec.Request.GID)
	}

	env := []string{
		"JAILCONSOLE_PORT=" + strconv.Itoa(spec.Port),
		"JAILCONSOLE_MAGIC=" + spec.Magic,
		"JAILCONSOLE_CWD=" + workdir,
		"JAILCONSOLE_BIND=0.0.0.0",
	}
	if spec.Digest != "" {
		env = append(env, wire.DigestEnv+"="+string(spec.Digest))
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{cfg.Agent},
		User:       user,
		WorkingDir: workdir,
		Env:          env,
		ExposedPorts: nat.PortSet{port: {}},
		Labels: map[string]string{
			"jailconsole.login": spec.Request.Login,
			"jailconsole.port":  strconv.Itoa(spec.Port),
		},
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: spec.Host, HostPort: strconv.Itoa(spec.Port)}},
		},
		Resources: container.Resources{
			Memory:   cfg.MemoryMiB * 1024 * 1024,
			NanoCPUs: cfg.NanoCPUs,
		},
	}
	if cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.Network)
	}
	if cfg.HomeMount && spec.Request.JailPath != "" && spec.Request.Login != "" {
		source := filepath.Join(spec.Request.JailPath, "home", spec.Request.Login)
		target := path.Join("/home", spec.Request.Login)
		hostCfg.Binds = []string{source + ":" + target}
	}
	return containerCfg, hostCfg
}
