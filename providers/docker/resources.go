package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

func (p *Provider) createImage(ctx context.Context, raw []byte) (*ImageState, error) {
	var desired ImageConfig
	if err := json.Unmarshal(raw, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if desired.BuildContext != "" {
		tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create build context tar: %w", err)
		}
		resp, err := p.client.ImageBuild(ctx, tar, types.ImageBuildOptions{
			Tags:       []string{desired.Name},
			Dockerfile: desired.Dockerfile,
			Remove:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build image: %w", err)
		}
		defer resp.Body.Close()
		if _, err := io.Copy(p.progress, resp.Body); err != nil {
			return nil, fmt.Errorf("failed to read build output: %w", err)
		}
	} else if err := p.pull(ctx, desired.Name); err != nil {
		return nil, err
	}

	inspect, _, err := p.client.ImageInspectWithRaw(ctx, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}
	return &ImageState{ID: inspect.ID, Name: desired.Name}, nil
}

func (p *Provider) pull(ctx context.Context, ref string) error {
	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(p.progress, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (p *Provider) createContainer(ctx context.Context, raw []byte) (*ContainerState, error) {
	var desired ContainerConfig
	if err := json.Unmarshal(raw, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if !desired.SkipPull {
		if err := p.pull(ctx, desired.Image); err != nil {
			return nil, err
		}
	}

	config, hostConfig, err := desired.engineConfig()
	if err != nil {
		return nil, err
	}

	resp, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, desired.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &ContainerState{
		ID:      resp.ID,
		Name:    desired.Name,
		Image:   desired.Image,
		Command: desired.Command,
		Ports:   desired.Ports,
		Status:  "running",
	}, nil
}

// engineConfig translates the declared container into Docker API structs.
func (c *ContainerConfig) engineConfig() (*container.Config, *container.HostConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range c.Ports {
		port, err := nat.NewPort("tcp", fmt.Sprint(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: "127.0.0.1", HostPort: hostPort})
	}

	var binds []string
	for _, v := range c.Volumes {
		src, rest, found := strings.Cut(v, ":")
		if found && (strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../")) {
			abs, err := filepath.Abs(src)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve volume path %s: %w", src, err)
			}
			v = abs + ":" + rest
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
		Privileged:   c.Privileged,
	}
	if len(c.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(c.Networks[0])
	}
	if c.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(c.Restart)}
	}

	config := &container.Config{
		Image:        c.Image,
		Cmd:          c.Command,
		Env:          envList(c.Env),
		Labels:       c.Labels,
		WorkingDir:   c.WorkingDir,
		User:         c.User,
		ExposedPorts: exposed,
	}

	if c.Healthcheck != nil {
		test := c.Healthcheck.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		interval, _ := time.ParseDuration(c.Healthcheck.Interval)
		timeout, _ := time.ParseDuration(c.Healthcheck.Timeout)
		startPeriod, _ := time.ParseDuration(c.Healthcheck.StartPeriod)
		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    interval,
			Timeout:     timeout,
			StartPeriod: startPeriod,
			Retries:     c.Healthcheck.Retries,
		}
	}

	return config, hostConfig, nil
}

func (p *Provider) createNetwork(ctx context.Context, raw []byte) (*NetworkState, error) {
	var desired NetworkConfig
	if err := json.Unmarshal(raw, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	resp, err := p.client.NetworkCreate(ctx, desired.Name, network.CreateOptions{
		Driver:   desired.Driver,
		Internal: desired.Internal,
		Labels:   desired.Labels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network: %w", err)
	}
	return &NetworkState{ID: resp.ID, Name: desired.Name, Driver: desired.Driver}, nil
}

func (p *Provider) createVolume(ctx context.Context, raw []byte) (*VolumeState, error) {
	var desired VolumeConfig
	if err := json.Unmarshal(raw, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	vol, err := p.client.VolumeCreate(ctx, volume.CreateOptions{Name: desired.Name, Driver: desired.Driver})
	if err != nil {
		return nil, fmt.Errorf("failed to create volume: %w", err)
	}
	return &VolumeState{Name: vol.Name, Driver: vol.Driver}, nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

type ContainerConfig struct {
	Image       string             `json:"image"`
	Name        string             `json:"name"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"` // host port -> container port
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Privileged  bool               `json:"privileged"`
	SkipPull    bool               `json:"skipPull"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type ContainerState struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Image   string         `json:"image"`
	Command []string       `json:"command,omitempty"`
	Ports   map[string]int `json:"ports,omitempty"`
	Status  string         `json:"status,omitempty"`
}

type NetworkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

type NetworkState struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

type VolumeConfig struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

type VolumeState struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

type ImageConfig struct {
	Name         string `json:"name"`
	BuildContext string `json:"buildContext"`
	Dockerfile   string `json:"dockerfile"`
	Force        bool   `json:"force"`
}

type ImageState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
