// Package docker runs the bootstrap runner against a local container so a
// manifest can be exercised without provisioning cloud infrastructure.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/lampstack/internal/logging"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

// Resource types served by this provider.
const (
	TypeContainer = "docker_container"
	TypeNetwork   = "docker_network"
	TypeVolume    = "docker_volume"
	TypeImage     = "docker_image"
)

// dockerAPI is the subset of the Docker engine client used here.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

type Provider struct {
	pb.Unimplemented
	client dockerAPI
	// progress receives image pull and build output.
	progress io.Writer
}

func New() *Provider {
	return &Provider{progress: io.Discard}
}

func (p *Provider) ensureClient() error {
	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	p.client = cli
	return nil
}

func (p *Provider) Configure(ctx context.Context, req *pb.ConfigureRequest) (*pb.ConfigureResponse, error) {
	if err := p.ensureClient(); err != nil {
		return &pb.ConfigureResponse{
			Diagnostics: []string{"failed to create Docker client: " + err.Error()},
		}, nil
	}
	return &pb.ConfigureResponse{}, nil
}

func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return &pb.PlanResponse{Action: pb.ActionCreate}, nil
	}

	// Docker objects are immutable once created; any change replaces them.
	var changed []string
	var err error
	switch req.Type {
	case TypeContainer:
		changed, err = diff[ContainerConfig, ContainerState](req, func(d ContainerConfig, s ContainerState) []string {
			var out []string
			if d.Image != s.Image {
				out = append(out, "image")
			}
			if d.Name != s.Name {
				out = append(out, "name")
			}
			if fmt.Sprint(d.Command) != fmt.Sprint(s.Command) {
				out = append(out, "command")
			}
			return out
		})
	case TypeNetwork:
		changed, err = diff[NetworkConfig, NetworkState](req, func(d NetworkConfig, s NetworkState) []string {
			if d.Name != s.Name || d.Driver != s.Driver {
				return []string{"name"}
			}
			return nil
		})
	case TypeVolume:
		changed, err = diff[VolumeConfig, VolumeState](req, func(d VolumeConfig, s VolumeState) []string {
			if d.Name != s.Name {
				return []string{"name"}
			}
			return nil
		})
	case TypeImage:
		changed, err = diff[ImageConfig, ImageState](req, func(d ImageConfig, s ImageState) []string {
			if d.Name != s.Name || d.Force {
				return []string{"name"}
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		return &pb.PlanResponse{Action: pb.ActionReplace, ChangedAttributes: changed}, nil
	}
	return &pb.PlanResponse{Action: pb.ActionNoop}, nil
}

func diff[D, S any](req *pb.PlanRequest, cmp func(D, S) []string) ([]string, error) {
	var desired D
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
	}
	var prior S
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior: %w", err)
	}
	return cmp(desired, prior), nil
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	// A replace tears down the prior object first; names are unique per engine.
	if req.PriorStateJSON != nil {
		if _, err := p.Delete(ctx, &pb.DeleteRequest{Type: req.Type, CurrentStateJSON: req.PriorStateJSON}); err != nil {
			return nil, fmt.Errorf("failed to remove previous %s: %w", req.Type, err)
		}
	}

	var state any
	var err error
	switch req.Type {
	case TypeContainer:
		state, err = p.createContainer(ctx, req.DesiredConfigJSON)
	case TypeNetwork:
		state, err = p.createNetwork(ctx, req.DesiredConfigJSON)
	case TypeVolume:
		state, err = p.createVolume(ctx, req.DesiredConfigJSON)
	case TypeImage:
		state, err = p.createImage(ctx, req.DesiredConfigJSON)
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil {
		return nil, err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	if req.Type != TypeContainer {
		return &pb.ReadResponse{Exists: true, NewStateJSON: req.CurrentStateJSON}, nil
	}
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var prior ContainerState
	if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, prior.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &pb.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.ContainerJSONBase != nil && inspect.State != nil {
		prior.Status = inspect.State.Status
	}

	stateJSON, err := json.Marshal(prior)
	if err != nil {
		return nil, err
	}
	return &pb.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}

func (p *Provider) Delete(ctx context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	if err := p.ensureClient(); err != nil {
		return nil, err
	}

	var prior struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if len(req.CurrentStateJSON) > 0 {
		if err := json.Unmarshal(req.CurrentStateJSON, &prior); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
		}
	}
	if prior.ID == "" {
		prior.ID = req.ID
	}

	var err error
	switch req.Type {
	case TypeContainer:
		if prior.ID == "" {
			break
		}
		timeout := 10
		if stopErr := p.client.ContainerStop(ctx, prior.ID, container.StopOptions{Timeout: &timeout}); stopErr != nil && !client.IsErrNotFound(stopErr) {
			logging.Warn("failed to stop container", "id", prior.ID, "error", stopErr)
		}
		err = p.client.ContainerRemove(ctx, prior.ID, container.RemoveOptions{Force: true})
	case TypeNetwork:
		if prior.ID != "" {
			err = p.client.NetworkRemove(ctx, prior.ID)
		}
	case TypeVolume:
		if prior.Name != "" {
			err = p.client.VolumeRemove(ctx, prior.Name, true)
		}
	case TypeImage:
		if prior.ID != "" {
			_, err = p.client.ImageRemove(ctx, prior.ID, image.RemoveOptions{Force: true})
		}
	default:
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err != nil && !client.IsErrNotFound(err) {
		return nil, fmt.Errorf("failed to remove %s: %w", req.Type, err)
	}
	return &pb.DeleteResponse{}, nil
}
