// Package null provides resources with no external side effects. It is used
// to sequence work through the graph and in engine tests.
package null

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	pb "github.com/picklr-io/lampstack/pkg/provider"
)

type Provider struct {
	pb.Unimplemented
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Configure(ctx context.Context, req *pb.ConfigureRequest) (*pb.ConfigureResponse, error) {
	return &pb.ConfigureResponse{}, nil
}

// Plan replaces the resource when its triggers change.
func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if req.PriorStateJSON == nil {
		return &pb.PlanResponse{Action: pb.ActionCreate}, nil
	}

	var prior State
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	if !maps.Equal(desired.Triggers, prior.Triggers) {
		return &pb.PlanResponse{Action: pb.ActionReplace, ChangedAttributes: []string{"triggers"}}, nil
	}
	return &pb.PlanResponse{Action: pb.ActionNoop}, nil
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	stateBytes, err := json.Marshal(State{
		ID:       "null-" + req.Name,
		Triggers: desired.Triggers,
	})
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: stateBytes}, nil
}

func (p *Provider) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	return &pb.ReadResponse{
		Exists:       true,
		NewStateJSON: req.CurrentStateJSON,
	}, nil
}

func (p *Provider) Delete(ctx context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	return &pb.DeleteResponse{}, nil
}

type Config struct {
	Triggers map[string]string `json:"triggers"`
}

type State struct {
	ID       string            `json:"id"`
	Triggers map[string]string `json:"triggers"`
}
