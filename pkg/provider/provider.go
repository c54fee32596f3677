// Package provider defines the contract between the engine and resource
// providers, and a gRPC transport for running providers out of process.
package provider

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Action is the change a provider proposes for a resource.
type Action string

const (
	ActionNoop    Action = "NOOP"
	ActionCreate  Action = "CREATE"
	ActionUpdate  Action = "UPDATE"
	ActionReplace Action = "REPLACE"
	ActionDelete  Action = "DELETE"
)

func (a Action) String() string { return string(a) }

// Provider converges one family of resource types.
//
// DesiredConfigJSON carries the resolved resource properties; PriorStateJSON
// carries the outputs recorded by the last successful Apply, or nil when the
// resource does not exist yet.
type Provider interface {
	Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error)
}

type ConfigureRequest struct {
	Config map[string]string `json:"config,omitempty"`
}

type ConfigureResponse struct {
	Diagnostics []string `json:"diagnostics,omitempty"`
}

type PlanRequest struct {
	Type              string `json:"type"`
	Name              string `json:"name"`
	DesiredConfigJSON []byte `json:"desiredConfigJson,omitempty"`
	PriorStateJSON    []byte `json:"priorStateJson,omitempty"`
}

type PlanResponse struct {
	Action            Action   `json:"action"`
	ChangedAttributes []string `json:"changedAttributes,omitempty"`
}

type ApplyRequest struct {
	Type              string `json:"type"`
	Name              string `json:"name"`
	DesiredConfigJSON []byte `json:"desiredConfigJson,omitempty"`
	PriorStateJSON    []byte `json:"priorStateJson,omitempty"`
}

type ApplyResponse struct {
	NewStateJSON []byte `json:"newStateJson,omitempty"`
}

type ReadRequest struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	CurrentStateJSON []byte `json:"currentStateJson,omitempty"`
}

type ReadResponse struct {
	Exists       bool   `json:"exists"`
	NewStateJSON []byte `json:"newStateJson,omitempty"`
}

type DeleteRequest struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	CurrentStateJSON []byte `json:"currentStateJson,omitempty"`
}

type DeleteResponse struct{}

// Unimplemented can be embedded to satisfy Provider for providers that only
// support a subset of operations.
type Unimplemented struct{}

func (Unimplemented) Configure(context.Context, *ConfigureRequest) (*ConfigureResponse, error) {
	return &ConfigureResponse{}, nil
}

func (Unimplemented) Plan(context.Context, *PlanRequest) (*PlanResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Plan not implemented")
}

func (Unimplemented) Apply(context.Context, *ApplyRequest) (*ApplyResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Apply not implemented")
}

func (Unimplemented) Read(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Read not implemented")
}

func (Unimplemented) Delete(context.Context, *DeleteRequest) (*DeleteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Delete not implemented")
}
