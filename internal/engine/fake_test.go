package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	pb "github.com/picklr-io/lampstack/pkg/provider"
)

// fakeProvider echoes desired properties back as outputs with an id of
// "id-<name>". Changes to tags are updates; any other change replaces.
type fakeProvider struct {
	mu    sync.Mutex
	calls []string

	failApply  map[string]error
	failDelete map[string]int
	gone       map[string]bool
	drifted    map[string]map[string]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failApply:  map[string]error{},
		failDelete: map[string]int{},
		gone:       map[string]bool{},
		drifted:    map[string]map[string]any{},
	}
}

func (f *fakeProvider) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeProvider) Configure(context.Context, *pb.ConfigureRequest) (*pb.ConfigureResponse, error) {
	f.record("configure")
	return &pb.ConfigureResponse{}, nil
}

func (f *fakeProvider) Plan(_ context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	f.record("plan:" + req.Name)
	if req.PriorStateJSON == nil {
		return &pb.PlanResponse{Action: pb.ActionCreate}, nil
	}
	var desired, prior map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, err
	}

	var changed []string
	for k, v := range desired {
		a, _ := json.Marshal(v)
		b, _ := json.Marshal(prior[k])
		if string(a) != string(b) {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	switch {
	case len(changed) == 0:
		return &pb.PlanResponse{Action: pb.ActionNoop}, nil
	case len(changed) == 1 && changed[0] == "tags":
		return &pb.PlanResponse{Action: pb.ActionUpdate, ChangedAttributes: changed}, nil
	default:
		return &pb.PlanResponse{Action: pb.ActionReplace, ChangedAttributes: changed}, nil
	}
}

func (f *fakeProvider) Apply(_ context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	kind := "create"
	if req.PriorStateJSON != nil {
		kind = "update"
	}
	f.record(kind + ":" + req.Name)
	if err := f.failApply[req.Name]; err != nil {
		return nil, err
	}

	var outputs map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &outputs); err != nil {
		return nil, err
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	outputs["id"] = "id-" + req.Name
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	return &pb.ApplyResponse{NewStateJSON: b}, nil
}

func (f *fakeProvider) Read(_ context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	f.record("read:" + req.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[req.ID] {
		return &pb.ReadResponse{}, nil
	}
	if out, ok := f.drifted[req.ID]; ok {
		b, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &pb.ReadResponse{Exists: true, NewStateJSON: b}, nil
	}
	return &pb.ReadResponse{Exists: true, NewStateJSON: req.CurrentStateJSON}, nil
}

func (f *fakeProvider) Delete(_ context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	f.record("delete:" + req.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[req.ID] > 0 {
		f.failDelete[req.ID]--
		return nil, errors.New("api error DependencyViolation: resource has a dependent object")
	}
	if f.failDelete[req.ID] < 0 {
		return nil, fmt.Errorf("api error UnauthorizedOperation: %s", req.ID)
	}
	return &pb.DeleteResponse{}, nil
}
