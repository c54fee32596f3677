// Package aws converges the network, compute, identity and secret resources
// of a single-host LAMP stack.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/chainguard-dev/clog"

	pb "github.com/picklr-io/lampstack/pkg/provider"
)

const defaultRegion = "us-east-1"

type Provider struct {
	pb.Unimplemented

	region  string
	profile string

	ec2Client            ec2API
	iamClient            iamAPI
	secretsmanagerClient secretsManagerAPI
	ssmClient            ssmAPI
	kmsClient            kmsAPI
	logsClient           logsAPI
	cloudwatchClient     cloudwatchAPI
	route53Client        route53API
}

func New() *Provider {
	return &Provider{region: defaultRegion}
}

// Configure accepts "region" and "profile".
func (p *Provider) Configure(ctx context.Context, req *pb.ConfigureRequest) (*pb.ConfigureResponse, error) {
	if r := req.Config["region"]; r != "" {
		p.region = r
	}
	p.profile = req.Config["profile"]

	if err := p.ensureClients(ctx); err != nil {
		return &pb.ConfigureResponse{
			Diagnostics: []string{"failed to load AWS config: " + err.Error()},
		}, nil
	}
	return &pb.ConfigureResponse{}, nil
}

func (p *Provider) ensureClients(ctx context.Context) error {
	if p.ec2Client != nil {
		return nil
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(p.profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %w", err)
	}

	p.ec2Client = ec2.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.secretsmanagerClient = secretsmanager.NewFromConfig(cfg)
	p.ssmClient = ssm.NewFromConfig(cfg)
	p.kmsClient = kms.NewFromConfig(cfg)
	p.logsClient = cloudwatchlogs.NewFromConfig(cfg)
	p.cloudwatchClient = cloudwatch.NewFromConfig(cfg)
	p.route53Client = route53.NewFromConfig(cfg)
	return nil
}

// Plan diffs the desired attributes against the attributes recorded in the
// prior state. It makes no API calls; drift is detected by Read.
func (p *Provider) Plan(ctx context.Context, req *pb.PlanRequest) (*pb.PlanResponse, error) {
	h, err := lookup(req.Type)
	if err != nil {
		return nil, err
	}

	if req.PriorStateJSON == nil {
		return &pb.PlanResponse{Action: pb.ActionCreate}, nil
	}

	changed, err := h.diff(req.DesiredConfigJSON, req.PriorStateJSON)
	if err != nil {
		return nil, err
	}
	switch {
	case len(changed) == 0:
		return &pb.PlanResponse{Action: pb.ActionNoop}, nil
	case h.canUpdate(changed):
		return &pb.PlanResponse{Action: pb.ActionUpdate, ChangedAttributes: changed}, nil
	default:
		return &pb.PlanResponse{Action: pb.ActionReplace, ChangedAttributes: changed}, nil
	}
}

func (p *Provider) Apply(ctx context.Context, req *pb.ApplyRequest) (*pb.ApplyResponse, error) {
	h, err := lookup(req.Type)
	if err != nil {
		return nil, err
	}
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("type", req.Type, "name", req.Name))

	var state any
	if req.PriorStateJSON == nil {
		state, err = h.create(ctx, p, req.Name, req.DesiredConfigJSON)
	} else {
		changed, derr := h.diff(req.DesiredConfigJSON, req.PriorStateJSON)
		if derr != nil {
			return nil, derr
		}
		if h.canUpdate(changed) {
			state, err = h.update(ctx, p, req.Name, req.DesiredConfigJSON, req.PriorStateJSON)
		} else {
			if derr := h.delete(ctx, p, req.PriorStateJSON); derr != nil && !isNotFound(derr) {
				return nil, derr
			}
			state, err = h.create(ctx, p, req.Name, req.DesiredConfigJSON)
		}
	}
	if err != nil {
		return nil, err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &pb.ApplyResponse{NewStateJSON: stateJSON}, nil
}

func (p *Provider) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	h, err := lookup(req.Type)
	if err != nil {
		return nil, err
	}
	if h.read == nil {
		return &pb.ReadResponse{Exists: true, NewStateJSON: req.CurrentStateJSON}, nil
	}
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	state, exists, err := h.read(ctx, p, req.CurrentStateJSON)
	if err != nil {
		if isNotFound(err) {
			return &pb.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}
	if !exists {
		return &pb.ReadResponse{Exists: false}, nil
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &pb.ReadResponse{Exists: true, NewStateJSON: stateJSON}, nil
}

// Delete removes the resource. A resource that is already gone is not an error.
func (p *Provider) Delete(ctx context.Context, req *pb.DeleteRequest) (*pb.DeleteResponse, error) {
	h, err := lookup(req.Type)
	if err != nil {
		return nil, err
	}
	if err := p.ensureClients(ctx); err != nil {
		return nil, err
	}

	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("type", req.Type, "id", req.ID))
	if err := h.delete(ctx, p, req.CurrentStateJSON); err != nil && !isNotFound(err) {
		return nil, err
	}
	return &pb.DeleteResponse{}, nil
}

// handler adapts the typed functions of one resource type to raw JSON.
type handler struct {
	// updatable lists attributes that can change in place; a change to any
	// other attribute replaces the resource.
	updatable []string

	diff   func(desired, prior []byte) ([]string, error)
	create func(ctx context.Context, p *Provider, name string, desired []byte) (any, error)
	update func(ctx context.Context, p *Provider, name string, desired, prior []byte) (any, error)
	read   func(ctx context.Context, p *Provider, prior []byte) (any, bool, error)
	delete func(ctx context.Context, p *Provider, prior []byte) error
}

func (h *handler) canUpdate(changed []string) bool {
	if h.update == nil || len(changed) == 0 {
		return false
	}
	for _, attr := range changed {
		found := false
		for _, u := range h.updatable {
			if attr == u {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// resource describes a resource type with config C and state S. S embeds C
// so the recorded state can be diffed against the next desired config.
type resource[C, S any] struct {
	updatable []string
	create    func(p *Provider, ctx context.Context, name string, desired *C) (*S, error)
	update    func(p *Provider, ctx context.Context, name string, desired *C, prior *S) (*S, error)
	read      func(p *Provider, ctx context.Context, prior *S) (*S, bool, error)
	delete    func(p *Provider, ctx context.Context, prior *S) error
}

func (r resource[C, S]) handler() *handler {
	h := &handler{
		updatable: r.updatable,
		diff:      diffAs[C],
		create: func(ctx context.Context, p *Provider, name string, raw []byte) (any, error) {
			desired, err := decode[C](raw)
			if err != nil {
				return nil, err
			}
			return r.create(p, ctx, name, desired)
		},
		delete: func(ctx context.Context, p *Provider, raw []byte) error {
			prior, err := decode[S](raw)
			if err != nil {
				return err
			}
			return r.delete(p, ctx, prior)
		},
	}
	if r.update != nil {
		h.update = func(ctx context.Context, p *Provider, name string, rawDesired, rawPrior []byte) (any, error) {
			desired, err := decode[C](rawDesired)
			if err != nil {
				return nil, err
			}
			prior, err := decode[S](rawPrior)
			if err != nil {
				return nil, err
			}
			return r.update(p, ctx, name, desired, prior)
		}
	}
	if r.read != nil {
		h.read = func(ctx context.Context, p *Provider, raw []byte) (any, bool, error) {
			prior, err := decode[S](raw)
			if err != nil {
				return nil, false, err
			}
			return r.read(p, ctx, prior)
		}
	}
	return h
}

var handlers = map[string]*handler{
	TypeVpc:             resource[VpcConfig, VpcState]{updatable: []string{"tags", "enableDnsHostnames"}, create: (*Provider).createVpc, update: (*Provider).updateVpc, read: (*Provider).readVpc, delete: (*Provider).deleteVpc}.handler(),
	TypeSubnet:          resource[SubnetConfig, SubnetState]{updatable: []string{"tags", "mapPublicIpOnLaunch"}, create: (*Provider).createSubnet, update: (*Provider).updateSubnet, read: (*Provider).readSubnet, delete: (*Provider).deleteSubnet}.handler(),
	TypeInternetGateway: resource[InternetGatewayConfig, InternetGatewayState]{updatable: []string{"tags"}, create: (*Provider).createInternetGateway, update: (*Provider).updateInternetGateway, delete: (*Provider).deleteInternetGateway}.handler(),
	TypeRouteTable:      resource[RouteTableConfig, RouteTableState]{updatable: []string{"tags"}, create: (*Provider).createRouteTable, update: (*Provider).updateRouteTable, delete: (*Provider).deleteRouteTable}.handler(),
	TypeSecurityGroup:   resource[SecurityGroupConfig, SecurityGroupState]{updatable: []string{"tags", "ingress", "egress"}, create: (*Provider).createSecurityGroup, update: (*Provider).updateSecurityGroup, read: (*Provider).readSecurityGroup, delete: (*Provider).deleteSecurityGroup}.handler(),
	TypeKeyPair:         resource[KeyPairConfig, KeyPairState]{create: (*Provider).createKeyPair, delete: (*Provider).deleteKeyPair}.handler(),
	TypeElasticIP:       resource[ElasticIPConfig, ElasticIPState]{updatable: []string{"tags", "instanceId"}, create: (*Provider).createElasticIP, update: (*Provider).updateElasticIP, delete: (*Provider).deleteElasticIP}.handler(),
	TypeInstance:        resource[InstanceConfig, InstanceState]{updatable: []string{"tags"}, create: (*Provider).createInstance, update: (*Provider).updateInstance, read: (*Provider).readInstance, delete: (*Provider).deleteInstance}.handler(),
	TypeRole:            resource[RoleConfig, RoleState]{updatable: []string{"assumeRolePolicy", "managedPolicyArns", "inlinePolicies"}, create: (*Provider).createRole, update: (*Provider).updateRole, delete: (*Provider).deleteRole}.handler(),
	TypeInstanceProfile: resource[InstanceProfileConfig, InstanceProfileState]{create: (*Provider).createInstanceProfile, delete: (*Provider).deleteInstanceProfile}.handler(),
	TypeSecret:          resource[SecretConfig, SecretState]{updatable: []string{"description"}, create: (*Provider).createSecret, update: (*Provider).updateSecret, delete: (*Provider).deleteSecret}.handler(),
	TypeParameter:       resource[ParameterConfig, ParameterState]{updatable: []string{"value", "description"}, create: (*Provider).putParameter, update: (*Provider).updateParameter, delete: (*Provider).deleteParameter}.handler(),
	TypeKey:             resource[KeyConfig, KeyState]{updatable: []string{"description", "enableKeyRotation"}, create: (*Provider).createKey, update: (*Provider).updateKey, delete: (*Provider).deleteKey}.handler(),
	TypeLogGroup:        resource[LogGroupConfig, LogGroupState]{updatable: []string{"retentionInDays"}, create: (*Provider).createLogGroup, update: (*Provider).updateLogGroup, delete: (*Provider).deleteLogGroup}.handler(),
	TypeAlarm:           resource[AlarmConfig, AlarmState]{updatable: []string{"description", "threshold", "evaluationPeriods", "period", "statistic", "comparisonOperator", "alarmActions", "tags"}, create: (*Provider).putAlarm, update: (*Provider).updateAlarm, read: (*Provider).readAlarm, delete: (*Provider).deleteAlarm}.handler(),
	TypeRecordSet:       resource[RecordSetConfig, RecordSetState]{updatable: []string{"ttl", "records"}, create: (*Provider).upsertRecordSet, update: (*Provider).updateRecordSet, delete: (*Provider).deleteRecordSet}.handler(),
}

func lookup(typ string) (*handler, error) {
	h, ok := handlers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return h, nil
}

// SupportedTypes lists the resource types this provider serves.
func SupportedTypes() []string {
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func decode[T any](raw []byte) (*T, error) {
	v := new(T)
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return v, nil
}

// diffAs decodes both documents as C, so outputs recorded next to the inputs
// in the prior state are ignored, and returns the top-level attributes that
// differ.
func diffAs[C any](desired, prior []byte) ([]string, error) {
	d, err := normalize[C](desired)
	if err != nil {
		return nil, err
	}
	s, err := normalize[C](prior)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]bool)
	for k := range d {
		keys[k] = true
	}
	for k := range s {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(d[k], s[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func normalize[C any](raw []byte) (map[string]any, error) {
	c, err := decode[C](raw)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
