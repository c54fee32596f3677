// Package stack expands the compact stack: block of a DesiredState into the
// resources of a single-host LAMP deployment.
package stack

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gosimple/slug"

	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
)

// Defaults applied to unset stack attributes.
const (
	DefaultRegion       = "us-east-1"
	DefaultVpcCIDR      = "10.0.0.0/16"
	DefaultSubnetCIDR   = "10.0.1.0/24"
	DefaultInstanceType = "t3.micro"
	DefaultSSHUser      = "ubuntu"
	DefaultVolumeSize   = 20
	DefaultVolumeType   = "gp3"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Expand returns cfg with every template block replaced by the resources
// and outputs it stands for. Explicitly declared resources and outputs are
// kept; a declared output wins over a generated one with the same name.
// cfg is not modified.
func Expand(cfg *ir.Config) (*ir.Config, error) {
	if cfg.Stack == nil && cfg.Sandbox == nil {
		return cfg, nil
	}

	out := &ir.Config{
		Providers: map[string]ir.ProviderConfig{},
		Resources: append([]*ir.Resource(nil), cfg.Resources...),
		Outputs:   map[string]any{},
	}
	for k, v := range cfg.Providers {
		out.Providers[k] = v
	}

	var gen *generated
	switch {
	case cfg.Stack != nil && cfg.Sandbox != nil:
		return nil, &engine.ValidationError{Issues: []engine.Issue{{Message: "stack and sandbox are mutually exclusive"}}}
	case cfg.Stack != nil:
		vars, err := withDefaults(*cfg.Stack)
		if err != nil {
			return nil, err
		}
		if gen, err = buildAWS(vars); err != nil {
			return nil, err
		}
		if _, ok := out.Providers["aws"]; !ok {
			out.Providers["aws"] = ir.ProviderConfig{Region: vars.Region}
		}
	default:
		vars, err := sandboxDefaults(*cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		gen = buildSandbox(vars)
	}

	out.Resources = append(out.Resources, gen.resources...)
	for k, v := range gen.outputs {
		out.Outputs[k] = v
	}
	for k, v := range cfg.Outputs {
		out.Outputs[k] = v
	}
	return out, nil
}

type generated struct {
	resources []*ir.Resource
	outputs   map[string]any
}

func (g *generated) add(typ, name string, props any, dependsOn ...string) {
	g.resources = append(g.resources, &ir.Resource{
		Type:       typ,
		Name:       name,
		DependsOn:  dependsOn,
		Properties: properties(props),
	})
}

// properties converts a provider config struct into the untyped property
// map resources carry, using the provider's JSON field names.
func properties(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("stack: marshal %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(fmt.Sprintf("stack: unmarshal %T: %v", v, err))
	}
	return m
}

func ref(typ, name, attr string) string {
	return engine.Ref{Type: typ, Name: name, Attr: attr}.String()
}

func embed(typ, name, attr string) string {
	return "${" + ref(typ, name, attr) + "}"
}

// ResourceName derives the base name of generated resources.
func ResourceName(stackName string) string {
	return slug.Make(stackName)
}

func withDefaults(v ir.StackVars) (ir.StackVars, error) {
	set := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	set(&v.Region, DefaultRegion)
	set(&v.VpcCIDR, DefaultVpcCIDR)
	set(&v.SubnetCIDR, DefaultSubnetCIDR)
	set(&v.InstanceType, DefaultInstanceType)
	set(&v.SSHUser, DefaultSSHUser)
	set(&v.VolumeType, DefaultVolumeType)
	if v.VolumeSize == 0 {
		v.VolumeSize = DefaultVolumeSize
	}
	if v.KeyName == "" && v.PublicKey != "" {
		v.KeyName = ResourceName(v.Name)
	}
	return v, validateVars(v)
}

func validateVars(v ir.StackVars) error {
	var issues []engine.Issue
	addf := func(format string, args ...any) {
		issues = append(issues, engine.Issue{Address: "stack", Message: fmt.Sprintf(format, args...)})
	}

	if ResourceName(v.Name) == "" {
		addf("name is required")
	}
	if v.AMI == "" {
		addf("ami is required")
	}
	vpc, errVpc := netip.ParsePrefix(v.VpcCIDR)
	if errVpc != nil {
		addf("vpcCidr: %v", errVpc)
	}
	subnet, errSub := netip.ParsePrefix(v.SubnetCIDR)
	if errSub != nil {
		addf("subnetCidr: %v", errSub)
	}
	if errVpc == nil && errSub == nil && !(vpc.Contains(subnet.Addr()) && subnet.Bits() >= vpc.Bits()) {
		addf("subnetCidr %s is not inside vpcCidr %s", v.SubnetCIDR, v.VpcCIDR)
	}
	if v.OperatorCIDR == "" {
		addf("operatorCidr is required")
	} else if _, err := netip.ParsePrefix(v.OperatorCIDR); err != nil {
		addf("operatorCidr: %v", err)
	}
	if v.VolumeSize < 8 {
		addf("volumeSize must be at least 8 GiB, got %d", v.VolumeSize)
	}
	if !strings.HasPrefix(v.RunnerURL, "https://") {
		addf("runnerUrl must be an https URL")
	}
	if !sha256Hex.MatchString(v.RunnerSHA256) {
		addf("runnerSha256 must be a hex sha256 digest")
	}
	if v.DomainName != "" && v.HostedZoneID == "" {
		addf("domainName requires hostedZoneId")
	}

	if len(issues) == 0 {
		return nil
	}
	return &engine.ValidationError{Issues: issues}
}
