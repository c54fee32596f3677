package engine

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/provider"
	"github.com/picklr-io/lampstack/providers/aws"
)

// EBS limits for gp2/gp3 root volumes, in GiB.
const (
	minVolumeSize = 8
	maxVolumeSize = 16384
)

// VPC and subnet prefix bounds accepted by EC2.
const (
	minPrefixBits = 16
	maxPrefixBits = 28
)

// providerName returns the provider serving res: the declared one, else the
// prefix of its type ("aws:EC2.Vpc" -> aws, "docker_container" -> docker).
func providerName(res *ir.Resource) string {
	if res.Provider != "" {
		return res.Provider
	}
	t := res.Type
	if t == "" {
		return "null"
	}
	if i := strings.Index(t, ":"); i > 0 {
		return t[:i]
	}
	if i := strings.Index(t, "_"); i > 0 {
		return t[:i]
	}
	return t
}

// prepare expands count/forEach and fills in default type and provider.
func prepare(cfg *ir.Config) []*ir.Resource {
	resources := expandInstances(cfg.Resources)
	for _, res := range resources {
		if res.Type == "" {
			res.Type = "null_resource"
		}
		res.Provider = providerName(res)
	}
	return resources
}

// Validate checks that resources, as returned by prepare, form a consistent
// DesiredState. It makes no provider calls.
func Validate(cfg *ir.Config, resources []*ir.Resource) error {
	v := &validator{
		cfg:       cfg,
		byAddr:    make(map[string]*ir.Resource, len(resources)),
		resources: resources,
	}
	v.run()
	if len(v.issues) > 0 {
		return &ValidationError{Issues: v.issues}
	}
	return nil
}

// ValidateConfig expands cfg the way planning does and validates the
// result.
func ValidateConfig(cfg *ir.Config) error {
	return Validate(cfg, prepare(cfg))
}

type validator struct {
	cfg       *ir.Config
	resources []*ir.Resource
	byAddr    map[string]*ir.Resource
	issues    []Issue
}

func (v *validator) addf(addr, format string, args ...any) {
	v.issues = append(v.issues, Issue{Address: addr, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) run() {
	for _, res := range v.resources {
		addr := res.Address()
		if res.Name == "" {
			v.addf(addr, "resource has no name")
		}
		if _, dup := v.byAddr[addr]; dup {
			v.addf(addr, "declared more than once")
			continue
		}
		v.byAddr[addr] = res
	}

	for _, res := range v.resources {
		addr := res.Address()
		v.checkProvider(res)

		for _, dep := range res.DependsOn {
			if _, ok := v.byAddr[dep]; !ok {
				v.addf(addr, "dependsOn names undeclared resource %s", dep)
			}
		}
		for _, raw := range rawRefs(res.Properties) {
			ref, err := ParseRef(raw)
			if err != nil {
				v.addf(addr, "%v", err)
				continue
			}
			if _, ok := v.byAddr[ref.Address()]; !ok {
				v.addf(addr, "reference %s names undeclared resource %s", raw, ref.Address())
			}
		}
		if res.Timeout != "" {
			if d, err := time.ParseDuration(res.Timeout); err != nil || d <= 0 {
				v.addf(addr, "invalid timeout %q", res.Timeout)
			}
		}

		v.checkAttributes(res)
	}

	for name, out := range v.cfg.Outputs {
		for _, raw := range rawRefs(out) {
			ref, err := ParseRef(raw)
			if err != nil {
				v.addf("output."+name, "%v", err)
				continue
			}
			if _, ok := v.byAddr[ref.Address()]; !ok {
				v.addf("output."+name, "reference %s names undeclared resource %s", raw, ref.Address())
			}
		}
	}

	if len(v.issues) > 0 {
		return
	}
	if _, err := BuildDAG(v.resources); err != nil {
		v.addf("", "%v", err)
	}
}

func (v *validator) checkProvider(res *ir.Resource) {
	if pc, ok := v.cfg.Providers[res.Provider]; ok && pc.Address != "" {
		return
	}
	if !provider.Known(res.Provider) {
		v.addf(res.Address(), "unknown provider %q", res.Provider)
	}
}

// decodeProps decodes the literal parts of a resource's properties into a
// provider config type. Fields holding references stay at their zero value.
func decodeProps[T any](props map[string]any) (*T, error) {
	literal := make(map[string]any, len(props))
	for k, val := range props {
		if s, ok := val.(string); ok && strings.Contains(s, ptrScheme) {
			continue
		}
		literal[k] = val
	}
	b, err := json.Marshal(normalizeValue(literal))
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *validator) checkAttributes(res *ir.Resource) {
	addr := res.Address()
	var err error
	switch res.Type {
	case aws.TypeVpc:
		var c *aws.VpcConfig
		if c, err = decodeProps[aws.VpcConfig](res.Properties); err == nil {
			v.checkPrefix(addr, "cidrBlock", c.CidrBlock)
		}
	case aws.TypeSubnet:
		var c *aws.SubnetConfig
		if c, err = decodeProps[aws.SubnetConfig](res.Properties); err == nil {
			v.checkSubnet(res, c)
		}
	case aws.TypeSecurityGroup:
		var c *aws.SecurityGroupConfig
		if c, err = decodeProps[aws.SecurityGroupConfig](res.Properties); err == nil {
			v.refTarget(res, "vpcId", aws.TypeVpc, false)
			for i, rule := range c.Ingress {
				v.checkRule(addr, fmt.Sprintf("ingress[%d]", i), rule)
			}
			for i, rule := range c.Egress {
				v.checkRule(addr, fmt.Sprintf("egress[%d]", i), rule)
			}
		}
	case aws.TypeInstance:
		var c *aws.InstanceConfig
		if c, err = decodeProps[aws.InstanceConfig](res.Properties); err == nil {
			v.refTarget(res, "subnetId", aws.TypeSubnet, false)
			if _, ok := res.Properties["ami"]; !ok {
				v.addf(addr, "ami is required")
			}
			if _, ok := res.Properties["instanceType"]; !ok {
				v.addf(addr, "instanceType is required")
			}
			if c.RootVolumeSize != 0 && (c.RootVolumeSize < minVolumeSize || c.RootVolumeSize > maxVolumeSize) {
				v.addf(addr, "rootVolumeSize %d outside %d-%d GiB", c.RootVolumeSize, minVolumeSize, maxVolumeSize)
			}
		}
	}
	if err != nil {
		v.addf(addr, "invalid properties: %v", err)
	}
}

func (v *validator) checkPrefix(addr, attr, cidr string) (netip.Prefix, bool) {
	if cidr == "" {
		v.addf(addr, "%s is required", attr)
		return netip.Prefix{}, false
	}
	p, err := netip.ParsePrefix(cidr)
	if err != nil || !p.Addr().Is4() {
		v.addf(addr, "%s %q is not an IPv4 CIDR block", attr, cidr)
		return netip.Prefix{}, false
	}
	if p.Masked() != p {
		v.addf(addr, "%s %q has host bits set", attr, cidr)
		return netip.Prefix{}, false
	}
	if p.Bits() < minPrefixBits || p.Bits() > maxPrefixBits {
		v.addf(addr, "%s %q must be between /%d and /%d", attr, cidr, minPrefixBits, maxPrefixBits)
		return netip.Prefix{}, false
	}
	return p, true
}

// checkSubnet requires vpcId to reference a declared VPC and the subnet to
// lie within that VPC's literal CIDR block.
func (v *validator) checkSubnet(res *ir.Resource, c *aws.SubnetConfig) {
	addr := res.Address()
	vpc := v.refTarget(res, "vpcId", aws.TypeVpc, true)
	sub, ok := v.checkPrefix(addr, "cidrBlock", c.CidrBlock)
	if !ok || vpc == nil {
		return
	}
	vpcCIDR, _ := vpc.Properties["cidrBlock"].(string)
	parent, err := netip.ParsePrefix(vpcCIDR)
	if err != nil {
		return
	}
	if sub.Bits() < parent.Bits() || !parent.Contains(sub.Addr()) {
		v.addf(addr, "cidrBlock %s is not inside %s (%s)", c.CidrBlock, vpc.Address(), vpcCIDR)
	}
}

// refTarget returns the resource that res.Properties[attr] references when
// it is a declared resource of type want. With required set, the attribute
// must be present and be a reference. Malformed and undeclared references
// are reported by run, not here.
func (v *validator) refTarget(res *ir.Resource, attr, want string, required bool) *ir.Resource {
	addr := res.Address()
	raw, present := res.Properties[attr]
	s, isString := raw.(string)
	switch {
	case !present || raw == nil || (isString && s == ""):
		if required {
			v.addf(addr, "%s is required and must reference a declared %s", attr, want)
		}
		return nil
	case !isString || !strings.HasPrefix(s, ptrScheme):
		if required {
			v.addf(addr, "%s must reference a declared %s, got %v", attr, want, raw)
		}
		return nil
	}
	ref, err := ParseRef(s)
	if err != nil {
		return nil
	}
	target, ok := v.byAddr[ref.Address()]
	if !ok {
		return nil
	}
	if target.Type != want {
		v.addf(addr, "%s must reference a %s, not %s", attr, want, target.Address())
		return nil
	}
	return target
}

func (v *validator) checkRule(addr, where string, rule aws.SecurityGroupRule) {
	switch rule.Protocol {
	case "tcp", "udp":
		if rule.FromPort < 0 || rule.ToPort > 65535 || rule.FromPort > rule.ToPort {
			v.addf(addr, "%s: invalid port range %d-%d", where, rule.FromPort, rule.ToPort)
		}
	case "icmp", "-1":
	default:
		v.addf(addr, "%s: unsupported protocol %q", where, rule.Protocol)
	}
	if len(rule.CidrBlocks) == 0 {
		v.addf(addr, "%s: no cidrBlocks", where)
	}
	for _, cidr := range rule.CidrBlocks {
		if strings.Contains(cidr, ptrScheme) {
			continue
		}
		if _, err := netip.ParsePrefix(cidr); err != nil {
			v.addf(addr, "%s: %q is not a CIDR block", where, cidr)
		}
	}
}
