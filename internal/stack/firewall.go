package stack

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/picklr-io/lampstack/providers/aws"
)

const anyIPv4 = "0.0.0.0/0"

// Well-known ports of the stack.
const (
	PortSSH   = 22
	PortHTTP  = 80
	PortHTTPS = 443
)

// IngressRule admits traffic of one protocol and port range from one network.
// Protocol "-1" means every protocol and port.
type IngressRule struct {
	Protocol    string
	FromPort    int
	ToPort      int
	CIDR        netip.Prefix
	Description string
}

// Permits reports whether a packet from addr to port is admitted.
func (r IngressRule) Permits(protocol string, port int, addr netip.Addr) bool {
	if !r.CIDR.IsValid() || !r.CIDR.Contains(addr.Unmap()) {
		return false
	}
	if r.Protocol == "-1" {
		return true
	}
	return strings.EqualFold(r.Protocol, protocol) && port >= r.FromPort && port <= r.ToPort
}

// Firewall is the union of its rules.
type Firewall []IngressRule

func (f Firewall) Permits(protocol string, port int, addr netip.Addr) bool {
	for _, r := range f {
		if r.Permits(protocol, port, addr) {
			return true
		}
	}
	return false
}

// DefaultIngress admits ssh from the operator network only, and http and
// https from anywhere. An unparsable operator CIDR admits no ssh at all.
func DefaultIngress(operatorCIDR string) Firewall {
	operator, _ := netip.ParsePrefix(operatorCIDR)
	anywhere := netip.MustParsePrefix(anyIPv4)
	return Firewall{
		{Protocol: "tcp", FromPort: PortSSH, ToPort: PortSSH, CIDR: operator.Masked(), Description: "ssh from operator"},
		{Protocol: "tcp", FromPort: PortHTTP, ToPort: PortHTTP, CIDR: anywhere, Description: "http"},
		{Protocol: "tcp", FromPort: PortHTTPS, ToPort: PortHTTPS, CIDR: anywhere, Description: "https"},
	}
}

// SecurityGroupRules renders rules in the provider's form.
func SecurityGroupRules(f Firewall) []aws.SecurityGroupRule {
	out := make([]aws.SecurityGroupRule, 0, len(f))
	for _, r := range f {
		var cidrs []string
		if r.CIDR.IsValid() {
			cidrs = []string{r.CIDR.String()}
		}
		out = append(out, aws.SecurityGroupRule{
			FromPort:    r.FromPort,
			ToPort:      r.ToPort,
			Protocol:    r.Protocol,
			CidrBlocks:  cidrs,
			Description: r.Description,
		})
	}
	return out
}

// FirewallFromRules parses provider rules back into a Firewall so declared
// security groups can be evaluated.
func FirewallFromRules(rules []aws.SecurityGroupRule) (Firewall, error) {
	var f Firewall
	for i, r := range rules {
		for _, c := range r.CidrBlocks {
			p, err := netip.ParsePrefix(c)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			f = append(f, IngressRule{
				Protocol:    r.Protocol,
				FromPort:    r.FromPort,
				ToPort:      r.ToPort,
				CIDR:        p.Masked(),
				Description: r.Description,
			})
		}
	}
	return f, nil
}
