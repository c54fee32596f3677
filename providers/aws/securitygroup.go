package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

const TypeSecurityGroup = "aws:EC2.SecurityGroup"

var ErrSecurityGroupCreate = fmt.Errorf("failed security group creation")

type SecurityGroupRule struct {
	FromPort    int      `json:"fromPort"`
	ToPort      int      `json:"toPort"`
	Protocol    string   `json:"protocol"`
	CidrBlocks  []string `json:"cidrBlocks"`
	Description string   `json:"description,omitempty"`
}

type SecurityGroupConfig struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	VpcID       string              `json:"vpcId"`
	Ingress     []SecurityGroupRule `json:"ingress,omitempty"`
	// Egress replaces the default allow-all rule when set.
	Egress []SecurityGroupRule `json:"egress,omitempty"`
	Tags   map[string]string   `json:"tags,omitempty"`
}

type SecurityGroupState struct {
	ID string `json:"id"`
	SecurityGroupConfig
}

var allowAllEgress = []SecurityGroupRule{{FromPort: -1, ToPort: -1, Protocol: "-1", CidrBlocks: []string{"0.0.0.0/0"}}}

func ipPermissions(rules []SecurityGroupRule) []types.IpPermission {
	perms := make([]types.IpPermission, 0, len(rules))
	for _, rule := range rules {
		ranges := make([]types.IpRange, 0, len(rule.CidrBlocks))
		for _, cidr := range rule.CidrBlocks {
			r := types.IpRange{CidrIp: aws.String(cidr)}
			if rule.Description != "" {
				r.Description = aws.String(rule.Description)
			}
			ranges = append(ranges, r)
		}
		perms = append(perms, types.IpPermission{
			IpProtocol: aws.String(rule.Protocol),
			FromPort:   aws.Int32(int32(rule.FromPort)),
			ToPort:     aws.Int32(int32(rule.ToPort)),
			IpRanges:   ranges,
		})
	}
	return perms
}

func (p *Provider) createSecurityGroup(ctx context.Context, name string, desired *SecurityGroupConfig) (*SecurityGroupState, error) {
	log := clog.FromContext(ctx)

	groupName := desired.Name
	if groupName == "" {
		groupName = name
	}
	description := desired.Description
	if description == "" {
		description = "managed by lampstack"
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(groupName),
		Description:       aws.String(description),
		VpcId:             aws.String(desired.VpcID),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeSecurityGroup, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSecurityGroupCreate, err)
	}
	if resp.GroupId == nil {
		return nil, fmt.Errorf("%w: %w", ErrSecurityGroupCreate, ErrNilID)
	}
	state := &SecurityGroupState{ID: *resp.GroupId, SecurityGroupConfig: *desired}
	log.Info("created security group", "id", state.ID, "name", groupName)

	if err := p.authorizeIngress(ctx, state.ID, desired.Ingress); err != nil {
		return nil, err
	}
	if len(desired.Egress) > 0 {
		if err := p.replaceEgress(ctx, state.ID, allowAllEgress, desired.Egress); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (p *Provider) authorizeIngress(ctx context.Context, id string, rules []SecurityGroupRule) error {
	if len(rules) == 0 {
		return nil
	}
	if _, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: ipPermissions(rules),
	}); err != nil {
		return fmt.Errorf("failed to authorize ingress on %s: %w", id, err)
	}
	for _, r := range rules {
		clog.FromContext(ctx).Info("authorized ingress", "id", id, "port", r.FromPort, "from", r.CidrBlocks)
	}
	return nil
}

func (p *Provider) replaceEgress(ctx context.Context, id string, prior, desired []SecurityGroupRule) error {
	if len(prior) > 0 {
		_, err := p.ec2Client.RevokeSecurityGroupEgress(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       aws.String(id),
			IpPermissions: ipPermissions(prior),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to revoke egress on %s: %w", id, err)
		}
	}
	if len(desired) > 0 {
		if _, err := p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       aws.String(id),
			IpPermissions: ipPermissions(desired),
		}); err != nil {
			return fmt.Errorf("failed to authorize egress on %s: %w", id, err)
		}
	}
	return nil
}

// updateSecurityGroup swaps the rule sets. Rules are revoked before the new
// ones are authorized, so identical rules present in both are re-added.
func (p *Provider) updateSecurityGroup(ctx context.Context, name string, desired *SecurityGroupConfig, prior *SecurityGroupState) (*SecurityGroupState, error) {
	if fmt.Sprint(desired.Ingress) != fmt.Sprint(prior.Ingress) {
		if len(prior.Ingress) > 0 {
			_, err := p.ec2Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
				GroupId:       aws.String(prior.ID),
				IpPermissions: ipPermissions(prior.Ingress),
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to revoke ingress on %s: %w", prior.ID, err)
			}
		}
		if err := p.authorizeIngress(ctx, prior.ID, desired.Ingress); err != nil {
			return nil, err
		}
	}

	if fmt.Sprint(desired.Egress) != fmt.Sprint(prior.Egress) {
		from, to := prior.Egress, desired.Egress
		if len(from) == 0 {
			from = allowAllEgress
		}
		if len(to) == 0 {
			to = allowAllEgress
		}
		if err := p.replaceEgress(ctx, prior.ID, from, to); err != nil {
			return nil, err
		}
	}

	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &SecurityGroupState{ID: prior.ID, SecurityGroupConfig: *desired}, nil
}

func (p *Provider) readSecurityGroup(ctx context.Context, prior *SecurityGroupState) (*SecurityGroupState, bool, error) {
	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{prior.ID}})
	if err != nil {
		return nil, false, err
	}
	if len(resp.SecurityGroups) == 0 {
		return nil, false, nil
	}

	state := *prior
	return &state, true, nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, prior *SecurityGroupState) error {
	if prior.ID == "" {
		return nil
	}
	if _, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(prior.ID)}); err != nil {
		return fmt.Errorf("failed to delete security group %s: %w", prior.ID, err)
	}
	clog.FromContext(ctx).Info("deleted security group", "id", prior.ID)
	return nil
}
