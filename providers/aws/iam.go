package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/chainguard-dev/clog"
)

const (
	TypeRole            = "aws:IAM.Role"
	TypeInstanceProfile = "aws:IAM.InstanceProfile"
)

var instanceProfileTimeout = 2 * time.Minute

type RoleConfig struct {
	Name              string            `json:"name,omitempty"`
	AssumeRolePolicy  string            `json:"assumeRolePolicy"`
	ManagedPolicyARNs []string          `json:"managedPolicyArns,omitempty"`
	InlinePolicies    map[string]string `json:"inlinePolicies,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type RoleState struct {
	ARN string `json:"arn"`
	RoleConfig
}

func iamTags(name string, tags map[string]string) []types.Tag {
	merged := withDefaultTags(name, tags)
	out := make([]types.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return out
}

func (p *Provider) createRole(ctx context.Context, name string, desired *RoleConfig) (*RoleState, error) {
	roleName := desired.Name
	if roleName == "" {
		roleName = name
	}

	resp, err := p.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(roleName),
		AssumeRolePolicyDocument: aws.String(desired.AssumeRolePolicy),
		Tags:                     iamTags(name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create role %s: %w", roleName, err)
	}
	clog.FromContext(ctx).Info("created role", "role", roleName)

	state := &RoleState{ARN: aws.ToString(resp.Role.Arn), RoleConfig: *desired}
	state.Name = roleName

	for _, arn := range desired.ManagedPolicyARNs {
		if err := p.attachRolePolicy(ctx, roleName, arn); err != nil {
			return nil, err
		}
	}
	for _, policy := range sortedKeys(desired.InlinePolicies) {
		if err := p.putRolePolicy(ctx, roleName, policy, desired.InlinePolicies[policy]); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (p *Provider) attachRolePolicy(ctx context.Context, role, arn string) error {
	if _, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(arn),
	}); err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", arn, role, err)
	}
	return nil
}

func (p *Provider) putRolePolicy(ctx context.Context, role, policy, document string) error {
	if _, err := p.iamClient.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(role),
		PolicyName:     aws.String(policy),
		PolicyDocument: aws.String(document),
	}); err != nil {
		return fmt.Errorf("failed to put policy %s on %s: %w", policy, role, err)
	}
	return nil
}

// updateRole converges the trust policy and the attached and inline policies.
// The role name is taken from the prior state; renames replace the role.
func (p *Provider) updateRole(ctx context.Context, _ string, desired *RoleConfig, prior *RoleState) (*RoleState, error) {
	role := prior.Name

	if desired.AssumeRolePolicy != prior.AssumeRolePolicy {
		if _, err := p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(role),
			PolicyDocument: aws.String(desired.AssumeRolePolicy),
		}); err != nil {
			return nil, fmt.Errorf("failed to update trust policy of %s: %w", role, err)
		}
	}

	want := make(map[string]bool, len(desired.ManagedPolicyARNs))
	for _, arn := range desired.ManagedPolicyARNs {
		want[arn] = true
	}
	have := make(map[string]bool, len(prior.ManagedPolicyARNs))
	for _, arn := range prior.ManagedPolicyARNs {
		have[arn] = true
		if !want[arn] {
			if err := p.detachRolePolicy(ctx, role, arn); err != nil {
				return nil, err
			}
		}
	}
	for _, arn := range desired.ManagedPolicyARNs {
		if !have[arn] {
			if err := p.attachRolePolicy(ctx, role, arn); err != nil {
				return nil, err
			}
		}
	}

	for _, policy := range sortedKeys(prior.InlinePolicies) {
		if _, ok := desired.InlinePolicies[policy]; !ok {
			if err := p.deleteRolePolicy(ctx, role, policy); err != nil {
				return nil, err
			}
		}
	}
	for _, policy := range sortedKeys(desired.InlinePolicies) {
		doc := desired.InlinePolicies[policy]
		if prior.InlinePolicies[policy] == doc {
			continue
		}
		if err := p.putRolePolicy(ctx, role, policy, doc); err != nil {
			return nil, err
		}
	}

	state := *prior
	state.RoleConfig = *desired
	state.Name = role
	return &state, nil
}

func (p *Provider) detachRolePolicy(ctx context.Context, role, arn string) error {
	_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(role),
		PolicyArn: aws.String(arn),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to detach %s from %s: %w", arn, role, err)
	}
	return nil
}

func (p *Provider) deleteRolePolicy(ctx context.Context, role, policy string) error {
	_, err := p.iamClient.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(role),
		PolicyName: aws.String(policy),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete policy %s from %s: %w", policy, role, err)
	}
	return nil
}

// deleteRole removes attached and inline policies first; IAM refuses to
// delete a role that still has either.
func (p *Provider) deleteRole(ctx context.Context, prior *RoleState) error {
	if prior.Name == "" {
		return nil
	}
	for _, arn := range prior.ManagedPolicyARNs {
		if err := p.detachRolePolicy(ctx, prior.Name, arn); err != nil {
			return err
		}
	}
	for _, policy := range sortedKeys(prior.InlinePolicies) {
		if err := p.deleteRolePolicy(ctx, prior.Name, policy); err != nil {
			return err
		}
	}
	if _, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(prior.Name)}); err != nil {
		return fmt.Errorf("failed to delete role %s: %w", prior.Name, err)
	}
	return nil
}

type InstanceProfileConfig struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

type InstanceProfileState struct {
	ARN string `json:"arn"`
	InstanceProfileConfig
}

func (p *Provider) createInstanceProfile(ctx context.Context, name string, desired *InstanceProfileConfig) (*InstanceProfileState, error) {
	profile := desired.Name
	if profile == "" {
		profile = name
	}

	resp, err := p.iamClient.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(profile),
		Tags:                iamTags(name, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create instance profile %s: %w", profile, err)
	}

	if desired.Role != "" {
		if _, err := p.iamClient.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(profile),
			RoleName:            aws.String(desired.Role),
		}); err != nil {
			return nil, fmt.Errorf("failed to add role %s to %s: %w", desired.Role, profile, err)
		}
	}

	if err := iam.NewInstanceProfileExistsWaiter(p.iamClient).Wait(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(profile),
	}, instanceProfileTimeout); err != nil {
		return nil, fmt.Errorf("waiting for instance profile %s: %w", profile, err)
	}
	clog.FromContext(ctx).Info("created instance profile", "profile", profile, "role", desired.Role)

	state := &InstanceProfileState{ARN: aws.ToString(resp.InstanceProfile.Arn), InstanceProfileConfig: *desired}
	state.Name = profile
	return state, nil
}

func (p *Provider) deleteInstanceProfile(ctx context.Context, prior *InstanceProfileState) error {
	if prior.Name == "" {
		return nil
	}
	if prior.Role != "" {
		_, err := p.iamClient.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: aws.String(prior.Name),
			RoleName:            aws.String(prior.Role),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to remove role from %s: %w", prior.Name, err)
		}
	}
	if _, err := p.iamClient.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
		InstanceProfileName: aws.String(prior.Name),
	}); err != nil {
		return fmt.Errorf("failed to delete instance profile %s: %w", prior.Name, err)
	}
	return nil
}
