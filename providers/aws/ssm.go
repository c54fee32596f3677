package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

const TypeParameter = "aws:SSM.Parameter"

// ErrSecureParameter rejects SecureString parameters, whose value would have
// to be written to the state file. Generated secrets belong in a
// aws:SecretsManager.Secret instead.
var ErrSecureParameter = errors.New("SecureString parameters are not supported, use a secret")

type ParameterConfig struct {
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Value       string            `json:"value"`
	Description string            `json:"description,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type ParameterState struct {
	Version int64 `json:"version"`
	ParameterConfig
}

func (c *ParameterConfig) parameterType() (ssmtypes.ParameterType, error) {
	switch ssmtypes.ParameterType(c.Type) {
	case "", ssmtypes.ParameterTypeString:
		return ssmtypes.ParameterTypeString, nil
	case ssmtypes.ParameterTypeStringList:
		return ssmtypes.ParameterTypeStringList, nil
	case ssmtypes.ParameterTypeSecureString:
		return "", ErrSecureParameter
	default:
		return "", fmt.Errorf("unknown parameter type %q", c.Type)
	}
}

func (p *Provider) putParameter(ctx context.Context, name string, desired *ParameterConfig) (*ParameterState, error) {
	typ, err := desired.parameterType()
	if err != nil {
		return nil, err
	}

	merged := withDefaultTags(name, desired.Tags)
	tags := make([]ssmtypes.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		tags = append(tags, ssmtypes.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}

	input := &ssm.PutParameterInput{
		Name:  aws.String(desired.Name),
		Value: aws.String(desired.Value),
		Type:  typ,
		Tags:  tags,
	}
	if desired.Description != "" {
		input.Description = aws.String(desired.Description)
	}
	if desired.Tier != "" {
		input.Tier = ssmtypes.ParameterTier(desired.Tier)
	}

	resp, err := p.ssmClient.PutParameter(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to put parameter %s: %w", desired.Name, err)
	}
	return &ParameterState{Version: resp.Version, ParameterConfig: *desired}, nil
}

// updateParameter overwrites the value. SSM rejects tags on an overwrite, so
// tag changes replace the parameter.
func (p *Provider) updateParameter(ctx context.Context, _ string, desired *ParameterConfig, prior *ParameterState) (*ParameterState, error) {
	typ, err := desired.parameterType()
	if err != nil {
		return nil, err
	}
	input := &ssm.PutParameterInput{
		Name:        aws.String(prior.Name),
		Value:       aws.String(desired.Value),
		Type:        typ,
		Description: aws.String(desired.Description),
		Overwrite:   aws.Bool(true),
	}
	resp, err := p.ssmClient.PutParameter(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to overwrite parameter %s: %w", prior.Name, err)
	}
	return &ParameterState{Version: resp.Version, ParameterConfig: *desired}, nil
}

func (p *Provider) deleteParameter(ctx context.Context, prior *ParameterState) error {
	if prior.Name == "" {
		return nil
	}
	if _, err := p.ssmClient.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(prior.Name)}); err != nil {
		return fmt.Errorf("failed to delete parameter %s: %w", prior.Name, err)
	}
	return nil
}
