package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

const TypeLogGroup = "aws:Logs.LogGroup"

// LogGroupConfig is the destination the bootstrap runner ships its step log
// to.
type LogGroupConfig struct {
	Name            string            `json:"name"`
	RetentionInDays int               `json:"retentionInDays,omitempty"`
	KmsKeyID        string            `json:"kmsKeyId,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

type LogGroupState struct {
	ARN string `json:"arn,omitempty"`
	LogGroupConfig
}

func (p *Provider) createLogGroup(ctx context.Context, name string, desired *LogGroupConfig) (*LogGroupState, error) {
	input := &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(desired.Name),
		Tags:         withDefaultTags(name, desired.Tags),
	}
	if desired.KmsKeyID != "" {
		input.KmsKeyId = aws.String(desired.KmsKeyID)
	}
	if _, err := p.logsClient.CreateLogGroup(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to create log group %s: %w", desired.Name, err)
	}

	if err := p.putRetention(ctx, desired.Name, desired.RetentionInDays); err != nil {
		return nil, err
	}

	state := &LogGroupState{LogGroupConfig: *desired}
	resp, err := p.logsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(desired.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe log group %s: %w", desired.Name, err)
	}
	for _, g := range resp.LogGroups {
		if aws.ToString(g.LogGroupName) == desired.Name {
			state.ARN = aws.ToString(g.Arn)
			break
		}
	}
	return state, nil
}

func (p *Provider) putRetention(ctx context.Context, group string, days int) error {
	var err error
	if days > 0 {
		_, err = p.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(int32(days)),
		})
	} else {
		_, err = p.logsClient.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: aws.String(group),
		})
		if isNotFound(err) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("failed to set retention on %s: %w", group, err)
	}
	return nil
}

func (p *Provider) updateLogGroup(ctx context.Context, _ string, desired *LogGroupConfig, prior *LogGroupState) (*LogGroupState, error) {
	if err := p.putRetention(ctx, prior.Name, desired.RetentionInDays); err != nil {
		return nil, err
	}
	state := *prior
	state.LogGroupConfig = *desired
	return &state, nil
}

func (p *Provider) deleteLogGroup(ctx context.Context, prior *LogGroupState) error {
	if prior.Name == "" {
		return nil
	}
	if _, err := p.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(prior.Name)}); err != nil {
		return fmt.Errorf("failed to delete log group %s: %w", prior.Name, err)
	}
	return nil
}
