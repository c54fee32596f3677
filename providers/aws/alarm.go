package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const TypeAlarm = "aws:CloudWatch.Alarm"

// AlarmConfig is a metric alarm. The stack uses one to recover the instance
// onto healthy hardware when its system status check fails.
type AlarmConfig struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Namespace          string            `json:"namespace"`
	MetricName         string            `json:"metricName"`
	Dimensions         map[string]string `json:"dimensions,omitempty"`
	Statistic          string            `json:"statistic"`
	Period             int32             `json:"period"`
	EvaluationPeriods  int32             `json:"evaluationPeriods"`
	Threshold          float64           `json:"threshold"`
	ComparisonOperator string            `json:"comparisonOperator"`
	AlarmActions       []string          `json:"alarmActions,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

type AlarmState struct {
	ARN string `json:"arn,omitempty"`
	AlarmConfig
}

// RecoverAction is the EC2 automate action that migrates an instance off
// impaired hardware.
func RecoverAction(region string) string {
	return "arn:aws:automate:" + region + ":ec2:recover"
}

// putAlarm creates or overwrites the alarm; PutMetricAlarm is an upsert.
func (p *Provider) putAlarm(ctx context.Context, name string, desired *AlarmConfig) (*AlarmState, error) {
	dims := make([]cwtypes.Dimension, 0, len(desired.Dimensions))
	for _, k := range sortedKeys(desired.Dimensions) {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(desired.Dimensions[k])})
	}
	tags := withDefaultTags(name, desired.Tags)
	cwTags := make([]cwtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		cwTags = append(cwTags, cwtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	input := &cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(desired.Name),
		Namespace:          aws.String(desired.Namespace),
		MetricName:         aws.String(desired.MetricName),
		Dimensions:         dims,
		Statistic:          cwtypes.Statistic(desired.Statistic),
		Period:             aws.Int32(desired.Period),
		EvaluationPeriods:  aws.Int32(desired.EvaluationPeriods),
		Threshold:          aws.Float64(desired.Threshold),
		ComparisonOperator: cwtypes.ComparisonOperator(desired.ComparisonOperator),
		AlarmActions:       desired.AlarmActions,
		Tags:               cwTags,
	}
	if desired.Description != "" {
		input.AlarmDescription = aws.String(desired.Description)
	}
	if _, err := p.cloudwatchClient.PutMetricAlarm(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to put alarm %s: %w", desired.Name, err)
	}

	state := &AlarmState{AlarmConfig: *desired}
	found, exists, err := p.readAlarm(ctx, state)
	if err != nil {
		return nil, err
	}
	if exists {
		state.ARN = found.ARN
	}
	return state, nil
}

func (p *Provider) updateAlarm(ctx context.Context, name string, desired *AlarmConfig, _ *AlarmState) (*AlarmState, error) {
	return p.putAlarm(ctx, name, desired)
}

func (p *Provider) readAlarm(ctx context.Context, prior *AlarmState) (*AlarmState, bool, error) {
	resp, err := p.cloudwatchClient.DescribeAlarms(ctx, &cloudwatch.DescribeAlarmsInput{
		AlarmNames: []string{prior.Name},
		AlarmTypes: []cwtypes.AlarmType{cwtypes.AlarmTypeMetricAlarm},
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to describe alarm %s: %w", prior.Name, err)
	}
	if len(resp.MetricAlarms) == 0 {
		return nil, false, nil
	}
	a := resp.MetricAlarms[0]
	state := *prior
	state.ARN = aws.ToString(a.AlarmArn)
	state.Threshold = aws.ToFloat64(a.Threshold)
	state.EvaluationPeriods = aws.ToInt32(a.EvaluationPeriods)
	state.ComparisonOperator = string(a.ComparisonOperator)
	state.AlarmActions = a.AlarmActions
	return &state, true, nil
}

func (p *Provider) deleteAlarm(ctx context.Context, prior *AlarmState) error {
	if prior.Name == "" {
		return nil
	}
	if _, err := p.cloudwatchClient.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{AlarmNames: []string{prior.Name}}); err != nil {
		return fmt.Errorf("failed to delete alarm %s: %w", prior.Name, err)
	}
	return nil
}
