package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

const TypeRecordSet = "aws:Route53.RecordSet"

const defaultRecordTTL = 300

// RecordSetConfig points a name in an existing hosted zone at the host.
type RecordSetConfig struct {
	HostedZoneID string   `json:"hostedZoneId"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	TTL          int64    `json:"ttl,omitempty"`
	Records      []string `json:"records"`
}

type RecordSetState struct {
	ChangeID string `json:"changeId,omitempty"`
	RecordSetConfig
}

func (c *RecordSetConfig) change(action r53types.ChangeAction) r53types.Change {
	typ := c.Type
	if typ == "" {
		typ = string(r53types.RRTypeA)
	}
	ttl := c.TTL
	if ttl == 0 {
		ttl = defaultRecordTTL
	}
	records := make([]r53types.ResourceRecord, 0, len(c.Records))
	for _, r := range c.Records {
		records = append(records, r53types.ResourceRecord{Value: aws.String(r)})
	}
	return r53types.Change{
		Action: action,
		ResourceRecordSet: &r53types.ResourceRecordSet{
			Name:            aws.String(c.Name),
			Type:            r53types.RRType(typ),
			TTL:             aws.Int64(ttl),
			ResourceRecords: records,
		},
	}
}

func (p *Provider) changeRecordSet(ctx context.Context, cfg *RecordSetConfig, action r53types.ChangeAction) (string, error) {
	resp, err := p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(cfg.HostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{cfg.change(action)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to %s record %s: %w", action, cfg.Name, err)
	}
	if resp.ChangeInfo == nil {
		return "", nil
	}
	return aws.ToString(resp.ChangeInfo.Id), nil
}

func (p *Provider) upsertRecordSet(ctx context.Context, _ string, desired *RecordSetConfig) (*RecordSetState, error) {
	id, err := p.changeRecordSet(ctx, desired, r53types.ChangeActionUpsert)
	if err != nil {
		return nil, err
	}
	return &RecordSetState{ChangeID: id, RecordSetConfig: *desired}, nil
}

func (p *Provider) updateRecordSet(ctx context.Context, name string, desired *RecordSetConfig, _ *RecordSetState) (*RecordSetState, error) {
	return p.upsertRecordSet(ctx, name, desired)
}

// deleteRecordSet must send the record exactly as it was created.
func (p *Provider) deleteRecordSet(ctx context.Context, prior *RecordSetState) error {
	if prior.HostedZoneID == "" {
		return nil
	}
	_, err := p.changeRecordSet(ctx, &prior.RecordSetConfig, r53types.ChangeActionDelete)
	return err
}
