package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	tagKeyName      = "Name"
	tagKeyManagedBy = "lampstack:managed-by"

	tagDefaultManagedBy = "lampstack"
)

// withDefaultTags returns tags plus the tags every created resource carries.
// An explicit Name tag wins over the resource name.
func withDefaultTags(name string, tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+2)
	out[tagKeyManagedBy] = tagDefaultManagedBy
	if name != "" {
		out[tagKeyName] = name
	}
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func ec2Tags(name string, tags map[string]string) []types.Tag {
	merged := withDefaultTags(name, tags)
	out := make([]types.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}
	return out
}

// tagSpecificationWithDefaults tags an EC2 resource at creation time.
func tagSpecificationWithDefaults(rt types.ResourceType, name string, tags map[string]string) []types.TagSpecification {
	return []types.TagSpecification{{
		ResourceType: rt,
		Tags:         ec2Tags(name, tags),
	}}
}

// retagEC2 converges the user tags on an EC2 resource from prior to desired.
func (p *Provider) retagEC2(ctx context.Context, id, name string, prior, desired map[string]string) error {
	if _, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      ec2Tags(name, desired),
	}); err != nil {
		return fmt.Errorf("failed to tag %s: %w", id, err)
	}

	var removed []types.Tag
	for _, k := range sortedKeys(prior) {
		if _, ok := desired[k]; !ok && k != tagKeyName && k != tagKeyManagedBy {
			removed = append(removed, types.Tag{Key: aws.String(k)})
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if _, err := p.ec2Client.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{id},
		Tags:      removed,
	}); err != nil {
		return fmt.Errorf("failed to untag %s: %w", id, err)
	}
	return nil
}
