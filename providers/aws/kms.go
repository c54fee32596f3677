package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/chainguard-dev/clog"
)

const TypeKey = "aws:KMS.Key"

const defaultKeyDeletionWindow = 7

type KeyConfig struct {
	Description          string            `json:"description,omitempty"`
	Alias                string            `json:"alias,omitempty"`
	EnableKeyRotation    bool              `json:"enableKeyRotation,omitempty"`
	DeletionWindowInDays int               `json:"deletionWindowInDays,omitempty"`
	Tags                 map[string]string `json:"tags,omitempty"`
}

type KeyState struct {
	KeyID string `json:"keyId"`
	ARN   string `json:"arn"`
	KeyConfig
}

func aliasName(alias string) string {
	if alias == "" || strings.HasPrefix(alias, "alias/") {
		return alias
	}
	return "alias/" + alias
}

func (p *Provider) createKey(ctx context.Context, name string, desired *KeyConfig) (*KeyState, error) {
	merged := withDefaultTags(name, desired.Tags)
	tags := make([]kmstypes.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		tags = append(tags, kmstypes.Tag{TagKey: aws.String(k), TagValue: aws.String(merged[k])})
	}

	input := &kms.CreateKeyInput{Tags: tags}
	if desired.Description != "" {
		input.Description = aws.String(desired.Description)
	}
	resp, err := p.kmsClient.CreateKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create key: %w", err)
	}
	if resp.KeyMetadata == nil || resp.KeyMetadata.KeyId == nil {
		return nil, fmt.Errorf("failed to create key: %w", ErrNilID)
	}

	state := &KeyState{
		KeyID:     *resp.KeyMetadata.KeyId,
		ARN:       aws.ToString(resp.KeyMetadata.Arn),
		KeyConfig: *desired,
	}
	clog.FromContext(ctx).Info("created key", "key", state.KeyID)

	if alias := aliasName(desired.Alias); alias != "" {
		if _, err := p.kmsClient.CreateAlias(ctx, &kms.CreateAliasInput{
			AliasName:   aws.String(alias),
			TargetKeyId: aws.String(state.KeyID),
		}); err != nil {
			return nil, fmt.Errorf("failed to create alias %s: %w", alias, err)
		}
	}
	if desired.EnableKeyRotation {
		if _, err := p.kmsClient.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{KeyId: aws.String(state.KeyID)}); err != nil {
			return nil, fmt.Errorf("failed to enable rotation on %s: %w", state.KeyID, err)
		}
	}
	return state, nil
}

func (p *Provider) updateKey(ctx context.Context, _ string, desired *KeyConfig, prior *KeyState) (*KeyState, error) {
	if desired.Description != prior.Description {
		if _, err := p.kmsClient.UpdateKeyDescription(ctx, &kms.UpdateKeyDescriptionInput{
			KeyId:       aws.String(prior.KeyID),
			Description: aws.String(desired.Description),
		}); err != nil {
			return nil, fmt.Errorf("failed to update description of %s: %w", prior.KeyID, err)
		}
	}
	if desired.EnableKeyRotation != prior.EnableKeyRotation {
		var err error
		if desired.EnableKeyRotation {
			_, err = p.kmsClient.EnableKeyRotation(ctx, &kms.EnableKeyRotationInput{KeyId: aws.String(prior.KeyID)})
		} else {
			_, err = p.kmsClient.DisableKeyRotation(ctx, &kms.DisableKeyRotationInput{KeyId: aws.String(prior.KeyID)})
		}
		if err != nil {
			return nil, fmt.Errorf("failed to change rotation on %s: %w", prior.KeyID, err)
		}
	}
	state := *prior
	state.KeyConfig = *desired
	return &state, nil
}

// deleteKey removes the alias and schedules the key for deletion. KMS keys
// cannot be deleted immediately.
func (p *Provider) deleteKey(ctx context.Context, prior *KeyState) error {
	if prior.KeyID == "" {
		return nil
	}
	if alias := aliasName(prior.Alias); alias != "" {
		if _, err := p.kmsClient.DeleteAlias(ctx, &kms.DeleteAliasInput{AliasName: aws.String(alias)}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete alias %s: %w", alias, err)
		}
	}

	window := prior.DeletionWindowInDays
	if window == 0 {
		window = defaultKeyDeletionWindow
	}
	if _, err := p.kmsClient.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(prior.KeyID),
		PendingWindowInDays: aws.Int32(int32(window)),
	}); err != nil {
		return fmt.Errorf("failed to schedule deletion of %s: %w", prior.KeyID, err)
	}
	return nil
}
