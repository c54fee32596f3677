package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/chainguard-dev/clog"
)

const TypeSecret = "aws:SecretsManager.Secret"

const defaultPasswordLength = 32

// SecretConfig describes a generated credential. The value is produced by
// Secrets Manager at creation time and never passes through the state file;
// consumers resolve it by ARN at runtime.
type SecretConfig struct {
	Name                 string            `json:"name,omitempty"`
	Description          string            `json:"description,omitempty"`
	KmsKeyID             string            `json:"kmsKeyId,omitempty"`
	Username             string            `json:"username,omitempty"`
	PasswordLength       int               `json:"passwordLength,omitempty"`
	ExcludePunctuation   bool              `json:"excludePunctuation,omitempty"`
	RecoveryWindowInDays int               `json:"recoveryWindowInDays,omitempty"`
	Tags                 map[string]string `json:"tags,omitempty"`
}

type SecretState struct {
	ARN       string `json:"arn"`
	VersionID string `json:"versionId,omitempty"`
	SecretConfig
}

func (p *Provider) generatePassword(ctx context.Context, desired *SecretConfig) (string, error) {
	length := desired.PasswordLength
	if length <= 0 {
		length = defaultPasswordLength
	}
	resp, err := p.secretsmanagerClient.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
		PasswordLength:     aws.Int64(int64(length)),
		ExcludePunctuation: aws.Bool(desired.ExcludePunctuation),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return aws.ToString(resp.RandomPassword), nil
}

// secretValue renders the stored value: a {"username","password"} document
// when a username is configured, the bare password otherwise.
func secretValue(username, password string) (string, error) {
	if username == "" {
		return password, nil
	}
	b, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Provider) createSecret(ctx context.Context, name string, desired *SecretConfig) (*SecretState, error) {
	secretName := desired.Name
	if secretName == "" {
		secretName = name
	}

	password, err := p.generatePassword(ctx, desired)
	if err != nil {
		return nil, err
	}
	value, err := secretValue(desired.Username, password)
	if err != nil {
		return nil, err
	}

	merged := withDefaultTags(name, desired.Tags)
	tags := make([]smtypes.Tag, 0, len(merged))
	for _, k := range sortedKeys(merged) {
		tags = append(tags, smtypes.Tag{Key: aws.String(k), Value: aws.String(merged[k])})
	}

	input := &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretName),
		SecretString: aws.String(value),
		Tags:         tags,
	}
	if desired.Description != "" {
		input.Description = aws.String(desired.Description)
	}
	if desired.KmsKeyID != "" {
		input.KmsKeyId = aws.String(desired.KmsKeyID)
	}

	resp, err := p.secretsmanagerClient.CreateSecret(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret %s: %w", secretName, err)
	}
	clog.FromContext(ctx).Info("created secret", "secret", secretName)

	state := &SecretState{
		ARN:          aws.ToString(resp.ARN),
		VersionID:    aws.ToString(resp.VersionId),
		SecretConfig: *desired,
	}
	state.Name = secretName
	return state, nil
}

// updateSecret changes metadata only; the secret value is left alone.
func (p *Provider) updateSecret(ctx context.Context, _ string, desired *SecretConfig, prior *SecretState) (*SecretState, error) {
	if _, err := p.secretsmanagerClient.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:    aws.String(prior.ARN),
		Description: aws.String(desired.Description),
	}); err != nil {
		return nil, fmt.Errorf("failed to update secret %s: %w", prior.Name, err)
	}
	state := *prior
	state.SecretConfig = *desired
	state.Name = prior.Name
	return &state, nil
}

// deleteSecret schedules deletion with the configured recovery window, or
// deletes immediately when none is set.
func (p *Provider) deleteSecret(ctx context.Context, prior *SecretState) error {
	if prior.ARN == "" {
		return nil
	}
	input := &secretsmanager.DeleteSecretInput{SecretId: aws.String(prior.ARN)}
	if prior.RecoveryWindowInDays > 0 {
		input.RecoveryWindowInDays = aws.Int64(int64(prior.RecoveryWindowInDays))
	} else {
		input.ForceDeleteWithoutRecovery = aws.Bool(true)
	}
	if _, err := p.secretsmanagerClient.DeleteSecret(ctx, input); err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", prior.Name, err)
	}
	return nil
}
