package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/picklr-io/lampstack/internal/retry"
)

const (
	TypeInstance  = "aws:EC2.Instance"
	TypeKeyPair   = "aws:EC2.KeyPair"
	TypeElasticIP = "aws:EC2.ElasticIP"
)

var (
	ErrInstanceCreate = fmt.Errorf("failed instance creation")
	ErrImageLookup    = fmt.Errorf("failed to look up image")
	ErrPublicKey      = fmt.Errorf("key pair requires publicKey")
)

// Bounds for the instance state waiters.
var (
	instanceRunningTimeout    = 10 * time.Minute
	instanceTerminatedTimeout = 10 * time.Minute
)

// profilePropagation bounds how long RunInstances is retried while a freshly
// created instance profile is not yet visible to EC2.
var profilePropagation = retry.Policy{MaxRetries: 6, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second}

// isProfilePropagation matches the error EC2 returns for an instance profile
// that IAM has created but EC2 cannot see yet.
func isProfilePropagation(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) || ae.ErrorCode() != "InvalidParameterValue" {
		return false
	}
	return strings.Contains(strings.ToLower(ae.ErrorMessage()), "iam instance profile")
}

type InstanceConfig struct {
	AMI                string            `json:"ami"`
	InstanceType       string            `json:"instanceType"`
	SubnetID           string            `json:"subnetId"`
	SecurityGroupIDs   []string          `json:"securityGroupIds,omitempty"`
	KeyName            string            `json:"keyName,omitempty"`
	UserData           string            `json:"userData,omitempty"`
	IAMInstanceProfile string            `json:"iamInstanceProfile,omitempty"`
	AssociatePublicIP  bool              `json:"associatePublicIp,omitempty"`
	RootVolumeSize     int               `json:"rootVolumeSize,omitempty"`
	RootVolumeType     string            `json:"rootVolumeType,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

type InstanceState struct {
	ID        string `json:"id"`
	PublicIP  string `json:"publicIp,omitempty"`
	PrivateIP string `json:"privateIp,omitempty"`
	PublicDNS string `json:"publicDns,omitempty"`
	Status    string `json:"status,omitempty"`
	InstanceConfig
}

func (p *Provider) rootDeviceName(ctx context.Context, ami string) (string, error) {
	resp, err := p.ec2Client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{ami}})
	if err != nil {
		return "", fmt.Errorf("%w %s: %w", ErrImageLookup, ami, err)
	}
	if len(resp.Images) == 0 || resp.Images[0].RootDeviceName == nil {
		return "", fmt.Errorf("%w %s: no such image", ErrImageLookup, ami)
	}
	return *resp.Images[0].RootDeviceName, nil
}

func (p *Provider) createInstance(ctx context.Context, name string, desired *InstanceConfig) (*InstanceState, error) {
	log := clog.FromContext(ctx).With("ami", desired.AMI, "instance_type", desired.InstanceType)

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(desired.AMI),
		InstanceType: types.InstanceType(desired.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: append(
			tagSpecificationWithDefaults(types.ResourceTypeInstance, name, desired.Tags),
			tagSpecificationWithDefaults(types.ResourceTypeVolume, name, desired.Tags)...,
		),
	}
	if desired.KeyName != "" {
		input.KeyName = aws.String(desired.KeyName)
	}
	if desired.UserData != "" {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(desired.UserData)))
	}
	if desired.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(desired.IAMInstanceProfile)}
	}
	if desired.AssociatePublicIP {
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(desired.SubnetID),
			Groups:                   desired.SecurityGroupIDs,
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
		}}
	} else {
		input.SubnetId = aws.String(desired.SubnetID)
		input.SecurityGroupIds = desired.SecurityGroupIDs
	}

	if desired.RootVolumeSize > 0 || desired.RootVolumeType != "" {
		device, err := p.rootDeviceName(ctx, desired.AMI)
		if err != nil {
			return nil, err
		}
		ebs := &types.EbsBlockDevice{
			DeleteOnTermination: aws.Bool(true),
			Encrypted:           aws.Bool(true),
		}
		if desired.RootVolumeSize > 0 {
			ebs.VolumeSize = aws.Int32(int32(desired.RootVolumeSize))
		}
		if desired.RootVolumeType != "" {
			ebs.VolumeType = types.VolumeType(desired.RootVolumeType)
		}
		input.BlockDeviceMappings = []types.BlockDeviceMapping{{DeviceName: aws.String(device), Ebs: ebs}}
	}

	// The client token makes a repeated RunInstances launch at most one
	// instance.
	input.ClientToken = aws.String(uuid.NewString())

	var resp *ec2.RunInstancesOutput
	err := retry.Do(ctx, &profilePropagation, func(ctx context.Context) error {
		var err error
		resp, err = p.ec2Client.RunInstances(ctx, input)
		return err
	}, isProfilePropagation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, err)
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return nil, fmt.Errorf("%w: %w", ErrInstanceCreate, ErrNilID)
	}
	id := *resp.Instances[0].InstanceId
	log = log.With("id", id)
	log.Info("launched instance, waiting for running state")

	out, err := ec2.NewInstanceRunningWaiter(p.ec2Client).WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, instanceRunningTimeout)
	if err != nil {
		// The instance exists but will not be recorded; do not leak it.
		log.Warn("instance did not reach running state, terminating", "error", err)
		termErr := p.terminate(context.WithoutCancel(ctx), id)
		return nil, fmt.Errorf("%w: waiting for %s to run: %w", ErrInstanceCreate, id, errors.Join(err, termErr))
	}

	state := &InstanceState{ID: id, Status: string(types.InstanceStateNameRunning), InstanceConfig: *desired}
	if inst := firstInstance(out); inst != nil {
		state.observe(inst)
	}
	log.Info("instance running", "public_ip", state.PublicIP)
	return state, nil
}

func firstInstance(out *ec2.DescribeInstancesOutput) *types.Instance {
	if out == nil {
		return nil
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			return &r.Instances[i]
		}
	}
	return nil
}

func (s *InstanceState) observe(inst *types.Instance) {
	s.PublicIP = aws.ToString(inst.PublicIpAddress)
	s.PrivateIP = aws.ToString(inst.PrivateIpAddress)
	s.PublicDNS = aws.ToString(inst.PublicDnsName)
	if inst.State != nil {
		s.Status = string(inst.State.Name)
	}
}

func (p *Provider) updateInstance(ctx context.Context, name string, desired *InstanceConfig, prior *InstanceState) (*InstanceState, error) {
	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	state := *prior
	state.InstanceConfig = *desired
	return &state, nil
}

func (p *Provider) readInstance(ctx context.Context, prior *InstanceState) (*InstanceState, bool, error) {
	out, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{prior.ID}})
	if err != nil {
		return nil, false, err
	}
	inst := firstInstance(out)
	if inst == nil || (inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated) {
		return nil, false, nil
	}
	state := *prior
	state.observe(inst)
	return &state, true, nil
}

func (p *Provider) terminate(ctx context.Context, id string) error {
	if _, err := p.ec2Client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}
	return nil
}

// deleteInstance waits for termination so the subnet and security group can
// be removed afterwards.
func (p *Provider) deleteInstance(ctx context.Context, prior *InstanceState) error {
	if prior.ID == "" {
		return nil
	}
	log := clog.FromContext(ctx).With("id", prior.ID)

	if err := p.terminate(ctx, prior.ID); err != nil {
		return err
	}
	log.Info("terminating instance")

	if err := ec2.NewInstanceTerminatedWaiter(p.ec2Client).Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{prior.ID},
	}, instanceTerminatedTimeout); err != nil {
		return fmt.Errorf("waiting for %s to terminate: %w", prior.ID, err)
	}
	log.Info("instance terminated")
	return nil
}

type KeyPairConfig struct {
	Name      string            `json:"name"`
	PublicKey string            `json:"publicKey"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type KeyPairState struct {
	KeyPairID   string `json:"keyPairId"`
	Fingerprint string `json:"fingerprint,omitempty"`
	KeyPairConfig
}

// createKeyPair imports operator-held public key material. Generating key
// pairs server side is not supported since the private half would have to be
// stored somewhere.
func (p *Provider) createKeyPair(ctx context.Context, name string, desired *KeyPairConfig) (*KeyPairState, error) {
	if desired.PublicKey == "" {
		return nil, ErrPublicKey
	}
	keyName := desired.Name
	if keyName == "" {
		keyName = name
	}

	resp, err := p.ec2Client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: []byte(desired.PublicKey),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeKeyPair, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import key pair %s: %w", keyName, err)
	}
	clog.FromContext(ctx).Info("imported key pair", "name", keyName)

	state := &KeyPairState{
		KeyPairID:     aws.ToString(resp.KeyPairId),
		Fingerprint:   aws.ToString(resp.KeyFingerprint),
		KeyPairConfig: *desired,
	}
	state.Name = keyName
	return state, nil
}

func (p *Provider) deleteKeyPair(ctx context.Context, prior *KeyPairState) error {
	if prior.KeyPairID == "" && prior.Name == "" {
		return nil
	}
	input := &ec2.DeleteKeyPairInput{}
	if prior.KeyPairID != "" {
		input.KeyPairId = aws.String(prior.KeyPairID)
	} else {
		input.KeyName = aws.String(prior.Name)
	}
	if _, err := p.ec2Client.DeleteKeyPair(ctx, input); err != nil {
		return fmt.Errorf("failed to delete key pair %s: %w", prior.Name, err)
	}
	return nil
}

type ElasticIPConfig struct {
	InstanceID string            `json:"instanceId,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

type ElasticIPState struct {
	AllocationID  string `json:"allocationId"`
	AssociationID string `json:"associationId,omitempty"`
	PublicIP      string `json:"publicIp"`
	ElasticIPConfig
}

func (p *Provider) createElasticIP(ctx context.Context, name string, desired *ElasticIPConfig) (*ElasticIPState, error) {
	resp, err := p.ec2Client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeElasticIp, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address: %w", err)
	}
	if resp.AllocationId == nil {
		return nil, fmt.Errorf("failed to allocate address: %w", ErrNilID)
	}

	state := &ElasticIPState{
		AllocationID:    *resp.AllocationId,
		PublicIP:        aws.ToString(resp.PublicIp),
		ElasticIPConfig: *desired,
	}
	clog.FromContext(ctx).Info("allocated address", "allocation", state.AllocationID, "ip", state.PublicIP)

	if desired.InstanceID != "" {
		if state.AssociationID, err = p.associateAddress(ctx, state.AllocationID, desired.InstanceID); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (p *Provider) associateAddress(ctx context.Context, allocationID, instanceID string) (string, error) {
	resp, err := p.ec2Client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		AllocationId: aws.String(allocationID),
		InstanceId:   aws.String(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to associate %s with %s: %w", allocationID, instanceID, err)
	}
	return aws.ToString(resp.AssociationId), nil
}

func (p *Provider) disassociateAddress(ctx context.Context, associationID string) error {
	if associationID == "" {
		return nil
	}
	_, err := p.ec2Client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{AssociationId: aws.String(associationID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to disassociate %s: %w", associationID, err)
	}
	return nil
}

func (p *Provider) updateElasticIP(ctx context.Context, name string, desired *ElasticIPConfig, prior *ElasticIPState) (*ElasticIPState, error) {
	state := *prior
	state.ElasticIPConfig = *desired

	if desired.InstanceID != prior.InstanceID {
		if err := p.disassociateAddress(ctx, prior.AssociationID); err != nil {
			return nil, err
		}
		state.AssociationID = ""
		if desired.InstanceID != "" {
			assoc, err := p.associateAddress(ctx, prior.AllocationID, desired.InstanceID)
			if err != nil {
				return nil, err
			}
			state.AssociationID = assoc
		}
	}
	if err := p.retagEC2(ctx, prior.AllocationID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *Provider) deleteElasticIP(ctx context.Context, prior *ElasticIPState) error {
	if prior.AllocationID == "" {
		return nil
	}
	if err := p.disassociateAddress(ctx, prior.AssociationID); err != nil {
		return err
	}
	if _, err := p.ec2Client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(prior.AllocationID)}); err != nil {
		return fmt.Errorf("failed to release %s: %w", prior.AllocationID, err)
	}
	return nil
}
