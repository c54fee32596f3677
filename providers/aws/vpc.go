package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
)

const (
	TypeVpc             = "aws:EC2.Vpc"
	TypeSubnet          = "aws:EC2.Subnet"
	TypeInternetGateway = "aws:EC2.InternetGateway"
	TypeRouteTable      = "aws:EC2.RouteTable"
)

var (
	ErrVPCCreate    = fmt.Errorf("failed VPC creation")
	ErrSubnetCreate = fmt.Errorf("failed subnet creation")
	ErrIGWCreate    = fmt.Errorf("failed internet gateway creation")
	ErrRouteTable   = fmt.Errorf("failed route table creation")
)

type VpcConfig struct {
	CidrBlock          string            `json:"cidrBlock"`
	EnableDnsHostnames bool              `json:"enableDnsHostnames,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
}

type VpcState struct {
	ID string `json:"id"`
	VpcConfig
}

func (p *Provider) createVpc(ctx context.Context, name string, desired *VpcConfig) (*VpcState, error) {
	log := clog.FromContext(ctx).With("cidr", desired.CidrBlock)

	resp, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(desired.CidrBlock),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeVpc, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVPCCreate, err)
	}
	if resp.Vpc == nil || resp.Vpc.VpcId == nil {
		return nil, fmt.Errorf("%w: %w", ErrVPCCreate, ErrNilID)
	}
	id := *resp.Vpc.VpcId
	log.Info("created VPC", "id", id)

	if desired.EnableDnsHostnames {
		if err := p.setDNSHostnames(ctx, id, true); err != nil {
			return nil, err
		}
	}

	return &VpcState{ID: id, VpcConfig: *desired}, nil
}

func (p *Provider) setDNSHostnames(ctx context.Context, id string, enabled bool) error {
	_, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              aws.String(id),
		EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(enabled)},
	})
	if err != nil {
		return fmt.Errorf("failed to set DNS hostnames on %s: %w", id, err)
	}
	return nil
}

func (p *Provider) updateVpc(ctx context.Context, name string, desired *VpcConfig, prior *VpcState) (*VpcState, error) {
	if desired.EnableDnsHostnames != prior.EnableDnsHostnames {
		if err := p.setDNSHostnames(ctx, prior.ID, desired.EnableDnsHostnames); err != nil {
			return nil, err
		}
	}
	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &VpcState{ID: prior.ID, VpcConfig: *desired}, nil
}

func (p *Provider) readVpc(ctx context.Context, prior *VpcState) (*VpcState, bool, error) {
	resp, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{prior.ID}})
	if err != nil {
		return nil, false, err
	}
	if len(resp.Vpcs) == 0 {
		return nil, false, nil
	}
	state := *prior
	if cidr := resp.Vpcs[0].CidrBlock; cidr != nil {
		state.CidrBlock = *cidr
	}
	return &state, true, nil
}

func (p *Provider) deleteVpc(ctx context.Context, prior *VpcState) error {
	if prior.ID == "" {
		return nil
	}
	if _, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(prior.ID)}); err != nil {
		return fmt.Errorf("failed to delete VPC %s: %w", prior.ID, err)
	}
	clog.FromContext(ctx).Info("deleted VPC", "id", prior.ID)
	return nil
}

type SubnetConfig struct {
	VpcID               string            `json:"vpcId"`
	CidrBlock           string            `json:"cidrBlock"`
	AvailabilityZone    string            `json:"availabilityZone,omitempty"`
	MapPublicIpOnLaunch bool              `json:"mapPublicIpOnLaunch,omitempty"`
	Tags                map[string]string `json:"tags,omitempty"`
}

type SubnetState struct {
	ID   string `json:"id"`
	Zone string `json:"zone,omitempty"`
	SubnetConfig
}

func (p *Provider) createSubnet(ctx context.Context, name string, desired *SubnetConfig) (*SubnetState, error) {
	input := &ec2.CreateSubnetInput{
		VpcId:             aws.String(desired.VpcID),
		CidrBlock:         aws.String(desired.CidrBlock),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeSubnet, name, desired.Tags),
	}
	if desired.AvailabilityZone != "" {
		input.AvailabilityZone = aws.String(desired.AvailabilityZone)
	}

	resp, err := p.ec2Client.CreateSubnet(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubnetCreate, err)
	}
	if resp.Subnet == nil || resp.Subnet.SubnetId == nil {
		return nil, fmt.Errorf("%w: %w", ErrSubnetCreate, ErrNilID)
	}
	state := &SubnetState{
		ID:           *resp.Subnet.SubnetId,
		Zone:         aws.ToString(resp.Subnet.AvailabilityZone),
		SubnetConfig: *desired,
	}
	clog.FromContext(ctx).Info("created subnet", "id", state.ID, "zone", state.Zone)

	if desired.MapPublicIpOnLaunch {
		if err := p.setMapPublicIP(ctx, state.ID, true); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (p *Provider) setMapPublicIP(ctx context.Context, id string, enabled bool) error {
	_, err := p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
		SubnetId:            aws.String(id),
		MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(enabled)},
	})
	if err != nil {
		return fmt.Errorf("failed to set public IP mapping on %s: %w", id, err)
	}
	return nil
}

func (p *Provider) updateSubnet(ctx context.Context, name string, desired *SubnetConfig, prior *SubnetState) (*SubnetState, error) {
	if desired.MapPublicIpOnLaunch != prior.MapPublicIpOnLaunch {
		if err := p.setMapPublicIP(ctx, prior.ID, desired.MapPublicIpOnLaunch); err != nil {
			return nil, err
		}
	}
	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &SubnetState{ID: prior.ID, Zone: prior.Zone, SubnetConfig: *desired}, nil
}

func (p *Provider) readSubnet(ctx context.Context, prior *SubnetState) (*SubnetState, bool, error) {
	resp, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{SubnetIds: []string{prior.ID}})
	if err != nil {
		return nil, false, err
	}
	if len(resp.Subnets) == 0 {
		return nil, false, nil
	}
	state := *prior
	state.MapPublicIpOnLaunch = aws.ToBool(resp.Subnets[0].MapPublicIpOnLaunch)
	return &state, true, nil
}

func (p *Provider) deleteSubnet(ctx context.Context, prior *SubnetState) error {
	if prior.ID == "" {
		return nil
	}
	if _, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(prior.ID)}); err != nil {
		return fmt.Errorf("failed to delete subnet %s: %w", prior.ID, err)
	}
	clog.FromContext(ctx).Info("deleted subnet", "id", prior.ID)
	return nil
}

type InternetGatewayConfig struct {
	VpcID string            `json:"vpcId"`
	Tags  map[string]string `json:"tags,omitempty"`
}

type InternetGatewayState struct {
	ID string `json:"id"`
	InternetGatewayConfig
}

func (p *Provider) createInternetGateway(ctx context.Context, name string, desired *InternetGatewayConfig) (*InternetGatewayState, error) {
	resp, err := p.ec2Client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeInternetGateway, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIGWCreate, err)
	}
	if resp.InternetGateway == nil || resp.InternetGateway.InternetGatewayId == nil {
		return nil, fmt.Errorf("%w: %w", ErrIGWCreate, ErrNilID)
	}
	id := *resp.InternetGateway.InternetGatewayId

	if desired.VpcID != "" {
		if _, err := p.ec2Client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
			InternetGatewayId: aws.String(id),
			VpcId:             aws.String(desired.VpcID),
		}); err != nil {
			return nil, fmt.Errorf("failed to attach internet gateway %s to %s: %w", id, desired.VpcID, err)
		}
	}
	clog.FromContext(ctx).Info("created internet gateway", "id", id, "vpc", desired.VpcID)

	return &InternetGatewayState{ID: id, InternetGatewayConfig: *desired}, nil
}

func (p *Provider) updateInternetGateway(ctx context.Context, name string, desired *InternetGatewayConfig, prior *InternetGatewayState) (*InternetGatewayState, error) {
	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &InternetGatewayState{ID: prior.ID, InternetGatewayConfig: *desired}, nil
}

func (p *Provider) deleteInternetGateway(ctx context.Context, prior *InternetGatewayState) error {
	if prior.ID == "" {
		return nil
	}
	if prior.VpcID != "" {
		_, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: aws.String(prior.ID),
			VpcId:             aws.String(prior.VpcID),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach internet gateway %s: %w", prior.ID, err)
		}
	}
	if _, err := p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
		InternetGatewayId: aws.String(prior.ID),
	}); err != nil {
		return fmt.Errorf("failed to delete internet gateway %s: %w", prior.ID, err)
	}
	clog.FromContext(ctx).Info("deleted internet gateway", "id", prior.ID)
	return nil
}

type Route struct {
	DestinationCidrBlock string `json:"destinationCidrBlock"`
	GatewayID            string `json:"gatewayId"`
}

type RouteTableConfig struct {
	VpcID     string            `json:"vpcId"`
	Routes    []Route           `json:"routes,omitempty"`
	SubnetIDs []string          `json:"subnetIds,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

type RouteTableState struct {
	ID             string   `json:"id"`
	AssociationIDs []string `json:"associationIds,omitempty"`
	RouteTableConfig
}

func (p *Provider) createRouteTable(ctx context.Context, name string, desired *RouteTableConfig) (*RouteTableState, error) {
	log := clog.FromContext(ctx)

	resp, err := p.ec2Client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(desired.VpcID),
		TagSpecifications: tagSpecificationWithDefaults(types.ResourceTypeRouteTable, name, desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRouteTable, err)
	}
	if resp.RouteTable == nil || resp.RouteTable.RouteTableId == nil {
		return nil, fmt.Errorf("%w: %w", ErrRouteTable, ErrNilID)
	}
	state := &RouteTableState{ID: *resp.RouteTable.RouteTableId, RouteTableConfig: *desired}
	log.Info("created route table", "id", state.ID)

	for _, route := range desired.Routes {
		_, err := p.ec2Client.CreateRoute(ctx, &ec2.CreateRouteInput{
			RouteTableId:         aws.String(state.ID),
			DestinationCidrBlock: aws.String(route.DestinationCidrBlock),
			GatewayId:            aws.String(route.GatewayID),
		})
		if err != nil && !isAlreadyExists(err) {
			return nil, fmt.Errorf("failed to create route %s via %s: %w", route.DestinationCidrBlock, route.GatewayID, err)
		}
		log.Debug("created route", "destination", route.DestinationCidrBlock, "gateway", route.GatewayID)
	}

	for _, subnetID := range desired.SubnetIDs {
		assoc, err := p.ec2Client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: aws.String(state.ID),
			SubnetId:     aws.String(subnetID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to associate route table %s with %s: %w", state.ID, subnetID, err)
		}
		state.AssociationIDs = append(state.AssociationIDs, aws.ToString(assoc.AssociationId))
	}

	return state, nil
}

func (p *Provider) updateRouteTable(ctx context.Context, name string, desired *RouteTableConfig, prior *RouteTableState) (*RouteTableState, error) {
	if err := p.retagEC2(ctx, prior.ID, name, prior.Tags, desired.Tags); err != nil {
		return nil, err
	}
	return &RouteTableState{ID: prior.ID, AssociationIDs: prior.AssociationIDs, RouteTableConfig: *desired}, nil
}

func (p *Provider) deleteRouteTable(ctx context.Context, prior *RouteTableState) error {
	if prior.ID == "" {
		return nil
	}
	for _, assoc := range prior.AssociationIDs {
		_, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: aws.String(assoc)})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to disassociate route table %s: %w", prior.ID, err)
		}
	}
	if _, err := p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(prior.ID)}); err != nil {
		return fmt.Errorf("failed to delete route table %s: %w", prior.ID, err)
	}
	clog.FromContext(ctx).Info("deleted route table", "id", prior.ID)
	return nil
}
