package stack

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/lampstack/internal/bootstrap"
	"github.com/picklr-io/lampstack/internal/cloudinit"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/providers/aws"
)

// Output names.
const (
	OutputInstanceID = "instanceId"
	OutputPublicIP   = "publicIp"
	OutputURL        = "url"
	OutputSSH        = "ssh"
	OutputSecretARN  = "dbSecretArn"
	OutputLogGroup   = "logGroup"
)

const ec2AssumeRolePolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`

const ssmManagedPolicy = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

// SecretName is the Secrets Manager name of the database credentials.
func SecretName(stackName string) string {
	return "lampstack/" + ResourceName(stackName) + "/db"
}

// LogGroupName is where the bootstrap runner ships its log.
func LogGroupName(stackName string) string {
	return "/lampstack/" + ResourceName(stackName) + "/bootstrap"
}

// Manifest returns the bootstrap manifest for a stack, wired to the stack's
// database secret.
func Manifest(v ir.StackVars) *bootstrap.Manifest {
	m := bootstrap.DefaultManifest()
	m.Secrets["db_password"] = "secretsmanager://" + SecretName(v.Name) + "#password"
	return m
}

// UserData renders the cloud-init document for the stack's instance.
func UserData(v ir.StackVars) (string, error) {
	manifest, err := Manifest(v).Marshal()
	if err != nil {
		return "", err
	}
	ci, err := cloudinit.New(cloudinit.Bootstrap{
		RunnerURL:    v.RunnerURL,
		RunnerSHA256: v.RunnerSHA256,
		Manifest:     manifest,
		Region:       v.Region,
		LogGroup:     LogGroupName(v.Name),
	})
	if err != nil {
		return "", err
	}
	out, err := ci.Render()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func buildAWS(v ir.StackVars) (*generated, error) {
	name := ResourceName(v.Name)
	tags := map[string]string{"lampstack:stack": name}
	g := &generated{outputs: map[string]any{}}

	g.add(aws.TypeVpc, name, aws.VpcConfig{
		CidrBlock:          v.VpcCIDR,
		EnableDnsHostnames: true,
		Tags:               tags,
	})
	g.add(aws.TypeSubnet, name, aws.SubnetConfig{
		VpcID:               ref(aws.TypeVpc, name, "id"),
		CidrBlock:           v.SubnetCIDR,
		AvailabilityZone:    v.AvailabilityZone,
		MapPublicIpOnLaunch: true,
		Tags:                tags,
	})
	g.add(aws.TypeInternetGateway, name, aws.InternetGatewayConfig{
		VpcID: ref(aws.TypeVpc, name, "id"),
		Tags:  tags,
	})
	g.add(aws.TypeRouteTable, name, aws.RouteTableConfig{
		VpcID: ref(aws.TypeVpc, name, "id"),
		Routes: []aws.Route{{
			DestinationCidrBlock: anyIPv4,
			GatewayID:            ref(aws.TypeInternetGateway, name, "id"),
		}},
		SubnetIDs: []string{ref(aws.TypeSubnet, name, "id")},
		Tags:      tags,
	})
	g.add(aws.TypeSecurityGroup, name, aws.SecurityGroupConfig{
		Name:        name + "-web",
		Description: "lampstack " + name + ": ssh from operator, http and https from anywhere",
		VpcID:       ref(aws.TypeVpc, name, "id"),
		Ingress:     SecurityGroupRules(DefaultIngress(v.OperatorCIDR)),
		Tags:        tags,
	})

	secret := aws.SecretConfig{
		Name:                 SecretName(v.Name),
		Description:          "WordPress database credentials for " + name,
		Username:             "wordpress",
		PasswordLength:       32,
		ExcludePunctuation:   true,
		RecoveryWindowInDays: 7,
		Tags:                 tags,
	}
	if v.KMS {
		g.add(aws.TypeKey, name, aws.KeyConfig{
			Description:       "lampstack " + name + " secrets",
			Alias:             "lampstack-" + name,
			EnableKeyRotation: true,
			Tags:              tags,
		})
		secret.KmsKeyID = ref(aws.TypeKey, name, "arn")
	}
	g.add(aws.TypeSecret, name, secret)

	g.add(aws.TypeLogGroup, name, aws.LogGroupConfig{
		Name:            LogGroupName(v.Name),
		RetentionInDays: 14,
		Tags:            tags,
	})

	policy, err := instancePolicy(name, v.KMS)
	if err != nil {
		return nil, err
	}
	g.add(aws.TypeRole, name, aws.RoleConfig{
		Name:              name + "-instance",
		AssumeRolePolicy:  ec2AssumeRolePolicy,
		ManagedPolicyARNs: []string{ssmManagedPolicy},
		InlinePolicies:    map[string]string{"bootstrap": policy},
		Tags:              tags,
	})
	g.add(aws.TypeInstanceProfile, name, aws.InstanceProfileConfig{
		Name: name + "-instance",
		Role: ref(aws.TypeRole, name, "name"),
	})

	keyName := v.KeyName
	if v.PublicKey != "" {
		g.add(aws.TypeKeyPair, name, aws.KeyPairConfig{Name: v.KeyName, PublicKey: v.PublicKey, Tags: tags})
		keyName = ref(aws.TypeKeyPair, name, "name")
	}

	userData, err := UserData(v)
	if err != nil {
		return nil, &engine.ValidationError{Issues: []engine.Issue{{Address: "stack", Message: err.Error()}}}
	}
	g.add(aws.TypeParameter, name, aws.ParameterConfig{
		Name:        "/lampstack/" + name + "/manifest-hash",
		Type:        "String",
		Value:       Manifest(v).Hash(),
		Description: "hash of the bootstrap manifest delivered to the instance",
		Tags:        tags,
	})

	g.add(aws.TypeInstance, name, aws.InstanceConfig{
		AMI:                v.AMI,
		InstanceType:       v.InstanceType,
		SubnetID:           ref(aws.TypeSubnet, name, "id"),
		SecurityGroupIDs:   []string{ref(aws.TypeSecurityGroup, name, "id")},
		KeyName:            keyName,
		UserData:           userData,
		IAMInstanceProfile: ref(aws.TypeInstanceProfile, name, "name"),
		AssociatePublicIP:  true,
		RootVolumeSize:     v.VolumeSize,
		RootVolumeType:     v.VolumeType,
		Tags:               tags,
	},
		// The route to the internet gateway must exist before first boot,
		// when cloud-init downloads the runner. Nothing in the instance's
		// attributes refers to it.
		aws.TypeRouteTable+"."+name,
		aws.TypeLogGroup+"."+name,
		aws.TypeSecret+"."+name,
	)

	if v.AutoRecover {
		g.add(aws.TypeAlarm, name, aws.AlarmConfig{
			Name:               name + "-recover",
			Description:        "recover " + name + " when the system status check fails",
			Namespace:          "AWS/EC2",
			MetricName:         "StatusCheckFailed_System",
			Dimensions:         map[string]string{"InstanceId": ref(aws.TypeInstance, name, "id")},
			Statistic:          "Maximum",
			Period:             60,
			EvaluationPeriods:  2,
			Threshold:          1,
			ComparisonOperator: "GreaterThanOrEqualToThreshold",
			AlarmActions:       []string{aws.RecoverAction(v.Region)},
			Tags:               tags,
		})
	}

	publicIP := ref(aws.TypeInstance, name, "publicIp")
	host := embed(aws.TypeInstance, name, "publicIp")
	if v.ElasticIP {
		g.add(aws.TypeElasticIP, name, aws.ElasticIPConfig{
			InstanceID: ref(aws.TypeInstance, name, "id"),
			Tags:       tags,
		})
		publicIP = ref(aws.TypeElasticIP, name, "publicIp")
		host = embed(aws.TypeElasticIP, name, "publicIp")
	}
	if v.DomainName != "" {
		g.add(aws.TypeRecordSet, name, aws.RecordSetConfig{
			HostedZoneID: v.HostedZoneID,
			Name:         v.DomainName,
			Type:         "A",
			TTL:          300,
			Records:      []string{publicIP},
		})
		host = v.DomainName
	}

	g.outputs[OutputInstanceID] = ref(aws.TypeInstance, name, "id")
	g.outputs[OutputPublicIP] = publicIP
	g.outputs[OutputURL] = "http://" + host
	g.outputs[OutputSSH] = fmt.Sprintf("ssh %s@%s", v.SSHUser, host)
	g.outputs[OutputSecretARN] = ref(aws.TypeSecret, name, "arn")
	g.outputs[OutputLogGroup] = LogGroupName(v.Name)
	return g, nil
}

// instancePolicy lets the instance read its database secret and ship the
// bootstrap log. Resource ARNs are embedded references so the policy is
// scoped to this stack.
func instancePolicy(name string, kms bool) (string, error) {
	type statement struct {
		Effect   string   `json:"Effect"`
		Action   []string `json:"Action"`
		Resource []string `json:"Resource"`
	}
	statements := []statement{
		{
			Effect:   "Allow",
			Action:   []string{"secretsmanager:GetSecretValue"},
			Resource: []string{embed(aws.TypeSecret, name, "arn")},
		},
		{
			Effect:   "Allow",
			Action:   []string{"logs:CreateLogStream", "logs:PutLogEvents"},
			// The log group ARN already ends in ":*", covering its streams.
			Resource: []string{embed(aws.TypeLogGroup, name, "arn")},
		},
	}
	if kms {
		statements = append(statements, statement{
			Effect:   "Allow",
			Action:   []string{"kms:Decrypt"},
			Resource: []string{embed(aws.TypeKey, name, "arn")},
		})
	}
	b, err := json.Marshal(map[string]any{"Version": "2012-10-17", "Statement": statements})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
