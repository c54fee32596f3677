package stack

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/lampstack/internal/bootstrap"
	"github.com/picklr-io/lampstack/internal/cloudinit"
	"github.com/picklr-io/lampstack/internal/engine"
	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/providers/aws"
	"github.com/picklr-io/lampstack/providers/docker"
)

const runnerSum = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func blogVars() *ir.StackVars {
	return &ir.StackVars{
		Name:         "My Blog",
		Region:       "eu-west-1",
		OperatorCIDR: "203.0.113.7/32",
		AMI:          "ami-0123456789abcdef0",
		RunnerURL:    "https://releases.example.com/lampstack-boot",
		RunnerSHA256: runnerSum,
	}
}

func addresses(cfg *ir.Config) []string {
	out := make([]string, len(cfg.Resources))
	for i, r := range cfg.Resources {
		out[i] = r.Address()
	}
	return out
}

func find(t *testing.T, cfg *ir.Config, addr string) *ir.Resource {
	t.Helper()
	for _, r := range cfg.Resources {
		if r.Address() == addr {
			return r
		}
	}
	t.Fatalf("no resource %s", addr)
	return nil
}

func TestExpand_Defaults(t *testing.T) {
	cfg, err := Expand(&ir.Config{Stack: blogVars()})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"aws:EC2.Vpc.my-blog",
		"aws:EC2.Subnet.my-blog",
		"aws:EC2.InternetGateway.my-blog",
		"aws:EC2.RouteTable.my-blog",
		"aws:EC2.SecurityGroup.my-blog",
		"aws:SecretsManager.Secret.my-blog",
		"aws:Logs.LogGroup.my-blog",
		"aws:IAM.Role.my-blog",
		"aws:IAM.InstanceProfile.my-blog",
		"aws:SSM.Parameter.my-blog",
		"aws:EC2.Instance.my-blog",
	}, addresses(cfg))
	assert.Equal(t, "eu-west-1", cfg.Providers["aws"].Region)

	vpc := find(t, cfg, "aws:EC2.Vpc.my-blog")
	assert.Equal(t, DefaultVpcCIDR, vpc.Properties["cidrBlock"])
	subnet := find(t, cfg, "aws:EC2.Subnet.my-blog")
	assert.Equal(t, DefaultSubnetCIDR, subnet.Properties["cidrBlock"])
	assert.Equal(t, "ptr://aws:EC2.Vpc/my-blog/id", subnet.Properties["vpcId"])

	instance := find(t, cfg, "aws:EC2.Instance.my-blog")
	assert.Equal(t, DefaultInstanceType, instance.Properties["instanceType"])
	assert.EqualValues(t, DefaultVolumeSize, instance.Properties["rootVolumeSize"])
	assert.Equal(t, DefaultVolumeType, instance.Properties["rootVolumeType"])
	assert.Contains(t, instance.DependsOn, "aws:EC2.RouteTable.my-blog")
	_, hasKey := instance.Properties["keyName"]
	assert.False(t, hasKey)

	assert.Equal(t, "ptr://aws:EC2.Instance/my-blog/publicIp", cfg.Outputs[OutputPublicIP])
	assert.Equal(t, "http://${ptr://aws:EC2.Instance/my-blog/publicIp}", cfg.Outputs[OutputURL])
	assert.Equal(t, "ssh ubuntu@${ptr://aws:EC2.Instance/my-blog/publicIp}", cfg.Outputs[OutputSSH])
}

func TestExpand_PassesEngineValidation(t *testing.T) {
	vars := blogVars()
	vars.PublicKey = "ssh-ed25519 AAAAC3Nza operator"
	vars.ElasticIP = true
	vars.KMS = true
	vars.DomainName = "blog.example.com"
	vars.HostedZoneID = "Z123"
	vars.AutoRecover = true
	cfg, err := Expand(&ir.Config{Stack: vars})
	require.NoError(t, err)

	for _, r := range cfg.Resources {
		r.Provider = "aws"
	}
	require.NoError(t, engine.Validate(cfg, cfg.Resources))
	_, err = engine.BuildDAG(cfg.Resources)
	require.NoError(t, err)
}

func TestExpand_Optional(t *testing.T) {
	vars := blogVars()
	vars.PublicKey = "ssh-ed25519 AAAAC3Nza operator"
	vars.ElasticIP = true
	vars.KMS = true
	vars.DomainName = "blog.example.com"
	vars.HostedZoneID = "Z123"
	vars.AutoRecover = true

	cfg, err := Expand(&ir.Config{Stack: vars})
	require.NoError(t, err)

	key := find(t, cfg, "aws:EC2.KeyPair.my-blog")
	assert.Equal(t, "my-blog", key.Properties["name"])
	instance := find(t, cfg, "aws:EC2.Instance.my-blog")
	assert.Equal(t, "ptr://aws:EC2.KeyPair/my-blog/name", instance.Properties["keyName"])

	secret := find(t, cfg, "aws:SecretsManager.Secret.my-blog")
	assert.Equal(t, "ptr://aws:KMS.Key/my-blog/arn", secret.Properties["kmsKeyId"])
	role := find(t, cfg, "aws:IAM.Role.my-blog")
	policy := role.Properties["inlinePolicies"].(map[string]any)["bootstrap"].(string)
	assert.Contains(t, policy, "kms:Decrypt")
	assert.Contains(t, policy, "${ptr://aws:SecretsManager.Secret/my-blog/arn}")

	eip := find(t, cfg, "aws:EC2.ElasticIP.my-blog")
	assert.Equal(t, "ptr://aws:EC2.Instance/my-blog/id", eip.Properties["instanceId"])
	record := find(t, cfg, "aws:Route53.RecordSet.my-blog")
	assert.Equal(t, []any{"ptr://aws:EC2.ElasticIP/my-blog/publicIp"}, record.Properties["records"])

	alarm := find(t, cfg, "aws:CloudWatch.Alarm.my-blog")
	assert.Equal(t, "StatusCheckFailed_System", alarm.Properties["metricName"])
	assert.Equal(t, map[string]any{"InstanceId": "ptr://aws:EC2.Instance/my-blog/id"}, alarm.Properties["dimensions"])
	assert.Equal(t, []any{"arn:aws:automate:eu-west-1:ec2:recover"}, alarm.Properties["alarmActions"])

	assert.Equal(t, "http://blog.example.com", cfg.Outputs[OutputURL])
	assert.Equal(t, "ptr://aws:EC2.ElasticIP/my-blog/publicIp", cfg.Outputs[OutputPublicIP])
}

func TestExpand_KeepsDeclaredResourcesAndOutputs(t *testing.T) {
	in := &ir.Config{
		Stack:     blogVars(),
		Providers: map[string]ir.ProviderConfig{"aws": {Region: "us-west-2", Profile: "ops"}},
		Resources: []*ir.Resource{{Type: "null_resource", Name: "marker"}},
		Outputs:   map[string]any{OutputURL: "https://override"},
	}
	cfg, err := Expand(in)
	require.NoError(t, err)

	assert.Equal(t, "null_resource.marker", cfg.Resources[0].Address())
	assert.Equal(t, "https://override", cfg.Outputs[OutputURL])
	assert.Equal(t, "us-west-2", cfg.Providers["aws"].Region)
	assert.Len(t, in.Resources, 1, "input must not be modified")
	assert.Len(t, in.Outputs, 1)
}

func TestExpand_NoTemplate(t *testing.T) {
	in := &ir.Config{Resources: []*ir.Resource{{Name: "x"}}}
	cfg, err := Expand(in)
	require.NoError(t, err)
	assert.Same(t, in, cfg)
}

func TestExpand_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *ir.StackVars)
		want   string
	}{
		{"name", func(v *ir.StackVars) { v.Name = "!!" }, "name is required"},
		{"ami", func(v *ir.StackVars) { v.AMI = "" }, "ami is required"},
		{"subnet outside vpc", func(v *ir.StackVars) { v.SubnetCIDR = "10.1.0.0/24" }, "not inside vpcCidr"},
		{"operator missing", func(v *ir.StackVars) { v.OperatorCIDR = "" }, "operatorCidr is required"},
		{"operator invalid", func(v *ir.StackVars) { v.OperatorCIDR = "203.0.113.7" }, "operatorCidr"},
		{"runner url", func(v *ir.StackVars) { v.RunnerURL = "http://insecure" }, "https"},
		{"checksum", func(v *ir.StackVars) { v.RunnerSHA256 = "abc" }, "sha256"},
		{"domain without zone", func(v *ir.StackVars) { v.DomainName = "blog.example.com" }, "hostedZoneId"},
		{"small volume", func(v *ir.StackVars) { v.VolumeSize = 4 }, "volumeSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := blogVars()
			tt.mutate(vars)
			_, err := Expand(&ir.Config{Stack: vars})
			var verr *engine.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUserData(t *testing.T) {
	vars, err := withDefaults(*blogVars())
	require.NoError(t, err)
	data, err := UserData(vars)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "#cloud-config\n"))

	ci, err := cloudinit.Parse([]byte(data))
	require.NoError(t, err)
	var manifest string
	for _, f := range ci.WriteFiles {
		if f.Path == cloudinit.ManifestPath {
			manifest = f.Content
		}
	}
	require.NotEmpty(t, manifest)

	m, err := bootstrap.ParseManifest([]byte(manifest))
	require.NoError(t, err)
	assert.Equal(t, "secretsmanager://lampstack/my-blog/db#password", m.Secrets["db_password"])
	assert.Contains(t, strings.Join(ci.RunCmd, "\n"), "--log-group /lampstack/my-blog/bootstrap")
	assert.Contains(t, strings.Join(ci.RunCmd, "\n"), "--region eu-west-1")
}

func TestDefaultIngress(t *testing.T) {
	fw := DefaultIngress("203.0.113.0/28")
	operator := netip.MustParseAddr("203.0.113.7")
	stranger := netip.MustParseAddr("198.51.100.20")

	tests := []struct {
		name  string
		proto string
		port  int
		addr  netip.Addr
		want  bool
	}{
		{"ssh from operator", "tcp", PortSSH, operator, true},
		{"ssh from elsewhere", "tcp", PortSSH, stranger, false},
		{"http from anywhere", "tcp", PortHTTP, stranger, true},
		{"https from anywhere", "tcp", PortHTTPS, stranger, true},
		{"mysql is closed", "tcp", 3306, operator, false},
		{"udp 80 is closed", "udp", PortHTTP, stranger, false},
		{"mapped v4 address", "tcp", PortSSH, netip.MustParseAddr("::ffff:203.0.113.7"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fw.Permits(tt.proto, tt.port, tt.addr))
		})
	}

	assert.False(t, DefaultIngress("garbage").Permits("tcp", PortSSH, operator))
}

func TestFirewallFromRules(t *testing.T) {
	rules := SecurityGroupRules(DefaultIngress("203.0.113.7/32"))
	assert.Equal(t, []string{"203.0.113.7/32"}, rules[0].CidrBlocks)

	fw, err := FirewallFromRules(append(rules, aws.SecurityGroupRule{Protocol: "-1", CidrBlocks: []string{"10.0.0.0/16"}}))
	require.NoError(t, err)
	assert.True(t, fw.Permits("udp", 53, netip.MustParseAddr("10.0.4.4")))
	assert.False(t, fw.Permits("tcp", PortSSH, netip.MustParseAddr("198.51.100.1")))

	_, err = FirewallFromRules([]aws.SecurityGroupRule{{Protocol: "tcp", CidrBlocks: []string{"nope"}}})
	assert.Error(t, err)
}

func TestExpand_Sandbox(t *testing.T) {
	cfg, err := Expand(&ir.Config{Sandbox: &ir.SandboxVars{
		Name:       "blog",
		Runner:     "bin/lampstack-boot",
		Manifest:   "/srv/manifest.yaml",
		DBPassword: "local-only",
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"docker_network.blog-sandbox",
		"docker_volume.blog-sandbox",
		"docker_image.blog-sandbox",
		"docker_container.blog-sandbox",
	}, addresses(cfg))

	c := find(t, cfg, docker.TypeContainer+".blog-sandbox")
	assert.Equal(t, []any{
		"./bin/lampstack-boot:" + cloudinit.RunnerPath + ":ro",
		"/srv/manifest.yaml:" + cloudinit.ManifestPath + ":ro",
		"${ptr://docker_volume/blog-sandbox/name}:" + cloudinit.StateDir,
	}, c.Properties["volumes"])
	assert.Equal(t, map[string]any{"8080": float64(PortHTTP)}, c.Properties["ports"])
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Outputs[OutputURL])

	_, err = Expand(&ir.Config{Sandbox: &ir.SandboxVars{Name: "blog"}})
	assert.ErrorContains(t, err, "runner")

	_, err = Expand(&ir.Config{Stack: blogVars(), Sandbox: &ir.SandboxVars{Name: "x"}})
	assert.ErrorContains(t, err, "mutually exclusive")
}
