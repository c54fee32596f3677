package ir

// Config represents the top-level desired state.
type Config struct {
	Stack     *StackVars                `pkl:"stack" yaml:"stack,omitempty" json:"stack,omitempty"`
	Sandbox   *SandboxVars              `pkl:"sandbox" yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	Providers map[string]ProviderConfig `pkl:"providers" yaml:"providers,omitempty" json:"providers,omitempty"`
	Resources []*Resource               `pkl:"resources" yaml:"resources,omitempty" json:"resources,omitempty"`
	Outputs   map[string]any            `pkl:"outputs" yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ProviderConfig configures a provider. A non-empty Address dials an
// out-of-process provider over gRPC instead of using the built-in one.
type ProviderConfig struct {
	Address string `pkl:"address" yaml:"address,omitempty" json:"address,omitempty"`
	Region  string `pkl:"region" yaml:"region,omitempty" json:"region,omitempty"`
	Profile string `pkl:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
}

// StackVars are the operator-supplied attribute bundles for the LAMP stack
// template. See internal/stack for defaults.
type StackVars struct {
	Name             string `pkl:"name" yaml:"name" json:"name"`
	Region           string `pkl:"region" yaml:"region,omitempty" json:"region,omitempty"`
	VpcCIDR          string `pkl:"vpcCidr" yaml:"vpcCidr,omitempty" json:"vpcCidr,omitempty"`
	SubnetCIDR       string `pkl:"subnetCidr" yaml:"subnetCidr,omitempty" json:"subnetCidr,omitempty"`
	AvailabilityZone string `pkl:"availabilityZone" yaml:"availabilityZone,omitempty" json:"availabilityZone,omitempty"`
	OperatorCIDR     string `pkl:"operatorCidr" yaml:"operatorCidr" json:"operatorCidr"`
	InstanceType     string `pkl:"instanceType" yaml:"instanceType,omitempty" json:"instanceType,omitempty"`
	AMI              string `pkl:"ami" yaml:"ami" json:"ami"`
	SSHUser          string `pkl:"sshUser" yaml:"sshUser,omitempty" json:"sshUser,omitempty"`
	KeyName          string `pkl:"keyName" yaml:"keyName,omitempty" json:"keyName,omitempty"`
	PublicKey        string `pkl:"publicKey" yaml:"publicKey,omitempty" json:"publicKey,omitempty"`
	VolumeSize       int    `pkl:"volumeSize" yaml:"volumeSize,omitempty" json:"volumeSize,omitempty"`
	VolumeType       string `pkl:"volumeType" yaml:"volumeType,omitempty" json:"volumeType,omitempty"`
	RunnerURL        string `pkl:"runnerUrl" yaml:"runnerUrl" json:"runnerUrl"`
	RunnerSHA256     string `pkl:"runnerSha256" yaml:"runnerSha256" json:"runnerSha256"`
	DomainName       string `pkl:"domainName" yaml:"domainName,omitempty" json:"domainName,omitempty"`
	HostedZoneID     string `pkl:"hostedZoneId" yaml:"hostedZoneId,omitempty" json:"hostedZoneId,omitempty"`
	ElasticIP        bool   `pkl:"elasticIp" yaml:"elasticIp,omitempty" json:"elasticIp,omitempty"`
	KMS              bool   `pkl:"kms" yaml:"kms,omitempty" json:"kms,omitempty"`
	AutoRecover      bool   `pkl:"autoRecover" yaml:"autoRecover,omitempty" json:"autoRecover,omitempty"`
}

// SandboxVars describe a local Docker container that runs the bootstrap
// runner against a manifest, for trying manifests without AWS.
type SandboxVars struct {
	Name       string `pkl:"name" yaml:"name" json:"name"`
	Image      string `pkl:"image" yaml:"image,omitempty" json:"image,omitempty"`
	Runner     string `pkl:"runner" yaml:"runner" json:"runner"`
	Manifest   string `pkl:"manifest" yaml:"manifest" json:"manifest"`
	Port       int    `pkl:"port" yaml:"port,omitempty" json:"port,omitempty"`
	DBPassword string `pkl:"dbPassword" yaml:"dbPassword,omitempty" json:"dbPassword,omitempty"`
}
