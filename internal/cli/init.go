package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/stack"
)

var initSandbox bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Initialize a new lampstack project",
	Long: `Creates stack.yaml with a LAMP stack template and the state directory.

With --sandbox the template runs the bootstrap in a local Docker container
instead of on AWS.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initSandbox, "sandbox", false, "Create a local Docker sandbox template")
}

const stackTemplate = `# lampstack configuration. Run 'lampstack plan' to see what it creates.
stack:
  name: %s
  region: %s
  vpcCidr: %s
  subnetCidr: %s
  # Only this network may reach port 22.
  operatorCidr: 203.0.113.10/32
  instanceType: %s
  ami: ami-0123456789abcdef0
  volumeSize: %d
  # Release of lampstack-boot fetched by cloud-init, and its sha256.
  runnerUrl: https://example.com/lampstack-boot
  runnerSha256: ""
  # Move the instance to healthy hardware when its system status check fails.
  autoRecover: true

outputs: {}
`

const sandboxTemplate = `# lampstack sandbox: runs the bootstrap manifest in a local container.
sandbox:
  name: %s
  runner: ./bin/lampstack-boot
  manifest: ./manifest.yaml
  port: %d
`

func runInit(cmd *cobra.Command, args []string) error {
	p, err := openProject(nil)
	if err != nil {
		return err
	}
	name := filepath.Base(p.dir)
	if len(args) > 0 {
		name = args[0]
	}
	name = stack.ResourceName(name)

	if err := os.MkdirAll(p.stateDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", p.stateDir(), err)
	}

	path := filepath.Join(p.dir, "stack.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("%s already exists, leaving it alone\n", path)
	} else if errors.Is(err, fs.ErrNotExist) {
		content := fmt.Sprintf(stackTemplate, name, stack.DefaultRegion, stack.DefaultVpcCIDR, stack.DefaultSubnetCIDR,
			stack.DefaultInstanceType, stack.DefaultVolumeSize)
		if initSandbox {
			content = fmt.Sprintf(sandboxTemplate, name, stack.DefaultSandboxPort)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		fmt.Printf("Created %s\n", path)
	} else {
		return err
	}

	fmt.Println("\nlampstack initialized successfully!")
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit stack.yaml: set operatorCidr, ami and the runner checksum")
	fmt.Println("  2. Run 'lampstack plan' to see what will be created")
	fmt.Println("  3. Run 'lampstack apply' to create your infrastructure")
	return nil
}
