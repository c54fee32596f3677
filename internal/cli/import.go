package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/ir"
	pb "github.com/picklr-io/lampstack/pkg/provider"
)

var importProvider string

var importCmd = &cobra.Command{
	Use:   "import <resource-address> <cloud-id>",
	Short: "Import existing infrastructure into lampstack state",
	Long: `Imports an existing resource into the state.

This does not generate configuration: declare the resource under the same
address so lampstack manages it going forward instead of creating a new one.
Useful to adopt a key pair or hosted zone record made by hand.

Example:
  lampstack import aws:EC2.KeyPair.deploy key-0123456789abcdef0`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importProvider, "provider", "", "Provider serving the resource (default: from the type)")
}

// splitAddress splits "aws:EC2.Vpc.main" into type and name.
func splitAddress(addr string) (typ, name string, err error) {
	i := strings.LastIndex(addr, ".")
	if i <= 0 || i == len(addr)-1 {
		return "", "", fmt.Errorf("invalid resource address %q, expected format type.name", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// typeProvider derives the provider from a resource type:
// "aws:EC2.Vpc" -> aws, "docker_container" -> docker.
func typeProvider(typ string) string {
	if i := strings.Index(typ, ":"); i > 0 {
		return typ[:i]
	}
	if i := strings.Index(typ, "_"); i > 0 {
		return typ[:i]
	}
	return "null"
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	addr, cloudID := args[0], args[1]
	resourceType, resourceName, err := splitAddress(addr)
	if err != nil {
		return err
	}
	providerName := importProvider
	if providerName == "" {
		providerName = typeProvider(resourceType)
	}

	p, err := openProject(nil)
	if err != nil {
		return err
	}
	cfg, err := p.optionalConfig(ctx)
	if err != nil {
		return err
	}
	backend, err := p.backend(ctx)
	if err != nil {
		return err
	}

	return withLock(ctx, backend, func() error {
		current, err := backend.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read state: %w", err)
		}
		if current.Find(addr) != nil {
			return fmt.Errorf("resource %s already exists in state", addr)
		}

		_, registry := p.engine()
		defer registry.Close()
		if err := registry.LoadProvider(ctx, providerName, providersOf(cfg)[providerName]); err != nil {
			return err
		}
		prov, err := registry.Get(providerName)
		if err != nil {
			return err
		}

		fmt.Printf("Importing %s (id: %s)...\n", addr, cloudID)
		resp, err := prov.Read(ctx, &pb.ReadRequest{Type: resourceType, ID: cloudID})
		if err != nil {
			return fmt.Errorf("failed to read resource from provider: %w", err)
		}
		if !resp.Exists {
			return fmt.Errorf("resource %s with id %s does not exist", resourceType, cloudID)
		}

		outputs := map[string]any{}
		if len(resp.NewStateJSON) > 0 {
			if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
				return fmt.Errorf("failed to parse provider response: %w", err)
			}
		}
		if _, ok := outputs["id"]; !ok {
			outputs["id"] = cloudID
		}

		current.Resources = append(current.Resources, &ir.ResourceState{
			Type:     resourceType,
			Name:     resourceName,
			Provider: providerName,
			Outputs:  outputs,
		})
		current.Serial++
		if err := backend.Write(ctx, current); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
		writeAuditLog(ctx, p.stateDir(), AuditEntry{Operation: "import", Changes: []AuditChange{{Address: addr, Action: "IMPORT"}}})

		fmt.Printf("Successfully imported %s\n", addr)
		fmt.Println("Note: declare the resource in your configuration under the same address.")
		return nil
	})
}
