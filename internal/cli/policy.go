package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/lampstack/internal/ir"
	"github.com/picklr-io/lampstack/internal/stack"
	"github.com/picklr-io/lampstack/providers/aws"
)

var (
	policyFile string
)

var policyCmd = &cobra.Command{
	Use:   "policy-check <plan-file>",
	Short: "Check a plan against policy rules",
	Long: `Evaluates a saved plan against policy rules defined in a JSON policy file.

Without a policy file the built-in rules apply: ssh must not be reachable
from the internet, and the database must not be exposed.

Conditions:
  deny_action          the change action equals value
  property_equals      property equals value
  property_not_equals  property is set and differs from value
  require_property     property is set on creates and updates
  public_port          a security group admits tcp port value from the internet

Example policy file:
  {
    "rules": [
      {
        "name": "no-public-ssh",
        "description": "ssh is reachable from the operator network only",
        "resource_type": "aws:EC2.SecurityGroup",
        "condition": "public_port",
        "value": "22",
        "severity": "error"
      }
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.Flags().StringVarP(&policyFile, "policy", "p", "", "Path to policy file (default <state dir>/policies.json)")
}

// PolicyFile represents a collection of policy rules.
type PolicyFile struct {
	Rules []PolicyRule `json:"rules"`
}

// PolicyRule defines a single policy check.
type PolicyRule struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ResourceType string `json:"resource_type"` // empty = all types
	Condition    string `json:"condition"`
	Property     string `json:"property"`
	Value        string `json:"value"`
	Severity     string `json:"severity"` // "error", "warning"
}

// PolicyViolation represents a policy check failure.
type PolicyViolation struct {
	Rule     PolicyRule
	Resource string
	Message  string
}

// DefaultPolicies apply when no policy file exists.
var DefaultPolicies = PolicyFile{Rules: []PolicyRule{
	{
		Name:         "no-public-ssh",
		Description:  "ssh is reachable from the operator network only",
		ResourceType: aws.TypeSecurityGroup,
		Condition:    "public_port",
		Value:        "22",
		Severity:     "error",
	},
	{
		Name:         "no-public-mysql",
		Description:  "the database listens on the host only",
		ResourceType: aws.TypeSecurityGroup,
		Condition:    "public_port",
		Value:        "3306",
		Severity:     "error",
	},
}}

// internetProbe stands for "anyone on the internet" when evaluating ingress.
var internetProbe = netip.MustParseAddr("198.51.100.77")

func loadPolicies(path string, explicit bool) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return &DefaultPolicies, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	var policies PolicyFile
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return &policies, nil
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	plan, ok, err := readPlanFile(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a saved plan", args[0])
	}

	path, explicit := policyFile, policyFile != ""
	if !explicit {
		p, err := openProject(nil)
		if err != nil {
			return err
		}
		path = filepath.Join(p.stateDir(), "policies.json")
	}
	policies, err := loadPolicies(path, explicit)
	if err != nil {
		return err
	}

	violations := evaluatePolicies(plan, policies)

	errs, warnings := 0, 0
	reset := colorize(colorReset)
	for _, v := range violations {
		severity := strings.ToUpper(v.Rule.Severity)
		if severity == "" || severity == "ERROR" {
			errs++
			fmt.Printf("%s[ERROR]%s %s: %s\n", colorize(colorRed), reset, v.Rule.Name, v.Message)
		} else {
			warnings++
			fmt.Printf("%s[WARN]%s %s: %s\n", colorize(colorYellow), reset, v.Rule.Name, v.Message)
		}
	}

	fmt.Printf("\nPolicy check complete: %d error(s), %d warning(s)\n", errs, warnings)
	if errs > 0 {
		return fmt.Errorf("policy check failed with %d error(s)", errs)
	}
	return nil
}

func evaluatePolicies(plan *ir.Plan, policies *PolicyFile) []PolicyViolation {
	var violations []PolicyViolation
	add := func(rule PolicyRule, addr, format string, args ...any) {
		violations = append(violations, PolicyViolation{Rule: rule, Resource: addr, Message: fmt.Sprintf(format, args...)})
	}

	for _, rule := range policies.Rules {
		for _, change := range plan.Changes {
			resourceType, _ := changeType(change)
			if rule.ResourceType != "" && resourceType != rule.ResourceType {
				continue
			}

			var props map[string]any
			if change.Desired != nil {
				props = change.Desired.Properties
			}

			switch rule.Condition {
			case "deny_action":
				if strings.EqualFold(change.Action, rule.Value) {
					add(rule, change.Address, "Resource %s: action %s is denied by policy %q", change.Address, change.Action, rule.Description)
				}

			case "property_equals":
				if val, ok := props[rule.Property]; ok && fmt.Sprintf("%v", val) == rule.Value {
					add(rule, change.Address, "Resource %s: property %s=%v violates policy %q", change.Address, rule.Property, val, rule.Description)
				}

			case "property_not_equals":
				if val, ok := props[rule.Property]; ok && fmt.Sprintf("%v", val) != rule.Value {
					add(rule, change.Address, "Resource %s: property %s=%v violates policy %q (expected %s)", change.Address, rule.Property, val, rule.Description, rule.Value)
				}

			case "require_property":
				if props != nil && (change.Action == ir.ActionCreate || change.Action == ir.ActionUpdate) {
					if _, ok := props[rule.Property]; !ok {
						add(rule, change.Address, "Resource %s: missing required property %q per policy %q", change.Address, rule.Property, rule.Description)
					}
				}

			case "public_port":
				if props == nil || change.Action == ir.ActionDelete {
					continue
				}
				port, err := strconv.Atoi(rule.Value)
				if err != nil {
					add(rule, change.Address, "policy %s: invalid port %q", rule.Name, rule.Value)
					continue
				}
				fw, err := ingressOf(props)
				if err != nil {
					add(rule, change.Address, "Resource %s: cannot evaluate ingress: %v", change.Address, err)
					continue
				}
				if fw.Permits("tcp", port, internetProbe) {
					add(rule, change.Address, "Resource %s: tcp port %d is open to the internet, violating policy %q", change.Address, port, rule.Description)
				}
			}
		}
	}

	return violations
}

// ingressOf decodes the ingress rules of a security group's properties.
func ingressOf(props map[string]any) (stack.Firewall, error) {
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	var sg struct {
		Ingress []aws.SecurityGroupRule `json:"ingress"`
	}
	if err := json.Unmarshal(raw, &sg); err != nil {
		return nil, err
	}
	return stack.FirewallFromRules(sg.Ingress)
}
