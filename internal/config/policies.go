package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"atp/internal/policy"
)

// PolicySpec is one entry of the security-policy definitions file.
type PolicySpec struct {
	Type string `yaml:"type"`

	// exfiltration_prevention
	SendTools       []string `yaml:"sendTools,omitempty"`
	DestinationArgs []string `yaml:"destinationArgs,omitempty"`

	// user_origin
	CriticalTools []string `yaml:"criticalTools,omitempty"`
	CriticalArgs  []string `yaml:"criticalArgs,omitempty"`
}

type policiesFile struct {
	Policies []PolicySpec `yaml:"policies"`
}

// LoadPolicies reads the YAML definitions and builds the ordered policy
// list. An empty path yields the default set.
func LoadPolicies(path string) ([]policy.Policy, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies %s: %w", path, err)
	}
	var file policiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policies %s: %w", path, err)
	}
	return BuildPolicies(file.Policies)
}

// BuildPolicies turns specs into policies, preserving order.
func BuildPolicies(specs []PolicySpec) ([]policy.Policy, error) {
	out := make([]policy.Policy, 0, len(specs))
	for i, spec := range specs {
		switch spec.Type {
		case "exfiltration_prevention":
			out = append(out, policy.NewExfiltrationPrevention(policy.ExfiltrationOptions{
				SendTools:       spec.SendTools,
				DestinationArgs: spec.DestinationArgs,
			}))
		case "user_origin":
			out = append(out, policy.NewUserOriginRequirement(policy.UserOriginOptions{
				CriticalTools: spec.CriticalTools,
				CriticalArgs:  spec.CriticalArgs,
			}))
		case "llm_recipient":
			out = append(out, policy.NewLLMRecipientBlock())
		default:
			return nil, fmt.Errorf("policy %d: unknown type %q", i, spec.Type)
		}
	}
	return out, nil
}

// DefaultPolicies is the set a server gets with no definitions file.
func DefaultPolicies() []policy.Policy {
	return []policy.Policy{
		policy.NewExfiltrationPrevention(policy.ExfiltrationOptions{}),
		policy.NewLLMRecipientBlock(),
	}
}
