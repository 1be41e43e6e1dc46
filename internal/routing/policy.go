// Package routing selects an agent and billing mode per task under
// subscription-first, rate-limited fallback rules.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Billing modes a decision can carry.
const (
	BillingSubscription = "subscription"
	BillingAPI          = "api"
	BillingUnavailable  = "unavailable"
)

// Billing preferences the default policy block accepts.
const (
	PreferSubscriptionFirst = "subscription_first"
	PreferAPIOnly           = "api_only"
	PreferSubscriptionOnly  = "subscription_only"
)

// Policy is a validated routing policy document.
type Policy struct {
	Providers map[string]ProviderPolicy `yaml:"providers" json:"providers"`
	TaskTypes map[string]TaskTypePolicy `yaml:"task_types" json:"task_types"`
	Default   DefaultPolicy             `yaml:"default" json:"default"`
}

// ProviderPolicy declares one provider's routing surface.
type ProviderPolicy struct {
	Enabled             bool              `yaml:"enabled" json:"enabled"`
	SubscriptionRouting bool              `yaml:"subscription_routing" json:"subscription_routing"`
	MaxConcurrent       int               `yaml:"max_concurrent" json:"max_concurrent"`
	RateLimit           *RateLimitPolicy  `yaml:"rate_limit" json:"rate_limit,omitempty"`
	APIBilling          *APIBillingPolicy `yaml:"api_billing" json:"api_billing,omitempty"`
}

// RateLimitPolicy bounds a provider's subscription window.
type RateLimitPolicy struct {
	TokensPerWindow int64 `yaml:"tokens_per_window" json:"tokens_per_window"`
	WindowSeconds   int64 `yaml:"window_seconds" json:"window_seconds"`
}

// APIBillingPolicy enables paid per-token dispatch through an env-var credential.
type APIBillingPolicy struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

// TaskTypePolicy orders agents for one task type.
type TaskTypePolicy struct {
	PreferredAgents  []string          `yaml:"preferred_agents" json:"preferred_agents"`
	ModelPreferences map[string]string `yaml:"model_preferences" json:"model_preferences,omitempty"`
}

// DefaultPolicy applies when a task's type has no block of its own.
type DefaultPolicy struct {
	PreferredAgents   []string `yaml:"preferred_agents" json:"preferred_agents"`
	BillingPreference string   `yaml:"billing_preference" json:"billing_preference"`
}

// PolicyError is one schema or cross-reference violation, located by
// JSON path.
type PolicyError struct {
	Path    string
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// PolicyErrors aggregates every violation found in one load.
type PolicyErrors []*PolicyError

func (e PolicyErrors) Error() string {
	msgs := make([]string, len(e))
	for i, pe := range e {
		msgs[i] = pe.Error()
	}
	return "invalid routing policy: " + strings.Join(msgs, "; ")
}

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["providers", "default"],
  "properties": {
    "providers": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["enabled"],
        "properties": {
          "enabled": {"type": "boolean"},
          "subscription_routing": {"type": "boolean"},
          "max_concurrent": {"type": "integer", "minimum": 1},
          "rate_limit": {
            "type": "object",
            "additionalProperties": false,
            "required": ["tokens_per_window", "window_seconds"],
            "properties": {
              "tokens_per_window": {"type": "integer", "minimum": 1},
              "window_seconds": {"type": "integer", "minimum": 1}
            }
          },
          "api_billing": {
            "type": "object",
            "additionalProperties": false,
            "required": ["enabled"],
            "properties": {
              "enabled": {"type": "boolean"},
              "api_key_env": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "task_types": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "required": ["preferred_agents"],
        "properties": {
          "preferred_agents": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          },
          "model_preferences": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    },
    "default": {
      "type": "object",
      "additionalProperties": false,
      "required": ["preferred_agents"],
      "properties": {
        "preferred_agents": {
          "type": "array",
          "minItems": 1,
          "items": {"type": "string", "minLength": 1}
        },
        "billing_preference": {
          "type": "string",
          "enum": ["subscription_first", "api_only", "subscription_only"]
        }
      }
    }
  }
}`

var compiledPolicySchema = jsonschema.MustCompileString("routing-policy.json", policySchema)

// LoadPolicy reads and validates a routing policy file (YAML or JSON).
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates a policy document against the embedded schema and
// the cross-reference rules, then decodes it.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse routing policy: %w", err)
	}

	// Round-trip through JSON so the schema validator sees canonical
	// JSON value types.
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize routing policy: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize routing policy: %w", err)
	}

	if err := compiledPolicySchema.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, flattenValidationError(ve)
		}
		return nil, err
	}

	var policy Policy
	if err := json.Unmarshal(jsonBytes, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode routing policy: %w", err)
	}
	if policy.Default.BillingPreference == "" {
		policy.Default.BillingPreference = PreferSubscriptionFirst
	}

	if errs := policy.crossCheck(); len(errs) > 0 {
		return nil, errs
	}
	return &policy, nil
}

// flattenValidationError collects the leaf causes of a schema violation
// as JSON-path located policy errors.
func flattenValidationError(ve *jsonschema.ValidationError) PolicyErrors {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		return PolicyErrors{{Path: path, Message: ve.Message}}
	}
	var out PolicyErrors
	for _, cause := range ve.Causes {
		out = append(out, flattenValidationError(cause)...)
	}
	return out
}

// crossCheck verifies that every referenced agent names a declared provider.
func (p *Policy) crossCheck() PolicyErrors {
	var errs PolicyErrors
	for i, agent := range p.Default.PreferredAgents {
		if _, ok := p.Providers[agent]; !ok {
			errs = append(errs, &PolicyError{
				Path:    fmt.Sprintf("/default/preferred_agents/%d", i),
				Message: fmt.Sprintf("unknown provider %q", agent),
			})
		}
	}
	for taskType, tt := range p.TaskTypes {
		for i, agent := range tt.PreferredAgents {
			if _, ok := p.Providers[agent]; !ok {
				errs = append(errs, &PolicyError{
					Path:    fmt.Sprintf("/task_types/%s/preferred_agents/%d", taskType, i),
					Message: fmt.Sprintf("unknown provider %q", agent),
				})
			}
		}
	}
	return errs
}

// Candidates returns the ordered agent list consulted for a task type.
func (p *Policy) Candidates(taskType string) []string {
	if tt, ok := p.TaskTypes[taskType]; ok && taskType != "" {
		return tt.PreferredAgents
	}
	return p.Default.PreferredAgents
}

// Model returns the preferred model for an agent under a task type, if any.
func (p *Policy) Model(taskType, agent string) string {
	if tt, ok := p.TaskTypes[taskType]; ok {
		return tt.ModelPreferences[agent]
	}
	return ""
}
