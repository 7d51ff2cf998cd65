package config

import (
	"fmt"

	"github.com/thushan/porter/internal/core/domain"
)

// ValidationError reports a configuration fault with enough context to fix it.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Validate cross-checks the whole document: provider kinds resolve, every
// credential ref names a store, every pool member names an endpoint, and
// every model route names a pool. Runs once at startup; failures are fatal.
func (c *Config) Validate() error {
	endpointIDs := make(map[string]struct{}, len(c.Endpoints))

	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%d].id", i), Value: "", Reason: "endpoint id is required"}
		}
		if _, dup := endpointIDs[ep.ID]; dup {
			return &ValidationError{Field: "endpoints", Value: ep.ID, Reason: "duplicate endpoint id"}
		}
		endpointIDs[ep.ID] = struct{}{}

		kind, err := domain.ParseProviderKind(ep.Provider)
		if err != nil {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%s].provider", ep.ID), Value: ep.Provider, Reason: err.Error()}
		}
		if kind == domain.ProviderBedrock && ep.Family == "" {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%s].family", ep.ID), Value: "", Reason: "bedrock endpoints require a family"}
		}
		if kind != domain.ProviderBedrock && ep.APIBase == "" {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%s].api_base", ep.ID), Value: "", Reason: "api_base is required"}
		}

		if ep.CredentialRef == "" {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%s].credential_ref", ep.ID), Value: "", Reason: "credential_ref is required"}
		}
		if _, ok := c.CredentialStores[ep.CredentialRef]; !ok {
			return &ValidationError{Field: fmt.Sprintf("endpoints[%s].credential_ref", ep.ID), Value: ep.CredentialRef, Reason: "no such credential store"}
		}
	}

	for ref, store := range c.CredentialStores {
		if err := validateStore(ref, store); err != nil {
			return err
		}
	}

	poolIDs := make(map[string]struct{}, len(c.Pools))
	for _, p := range c.Pools {
		if p.ID == "" {
			return &ValidationError{Field: "pools", Value: "", Reason: "pool id is required"}
		}
		poolIDs[p.ID] = struct{}{}
		for _, epID := range p.Endpoints {
			if _, ok := endpointIDs[epID]; !ok {
				return &ValidationError{Field: fmt.Sprintf("pools[%s].endpoints", p.ID), Value: epID, Reason: "no such endpoint"}
			}
		}
		switch domain.SelectionPolicy(p.Policy) {
		case domain.SelectPriority, domain.SelectWeighted, domain.SelectRoundRobin, domain.SelectLeastLatency, "":
		default:
			return &ValidationError{Field: fmt.Sprintf("pools[%s].policy", p.ID), Value: p.Policy, Reason: "unknown selection policy"}
		}
	}
	for _, p := range c.Pools {
		for _, fb := range p.FallbackPools {
			if _, ok := poolIDs[fb]; !ok {
				return &ValidationError{Field: fmt.Sprintf("pools[%s].fallback_pools", p.ID), Value: fb, Reason: "no such pool"}
			}
		}
	}

	for _, m := range c.Models {
		if m.Name == "" {
			return &ValidationError{Field: "models", Value: "", Reason: "model name is required"}
		}
		if _, ok := poolIDs[m.PrimaryPool]; !ok {
			return &ValidationError{Field: fmt.Sprintf("models[%s].primary_pool", m.Name), Value: m.PrimaryPool, Reason: "no such pool"}
		}
		for _, fb := range m.FallbackPools {
			if _, ok := poolIDs[fb]; !ok {
				return &ValidationError{Field: fmt.Sprintf("models[%s].fallback_pools", m.Name), Value: fb, Reason: "no such pool"}
			}
		}
	}

	return nil
}

func validateStore(ref string, store CredentialStoreConfig) error {
	switch store.Type {
	case "simple":
		switch store.Source {
		case "env", "":
			if store.Config.APIKeyVar == "" {
				return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: store.Source, Reason: "api_key_var is required for env-sourced simple stores"}
			}
		case "file":
			if store.Config.APIKeyFile == "" {
				return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: store.Source, Reason: "api_key_file is required for file-sourced simple stores"}
			}
		default:
			return &ValidationError{Field: fmt.Sprintf("credential_stores[%s].source", ref), Value: store.Source, Reason: "unknown source"}
		}
	case "aws":
		cfg := store.Config
		if cfg.Region == "" && cfg.RegionVar == "" {
			return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: "", Reason: "aws stores require region or region_var"}
		}
		if cfg.UseWebIdentity && cfg.WebIdentityTokenFile == "" {
			return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: "", Reason: "web identity requires web_identity_token_file"}
		}
		if cfg.UseWebIdentity && cfg.RoleArn == "" {
			return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: "", Reason: "web identity requires role_arn"}
		}
		if !cfg.UseInstanceProfile && !cfg.UseWebIdentity && cfg.AccessKeyIDVar == "" {
			return &ValidationError{Field: fmt.Sprintf("credential_stores[%s]", ref), Value: "", Reason: "static aws stores require access_key_id_var and secret_access_key_var"}
		}
	default:
		return &ValidationError{Field: fmt.Sprintf("credential_stores[%s].type", ref), Value: store.Type, Reason: "unknown store type"}
	}
	return nil
}
