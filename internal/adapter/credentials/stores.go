package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/thushan/porter/internal/config"
	"github.com/thushan/porter/internal/core/ports"
)

// BuildStores constructs one store per configured credential source and
// returns the per-store cache TTL overrides alongside.
func BuildStores(ctx context.Context, cfgs map[string]config.CredentialStoreConfig) (map[string]ports.CredentialStore, map[string]time.Duration, error) {
	stores := make(map[string]ports.CredentialStore, len(cfgs))
	ttls := make(map[string]time.Duration)

	for name, sc := range cfgs {
		switch sc.Type {
		case "simple":
			stores[name] = NewSimpleStore(name, sc.Source, sc.Config.APIKeyVar, sc.Config.APIKeyFile)

		case "aws":
			store, err := NewAWSStore(ctx, name, AWSStoreParams{
				Region:               sc.Config.Region,
				RegionVar:            sc.Config.RegionVar,
				AccessKeyIDVar:       sc.Config.AccessKeyIDVar,
				SecretAccessKeyVar:   sc.Config.SecretAccessKeyVar,
				SessionTokenVar:      sc.Config.SessionTokenVar,
				UseInstanceProfile:   sc.Config.UseInstanceProfile,
				UseWebIdentity:       sc.Config.UseWebIdentity,
				WebIdentityTokenFile: sc.Config.WebIdentityTokenFile,
				RoleArn:              sc.Config.RoleArn,
			})
			if err != nil {
				return nil, nil, err
			}
			stores[name] = store

		default:
			return nil, nil, fmt.Errorf("credential store %s: unknown type %q", name, sc.Type)
		}

		if sc.CacheTTL > 0 {
			ttls[name] = sc.CacheTTL
		}
	}

	return stores, ttls, nil
}
