package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/thushan/porter/internal/core/domain"
)

// AWSStoreParams selects one of the supported AWS credential sources, in
// precedence order: static keys from environment variables, web identity
// (IRSA), instance profile, then the SDK default chain.
type AWSStoreParams struct {
	Region               string
	RegionVar            string
	AccessKeyIDVar       string
	SecretAccessKeyVar   string
	SessionTokenVar      string
	UseInstanceProfile   bool
	UseWebIdentity       bool
	WebIdentityTokenFile string
	RoleArn              string
}

// AWSStore produces SigV4 signing material through an SDK credentials
// provider. The provider is wrapped in the SDK's credentials cache so
// rotating sources (web identity, instance profile) refresh themselves.
type AWSStore struct {
	name     string
	region   string
	params   AWSStoreParams
	provider aws.CredentialsProvider
}

// NewAWSStore resolves the region and constructs the underlying provider.
// Provider construction needs no network round trip; the first Fetch does.
func NewAWSStore(ctx context.Context, name string, params AWSStoreParams) (*AWSStore, error) {
	region := params.Region
	if region == "" && params.RegionVar != "" {
		region = os.Getenv(params.RegionVar)
	}
	if region == "" {
		return nil, fmt.Errorf("credential store %s: region is required", name)
	}

	provider, err := buildProvider(ctx, name, region, params)
	if err != nil {
		return nil, err
	}

	return &AWSStore{
		name:     name,
		region:   region,
		params:   params,
		provider: aws.NewCredentialsCache(provider),
	}, nil
}

func buildProvider(ctx context.Context, name, region string, params AWSStoreParams) (aws.CredentialsProvider, error) {
	switch {
	case params.AccessKeyIDVar != "":
		accessKey := os.Getenv(params.AccessKeyIDVar)
		secretKey := os.Getenv(params.SecretAccessKeyVar)
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("credential store %s: %s and %s must both be set", name, params.AccessKeyIDVar, params.SecretAccessKeyVar)
		}
		var sessionToken string
		if params.SessionTokenVar != "" {
			sessionToken = os.Getenv(params.SessionTokenVar)
		}
		return awscreds.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken), nil

	case params.UseWebIdentity:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("credential store %s: loading AWS config: %w", name, err)
		}
		client := sts.NewFromConfig(cfg)
		return stscreds.NewWebIdentityRoleProvider(client, params.RoleArn,
			stscreds.IdentityTokenFile(params.WebIdentityTokenFile)), nil

	case params.UseInstanceProfile:
		return ec2rolecreds.New(), nil

	default:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("credential store %s: loading AWS config: %w", name, err)
		}
		return cfg.Credentials, nil
	}
}

func (s *AWSStore) Fetch(ctx context.Context) (domain.Credential, error) {
	creds, err := s.provider.Retrieve(ctx)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("credential store %s: retrieving AWS credentials: %w", s.name, err)
	}

	cred := domain.Credential{
		Kind: domain.CredentialAWS,
		AWS: domain.AWSMaterial{
			Region:          s.region,
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
		},
	}
	if creds.CanExpire {
		cred.ExpiresAt = creds.Expires
	}
	return cred, nil
}

// Validate checks store configuration without hitting AWS.
func (s *AWSStore) Validate() error {
	p := s.params
	if p.UseWebIdentity {
		if p.RoleArn == "" {
			return fmt.Errorf("credential store %s: web identity requires role_arn", s.name)
		}
		if p.WebIdentityTokenFile == "" {
			return fmt.Errorf("credential store %s: web identity requires web_identity_token_file", s.name)
		}
		if _, err := os.Stat(p.WebIdentityTokenFile); err != nil {
			return fmt.Errorf("credential store %s: %w", s.name, err)
		}
	}
	return nil
}
