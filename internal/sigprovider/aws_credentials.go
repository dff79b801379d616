// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package sigprovider

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// sessionNameFormat is the format string for AWS role session names.
const sessionNameFormat = "credrefresh-%s"

// AWSCredentialsKind selects where the signing credentials come from.
type AWSCredentialsKind string

const (
	// AWSCredentialsDefault uses the default AWS credential chain.
	AWSCredentialsDefault AWSCredentialsKind = "Default"
	// AWSCredentialsStatic uses a fixed access key pair.
	AWSCredentialsStatic AWSCredentialsKind = "Static"
	// AWSCredentialsWebIdentity assumes a role with a federated identity token file.
	AWSCredentialsWebIdentity AWSCredentialsKind = "WebIdentity"
)

// AWSCredentialsConfig configures the AWS credentials used to sign tokens.
type AWSCredentialsConfig struct {
	Kind   AWSCredentialsKind
	Region string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// RoleARN is the role assumed by AWSCredentialsWebIdentity.
	RoleARN string
	// TokenFilePath defaults to AWS_WEB_IDENTITY_TOKEN_FILE.
	TokenFilePath string
	// SessionName defaults to "credrefresh-<cache user>".
	SessionName string
}

// defaultAWSConfig returns an AWS config with adaptive retry mode enabled.
func defaultAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// NewCredentialsProvider returns a cached aws.CredentialsProvider for cfg. userID names the
// role session when none is configured.
func NewCredentialsProvider(ctx context.Context, cfg AWSCredentialsConfig, userID string) (aws.CredentialsProvider, error) {
	switch cfg.Kind {
	case AWSCredentialsDefault, "":
		awsCfg, err := defaultAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to load default AWS config: %w", err)
		}
		if awsCfg.Credentials == nil {
			return nil, fmt.Errorf("default AWS config has no credentials provider")
		}
		return awsCfg.Credentials, nil
	case AWSCredentialsStatic:
		if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
			return nil, fmt.Errorf("accessKeyID and secretAccessKey are required for static AWS credentials")
		}
		return aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)), nil
	case AWSCredentialsWebIdentity:
		if cfg.RoleARN == "" {
			return nil, fmt.Errorf("roleARN is required for web identity AWS credentials")
		}
		tokenFile := cfg.TokenFilePath
		if tokenFile == "" {
			tokenFile = os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE")
		}
		if tokenFile == "" {
			return nil, fmt.Errorf("token file is required for web identity AWS credentials")
		}
		sessionName := cfg.SessionName
		if sessionName == "" {
			sessionName = fmt.Sprintf(sessionNameFormat, userID)
		}
		awsCfg, err := defaultAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to load base AWS config: %w", err)
		}
		provider := stscreds.NewWebIdentityRoleProvider(
			sts.NewFromConfig(awsCfg),
			cfg.RoleARN,
			stscreds.IdentityTokenFile(tokenFile),
			func(o *stscreds.WebIdentityRoleOptions) { o.RoleSessionName = sessionName },
		)
		return aws.NewCredentialsCache(provider), nil
	default:
		return nil, fmt.Errorf("unknown AWS credentials kind %q", cfg.Kind)
	}
}
