// ============================================================================
// Secret Resolution
// ============================================================================
//
// Package: internal/secrets
// File: resolver.go
// Purpose: Turn a SecretRef from a notification template into its value
//
// Reference forms:
//
//   env://NAME          value of environment variable NAME
//   aws://secret-id     AWS Secrets Manager secret (string or binary)
//   anything else       the reference is the value (e.g. a literal URL)
//
// ============================================================================

package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/tevoinea/onefuzz/pkg/types"
)

var log = slog.Default()

const (
	envScheme = "env://"
	awsScheme = "aws://"

	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretEmpty    = errors.New("secret value is empty")
	ErrAccessDenied   = errors.New("access denied to secret")
	ErrNoAWSClient    = errors.New("aws secrets are not configured")
)

// ManagerAPI is the subset of the Secrets Manager client the resolver uses.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config selects the AWS backend. An empty Region disables aws:// refs.
type Config struct {
	Region   string
	Endpoint string
}

// Resolver resolves secret references.
type Resolver struct {
	aws    ManagerAPI
	lookup func(string) (string, bool)
}

// NewResolver creates a Resolver. api may be nil when no AWS secrets are used.
func NewResolver(api ManagerAPI) *Resolver {
	return &Resolver{aws: api, lookup: os.LookupEnv}
}

// NewFromConfig builds a Resolver, loading AWS credentials from the default
// chain when a region is configured.
func NewFromConfig(ctx context.Context, config Config) (*Resolver, error) {
	if config.Region == "" {
		return NewResolver(nil), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return NewResolver(api), nil
}

// Resolve returns the value behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref types.SecretRef) (string, error) {
	value := string(ref)

	switch {
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		v, ok := r.lookup(name)
		if !ok {
			return "", fmt.Errorf("env %s: %w", name, ErrSecretNotFound)
		}
		if v == "" {
			return "", fmt.Errorf("env %s: %w", name, ErrSecretEmpty)
		}
		return v, nil

	case strings.HasPrefix(value, awsScheme):
		return r.resolveAWS(ctx, strings.TrimPrefix(value, awsScheme))

	default:
		if value == "" {
			return "", ErrSecretEmpty
		}
		return value, nil
	}
}

func (r *Resolver) resolveAWS(ctx context.Context, secretID string) (string, error) {
	if r.aws == nil {
		return "", ErrNoAWSClient
	}

	output, err := r.aws.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFoundException:
				return "", fmt.Errorf("aws %s: %w", secretID, ErrSecretNotFound)
			case accessDeniedException:
				return "", fmt.Errorf("aws %s: %w", secretID, ErrAccessDenied)
			}
		}
		log.Error("Failed to retrieve secret", "secret_id", secretID, "error", err)
		return "", fmt.Errorf("failed to get secret %s: %w", secretID, err)
	}

	switch {
	case output.SecretString != nil && *output.SecretString != "":
		return *output.SecretString, nil
	case len(output.SecretBinary) > 0:
		return string(output.SecretBinary), nil
	default:
		return "", fmt.Errorf("aws %s: %w", secretID, ErrSecretEmpty)
	}
}
