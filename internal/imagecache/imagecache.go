// Package imagecache caches the blessed DCV machine-image id in SSM
// Parameter Store so later deployments can skip the agent install.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
	"github.com/stratusgg/stratus/internal/metrics"
)

const parameterName = "/stratus/dcv-ami-id"

type parameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// Cache is a cache-aside store for the single blessed AMI id. Concurrent
// first-time deployments can both miss and both publish; last writer wins and
// the loser's image is simply never referenced again.
type Cache struct {
	client parameterAPI
}

// NewCache creates a cache using the default credential chain.
func NewCache(ctx context.Context, region string) (*Cache, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("imagecache: failed to load AWS config: %w", err)
	}
	return &Cache{client: ssm.NewFromConfig(awsCfg)}, nil
}

// Get returns the cached AMI id, or "" when nothing has been published yet.
func (c *Cache) Get(ctx context.Context) (string, error) {
	result, err := c.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(parameterName),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ParameterNotFound" {
			metrics.ImageCacheLookupsTotal.WithLabelValues("miss").Inc()
			return "", nil
		}
		return "", fmt.Errorf("imagecache: get parameter: %w", err)
	}
	if result.Parameter == nil || aws.ToString(result.Parameter.Value) == "" {
		metrics.ImageCacheLookupsTotal.WithLabelValues("miss").Inc()
		return "", nil
	}
	metrics.ImageCacheLookupsTotal.WithLabelValues("hit").Inc()
	return aws.ToString(result.Parameter.Value), nil
}

// Put publishes amiID for reuse by subsequent deployments and returns the
// parameter version.
func (c *Cache) Put(ctx context.Context, amiID string) (int64, error) {
	result, err := c.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(parameterName),
		Value:     aws.String(amiID),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("imagecache: put parameter: %w", err)
	}
	log.Printf("imagecache: published AMI %s (version %d)", amiID, result.Version)
	return result.Version, nil
}
