// Package aws implements the engine's capability interfaces on top of
// aws-sdk-go-v2. Every outbound call is bounded by a per-call timeout.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudcontrol"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/resourcegroupstaggingapi"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"

	"github.com/scorchlab/scorch/providers"
)

// Options configures the AWS capability clients.
type Options struct {
	Region      string
	CallTimeout time.Duration
	Cluster     string
	QueueURL    string
	Bucket      string
	LedgerTable string
	LimitsTable string
}

// Provider bundles the AWS SDK clients behind the capability interfaces.
type Provider struct {
	opts Options

	tagging *resourcegroupstaggingapi.Client
	control *cloudcontrol.Client
	ec2     *ec2.Client
	iam     *iam.Client
	secrets *secretsmanager.Client
	ecs     *ecs.Client
	dynamo  *dynamodb.Client
	sqs     *sqs.Client
	s3      *s3.Client
}

// New loads the default AWS config and constructs all clients.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		opts:    opts,
		tagging: resourcegroupstaggingapi.NewFromConfig(cfg),
		control: cloudcontrol.NewFromConfig(cfg),
		ec2:     ec2.NewFromConfig(cfg),
		iam:     iam.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
		ecs:     ecs.NewFromConfig(cfg),
		dynamo:  dynamodb.NewFromConfig(cfg),
		sqs:     sqs.NewFromConfig(cfg),
		s3:      s3.NewFromConfig(cfg),
	}, nil
}

// Each capability gets its own adapter type; the interfaces overlap in
// method names (Delete in particular), so one receiver cannot satisfy
// them all.
type (
	inventoryAPI struct{ p *Provider }
	controlAPI   struct{ p *Provider }
	directoryAPI struct{ p *Provider }
	secretsAPI   struct{ p *Provider }
	computeAPI   struct{ p *Provider }
	queueAPI     struct{ p *Provider }
	reportsAPI   struct{ p *Provider }
)

// Clients exposes the provider as the capability bundle the
// orchestrator is constructed with.
func (p *Provider) Clients() providers.Clients {
	return providers.Clients{
		Inventory: inventoryAPI{p},
		Control:   controlAPI{p},
		Directory: directoryAPI{p},
		Secrets:   secretsAPI{p},
		Compute:   computeAPI{p},
		Queue:     queueAPI{p},
		Reports:   reportsAPI{p},
	}
}

// callCtx applies the per-call timeout every outbound request uses.
func (p *Provider) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opts.CallTimeout)
}

// classify maps AWS error codes onto the engine's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "ResourceNotFoundException", "NoSuchEntity", "NotFoundException",
			"InvalidInstanceID.NotFound", "InvalidGroup.NotFound", "NoSuchKey",
			"ClusterNotFoundException":
			return providers.NewError(providers.KindNotFound, op, err)
		case "DependencyViolation", "DeleteConflict", "ResourceInUseException",
			"ConflictException", "ConcurrentModificationException",
			"InvalidGroup.InUse", "ResourceConflictException":
			return providers.NewError(providers.KindConflict, op, err)
		case "Throttling", "ThrottlingException", "TooManyRequestsException",
			"RequestLimitExceeded", "ProvisionedThroughputExceededException",
			"SlowDown":
			return providers.NewError(providers.KindThrottled, op, err)
		}
	}

	// Timeouts behave like retryable errors.
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewError(providers.KindThrottled, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
