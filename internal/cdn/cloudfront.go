// Package cdn invalidates cached snapshot paths on CloudFront.
package cdn

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/google/uuid"

	"github.com/keithlinneman/builder-publisher/internal/log"
	"github.com/keithlinneman/builder-publisher/internal/xerrors"
)

// CloudFrontAPI is the subset of *cloudfront.Client the invalidator calls
type CloudFrontAPI interface {
	CreateInvalidation(ctx context.Context, in *cloudfront.CreateInvalidationInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateInvalidationOutput, error)
}

type Options struct {
	Logger log.Logger

	Client CloudFrontAPI

	// DistributionID fronting the bucket
	DistributionID string
}

type Invalidator struct {
	client         CloudFrontAPI
	distributionID string
	logger         log.Logger
}

func New(opts Options) (*Invalidator, error) {
	if opts.Client == nil {
		return nil, xerrors.New("cdn: Client is required")
	}
	if opts.DistributionID == "" {
		return nil, xerrors.Mark(xerrors.New("cdn: DistributionID is required"), xerrors.KindConfig)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Invalidator{client: opts.Client, distributionID: opts.DistributionID, logger: opts.Logger}, nil
}

// Invalidate issues one invalidation covering paths and returns its id. callerRef makes the
// request idempotent; a fresh UUID is used when it is empty. An empty path list is an error.
func (i *Invalidator) Invalidate(ctx context.Context, callerRef string, paths []string) (string, error) {
	if len(paths) == 0 {
		return "", xerrors.New("cdn: refusing to create an invalidation with no paths")
	}
	if callerRef == "" {
		callerRef = uuid.NewString()
	}

	out, err := i.client.CreateInvalidation(ctx, &cloudfront.CreateInvalidationInput{
		DistributionId: aws.String(i.distributionID),
		InvalidationBatch: &types.InvalidationBatch{
			CallerReference: aws.String(callerRef),
			Paths: &types.Paths{
				Quantity: aws.Int32(int32(len(paths))),
				Items:    paths,
			},
		},
	})
	if err != nil {
		return "", xerrors.Mark(
			xerrors.Wrapf(err, "create invalidation on %s (%d paths)", i.distributionID, len(paths)),
			xerrors.KindStorage)
	}

	var id string
	if out != nil && out.Invalidation != nil {
		id = aws.ToString(out.Invalidation.Id)
	}
	i.logger.Info(ctx, "created invalidation",
		"distribution_id", i.distributionID,
		"invalidation_id", id,
		"paths", len(paths),
	)
	return id, nil
}
