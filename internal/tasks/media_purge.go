package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chat-maintenance-scheduler/internal/models"
	"chat-maintenance-scheduler/internal/runner"
)

// purgeObjectAPI is the slice of the S3 surface the purge touches.
type purgeObjectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// MediaPurge removes cached remote media older than the retention window.
// The job's target is the key prefix of the cache. Deleted keys vanish from
// subsequent listings, so re-running after a crash just picks up the
// remainder.
type MediaPurge struct {
	client    purgeObjectAPI
	bucket    string
	retention time.Duration
	now       func() time.Time
}

// NewMediaPurge builds the task over the media bucket.
func NewMediaPurge(client purgeObjectAPI, bucket string, retention time.Duration) *MediaPurge {
	return &MediaPurge{
		client:    client,
		bucket:    bucket,
		retention: retention,
		now:       time.Now,
	}
}

// Handle deletes up to one batch of expired objects.
func (p *MediaPurge) Handle(ctx context.Context, job models.Job, batchSize int) (runner.BatchResult, error) {
	prefix := job.Target
	if prefix == "" {
		return runner.BatchResult{}, errors.New("media purge requires a target prefix")
	}
	cutoff := p.now().Add(-p.retention)

	var expired []types.ObjectIdentifier
	var token *string
	scannedAll := false
	for len(expired) < batchSize {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(int32(batchSize)),
			ContinuationToken: token,
		})
		if err != nil {
			return runner.BatchResult{}, fmt.Errorf("list media cache: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.LastModified != nil && obj.LastModified.Before(cutoff) {
				expired = append(expired, types.ObjectIdentifier{Key: obj.Key})
				if len(expired) >= batchSize {
					break
				}
			}
		}
		if len(expired) >= batchSize {
			break
		}
		if !aws.ToBool(out.IsTruncated) {
			scannedAll = true
			break
		}
		token = out.NextContinuationToken
	}

	if len(expired) == 0 {
		return runner.BatchResult{Done: true}, nil
	}

	_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(p.bucket),
		Delete: &types.Delete{
			Objects: expired,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return runner.BatchResult{}, fmt.Errorf("delete expired media: %w", err)
	}

	// A capped pass may have left expired objects behind; only report done
	// once a complete listing pass fit inside the batch.
	return runner.BatchResult{Items: int64(len(expired)), Done: scannedAll}, nil
}
