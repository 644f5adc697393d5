package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"chat-maintenance-scheduler/internal/models"
	"chat-maintenance-scheduler/internal/runner"
)

const thumbPrefix = "thumbnails/"

// thumbnailObjectAPI is the slice of the S3 surface the backfill touches.
type thumbnailObjectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ThumbnailBackfill renders missing thumbnails for media uploaded before the
// server generated them at upload time. The job's target is the key prefix of
// the originals. Objects that already have a thumbnail are skipped, so the
// task is safe to resume from any point after a crash or lease reclaim.
type ThumbnailBackfill struct {
	client  thumbnailObjectAPI
	bucket  string
	width   int
	cursors map[string]*string // in-flight list position per job name
}

// NewThumbnailBackfill builds the task over the media bucket.
func NewThumbnailBackfill(client thumbnailObjectAPI, bucket string, width int) *ThumbnailBackfill {
	if width <= 0 {
		width = 320
	}
	return &ThumbnailBackfill{
		client:  client,
		bucket:  bucket,
		width:   width,
		cursors: make(map[string]*string),
	}
}

// Handle processes one batch of originals. The continuation token is kept in
// memory only; a fresh worker restarts the listing and skips finished work.
func (t *ThumbnailBackfill) Handle(ctx context.Context, job models.Job, batchSize int) (runner.BatchResult, error) {
	prefix := job.Target
	if prefix == "" {
		return runner.BatchResult{}, errors.New("thumbnail backfill requires a target prefix")
	}

	out, err := t.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:            aws.String(t.bucket),
		Prefix:            aws.String(prefix),
		MaxKeys:           aws.Int32(int32(batchSize)),
		ContinuationToken: t.cursors[job.Name],
	})
	if err != nil {
		delete(t.cursors, job.Name)
		return runner.BatchResult{}, fmt.Errorf("list media objects: %w", err)
	}

	var generated int64
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			continue
		}
		made, err := t.ensureThumbnail(ctx, key)
		if err != nil {
			delete(t.cursors, job.Name)
			return runner.BatchResult{}, err
		}
		if made {
			generated++
		}
	}

	if aws.ToBool(out.IsTruncated) {
		t.cursors[job.Name] = out.NextContinuationToken
		return runner.BatchResult{Items: generated}, nil
	}
	delete(t.cursors, job.Name)
	return runner.BatchResult{Items: generated, Done: true}, nil
}

func (t *ThumbnailBackfill) ensureThumbnail(ctx context.Context, key string) (bool, error) {
	thumbKey := thumbPrefix + key

	_, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(thumbKey),
	})
	if err == nil {
		return false, nil // already generated
	}

	obj, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("get media %s: %w", key, err)
	}
	data, err := io.ReadAll(obj.Body)
	obj.Body.Close()
	if err != nil {
		return false, fmt.Errorf("read media %s: %w", key, err)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Not an image (or corrupt); nothing to thumbnail.
		return false, nil
	}

	thumb := imaging.Resize(src, t.width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return false, fmt.Errorf("encode thumbnail %s: %w", key, err)
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(thumbKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return false, fmt.Errorf("put thumbnail %s: %w", thumbKey, err)
	}
	return true, nil
}
