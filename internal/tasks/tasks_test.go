package tasks

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"chat-maintenance-scheduler/internal/models"
)

type fakeObject struct {
	data     []byte
	modified time.Time
}

// fakeBucket implements the object APIs the tasks slice off the S3 client,
// including ListObjectsV2 pagination via continuation tokens.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]fakeObject)}
}

func (b *fakeBucket) put(key string, data []byte, modified time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = fakeObject{data: data, modified: modified}
}

func (b *fakeBucket) keys(prefix string) []string {
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (b *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := b.keys(aws.ToString(in.Prefix))
	if in.ContinuationToken != nil {
		after := aws.ToString(in.ContinuationToken)
		i := sort.SearchStrings(keys, after)
		if i < len(keys) && keys[i] == after {
			i++
		}
		keys = keys[i:]
	}

	max := int(aws.ToInt32(in.MaxKeys))
	if max <= 0 {
		max = 1000
	}
	truncated := len(keys) > max
	if truncated {
		keys = keys[:max]
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, k := range keys {
		obj := b.objects[k]
		mod := obj.modified
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			LastModified: &mod,
		})
	}
	if truncated {
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	return out, nil
}

func (b *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (b *fakeBucket) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (b *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.put(aws.ToString(in.Key), data, time.Now())
	return &s3.PutObjectOutput{}, nil
}

func (b *fakeBucket) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(b.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 32), G: uint8(y * 32), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestThumbnailBackfillGeneratesMissingOnly(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	now := time.Now()

	bucket.put("media/a.png", pngBytes(t), now)
	bucket.put("media/b.png", pngBytes(t), now)
	bucket.put("media/notes.txt", []byte("not an image"), now)
	bucket.put("thumbnails/media/a.png", []byte("existing"), now)

	task := NewThumbnailBackfill(bucket, "media-bucket", 4)
	res, err := task.Handle(ctx, models.Job{Name: "thumbs", Target: "media/"}, 100)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !res.Done {
		t.Fatal("expected done after a single full listing")
	}
	// a.png already has a thumbnail, notes.txt is not an image.
	if res.Items != 1 {
		t.Fatalf("expected 1 generated thumbnail, got %d", res.Items)
	}

	if _, ok := bucket.objects["thumbnails/media/b.png"]; !ok {
		t.Fatal("thumbnail for b.png not written")
	}
	// The pre-existing thumbnail must not be overwritten.
	if string(bucket.objects["thumbnails/media/a.png"].data) != "existing" {
		t.Fatal("existing thumbnail was regenerated")
	}
}

func TestThumbnailBackfillResumesAcrossBatches(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	now := time.Now()
	for _, key := range []string{"media/1.png", "media/2.png", "media/3.png"} {
		bucket.put(key, pngBytes(t), now)
	}

	task := NewThumbnailBackfill(bucket, "media-bucket", 4)
	job := models.Job{Name: "thumbs", Target: "media/"}

	var total int64
	batches := 0
	for {
		res, err := task.Handle(ctx, job, 2)
		if err != nil {
			t.Fatalf("batch %d: %v", batches, err)
		}
		total += res.Items
		batches++
		if res.Done {
			break
		}
		if batches > 5 {
			t.Fatal("never reported done")
		}
	}

	if total != 3 {
		t.Fatalf("expected 3 thumbnails across batches, got %d", total)
	}
	if batches != 2 {
		t.Fatalf("expected 2 batches for 3 objects at size 2, got %d", batches)
	}
}

func TestThumbnailBackfillRequiresTarget(t *testing.T) {
	task := NewThumbnailBackfill(newFakeBucket(), "media-bucket", 4)
	if _, err := task.Handle(context.Background(), models.Job{Name: "thumbs"}, 10); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestMediaPurgeDeletesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	now := time.Now()

	bucket.put("remote/old1", []byte("x"), now.Add(-48*time.Hour))
	bucket.put("remote/old2", []byte("x"), now.Add(-48*time.Hour))
	bucket.put("remote/fresh", []byte("x"), now.Add(-time.Hour))

	task := NewMediaPurge(bucket, "media-bucket", 24*time.Hour)
	task.now = func() time.Time { return now }

	res, err := task.Handle(ctx, models.Job{Name: "purge", Target: "remote/"}, 100)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Items != 2 || !res.Done {
		t.Fatalf("expected 2 deleted and done, got %+v", res)
	}

	if _, ok := bucket.objects["remote/fresh"]; !ok {
		t.Fatal("fresh object was deleted")
	}
	if _, ok := bucket.objects["remote/old1"]; ok {
		t.Fatal("expired object survived")
	}
}

func TestMediaPurgeBatchesUntilDone(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket()
	now := time.Now()
	for _, key := range []string{"remote/a", "remote/b", "remote/c"} {
		bucket.put(key, []byte("x"), now.Add(-48*time.Hour))
	}

	task := NewMediaPurge(bucket, "media-bucket", 24*time.Hour)
	task.now = func() time.Time { return now }
	job := models.Job{Name: "purge", Target: "remote/"}

	// First capped batch deletes 2 and must not claim the scan is complete.
	res, err := task.Handle(ctx, job, 2)
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if res.Items != 2 || res.Done {
		t.Fatalf("first batch: got %+v", res)
	}

	res, err = task.Handle(ctx, job, 2)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if res.Items != 1 || !res.Done {
		t.Fatalf("second batch: got %+v", res)
	}

	// An empty prefix reports done with nothing deleted.
	res, err = task.Handle(ctx, job, 2)
	if err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if res.Items != 0 || !res.Done {
		t.Fatalf("third batch: got %+v", res)
	}
}

func TestMediaPurgeRequiresTarget(t *testing.T) {
	task := NewMediaPurge(newFakeBucket(), "media-bucket", time.Hour)
	if _, err := task.Handle(context.Background(), models.Job{Name: "purge"}, 10); err == nil {
		t.Fatal("expected error for empty target")
	}
}
