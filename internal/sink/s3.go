package sink

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"
)

// S3Uploader uploads finished shard/schedule output files to an S3 bucket
// once the local sink is closed, rate-limited so a burst of shard workers
// finishing at once doesn't saturate the uplink.
type S3Uploader struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	limiter  *rate.Limiter
}

// ParseS3URL splits an "s3://bucket/prefix" output directory into its
// bucket and key prefix.
func ParseS3URL(url string) (bucket, prefix string, ok bool) {
	if !strings.HasPrefix(url, "s3://") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, true
}

// NewS3Uploader builds an uploader against the bucket/prefix, throttled to
// bytesPerSecond sustained throughput.
func NewS3Uploader(ctx context.Context, bucket, prefix string, bytesPerSecond int) (*S3Uploader, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 uploader: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Uploader{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
		limiter:  rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond),
	}, nil
}

// Upload streams localPath to <bucket>/<prefix>/<name>, waiting on the
// rate limiter in chunks so one huge shard file cannot starve others.
func (u *S3Uploader) Upload(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3 uploader: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("s3 uploader: %w", err)
	}
	for remaining := info.Size(); remaining > 0; {
		n := clampBurst(remaining, u.limiter.Burst())
		if n <= 0 {
			break
		}
		if err := u.limiter.WaitN(ctx, n); err != nil {
			return fmt.Errorf("s3 uploader: rate limit wait: %w", err)
		}
		remaining -= int64(n)
	}
	key := name
	if u.prefix != "" {
		key = strings.TrimSuffix(u.prefix, "/") + "/" + name
	}
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 uploader: put %s/%s: %w", u.bucket, key, err)
	}
	return nil
}

func clampBurst(size int64, burst int) int {
	if size > int64(burst) {
		return burst
	}
	if size <= 0 {
		return 0
	}
	return int(size)
}
