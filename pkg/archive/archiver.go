package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/goanvil/pkg/jobregistry"
)

// Upload failure classes. Wrapped around the SDK error so callers can
// branch on the class while logs keep the full detail.
var (
	ErrBucketNotFound     = errors.New("archive bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// imdsProbeTimeout bounds the instance metadata region probe. Off EC2 the
// endpoint does not answer; a long wait would stall startup.
const imdsProbeTimeout = time.Second

// enqueueTimeout bounds a background archive of one job's artifacts.
const enqueueTimeout = 5 * time.Minute

// Archiver copies job artifacts into a bucket as jobs finish.
type Archiver struct {
	client   *s3.Client
	store    *jobregistry.Store
	cfg      Config
	logger   *zap.Logger
	limiter  *rate.Limiter
	parallel int

	wg sync.WaitGroup
}

// New builds an archiver over the given artifact store.
//
// Uses AWS SDK v2's default credential chain unless explicit credentials
// are configured.
func New(ctx context.Context, store *jobregistry.Store, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}

	a := &Archiver{
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		store:    store,
		cfg:      cfg,
		logger:   logger,
		parallel: parallel,
	}
	if cfg.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return a, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if one is configured. Let the SDK
	// resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(ctx, awsCfg, cfg.Endpoint)

	return awsCfg, nil
}

// resolveRegion applies the fallback chain after SDK loading: whatever
// the SDK resolved wins; otherwise ask the instance metadata service;
// for AWS proper fall back to us-east-1. S3-compatible endpoints get no
// default, the endpoint decides.
func resolveRegion(ctx context.Context, awsCfg aws.Config, endpoint string) string {
	if awsCfg.Region != "" {
		return awsCfg.Region
	}
	if endpoint != "" {
		return ""
	}

	probeCtx, cancel := context.WithTimeout(ctx, imdsProbeTimeout)
	defer cancel()
	if out, err := imds.NewFromConfig(awsCfg).GetRegion(probeCtx, &imds.GetRegionInput{}); err == nil && out.Region != "" {
		return out.Region
	}
	return DefaultAWSRegion
}

// ArchiveJob uploads every artifact the job left behind. Missing files
// are skipped, not errors: a failed job may have no result, a spawn
// failure no log.
func (a *Archiver) ArchiveJob(ctx context.Context, record jobregistry.JobRecord) error {
	jobID := record.JobID
	paths := []string{
		a.store.SnapshotPath(jobID),
		a.store.DeckPath(jobID),
		a.store.LogPath(jobID),
		a.store.ResultPath(jobID),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for _, p := range paths {
		g.Go(func() error {
			return a.uploadFile(ctx, jobID, p)
		})
	}
	return g.Wait()
}

// Enqueue archives a job's artifacts in the background. Launcher
// completion callbacks must not block, so the upload runs on its own
// goroutine with its own deadline.
func (a *Archiver) Enqueue(record jobregistry.JobRecord) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()

		if err := a.ArchiveJob(ctx, record); err != nil {
			a.logger.Warn("archive job artifacts",
				zap.String("job_id", record.JobID),
				zap.String("bucket", a.cfg.Bucket),
				zap.Error(err))
			return
		}
		a.logger.Info("job artifacts archived",
			zap.String("job_id", record.JobID),
			zap.String("bucket", a.cfg.Bucket))
	}()
}

// Wait blocks until background archives finish or ctx expires.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) uploadFile(ctx context.Context, jobID, filePath string) error {
	f, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(filePath), err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(filePath), err)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	key := a.key(jobID, filepath.Base(filePath))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, classifyError(err))
	}

	a.logger.Debug("artifact uploaded",
		zap.String("job_id", jobID),
		zap.String("key", key),
		zap.Int64("bytes", fi.Size()))
	return nil
}

// key builds the object key for one artifact.
func (a *Archiver) key(jobID, filename string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return path.Join(jobID, filename)
	}
	return path.Join(prefix, jobID, filename)
}

// classifyError maps S3 failures onto the package sentinels. Anything
// unrecognized passes through untouched.
func classifyError(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
