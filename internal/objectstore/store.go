// Package objectstore uploads transcode outputs to the S3-compatible bucket
// the control plane designates and hands back presigned result URLs. Small
// outputs go up in a single PutObject; anything over the multipart threshold
// streams up in pooled parts with per-part timeouts and retry.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/vidfleet/vidfleet-runner/internal/constants"
	"github.com/vidfleet/vidfleet-runner/internal/http"
	"github.com/vidfleet/vidfleet-runner/internal/logging"
	"github.com/vidfleet/vidfleet-runner/internal/models"
)

var log = logging.New("objectstore")

const (
	uploadContentType = "video/mp4"

	// defaultRegion satisfies the SDK; MinIO-style stores ignore it.
	defaultRegion = "us-east-1"
)

// partPool recycles multipart buffers so back-to-back uploads do not churn
// the allocator.
var partPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, constants.UploadPartSize)
		return &buf
	},
}

// ProgressFunc receives upload progress. It is called only when the integer
// percentage advances or the final byte lands, so callers can forward every
// invocation to the control plane without flooding it.
type ProgressFunc func(uploaded, total int64, percent int)

// UploadResult describes a verified upload.
type UploadResult struct {
	Key  string
	Size int64
	ETag string
	// TargetURL is a presigned GET for the stored object.
	TargetURL string
}

// Store uploads files into one bucket of an S3-compatible object store.
// Build one per upload via NewFromCache; credential-class failures mid-upload
// re-pull credentials from the control plane and rebuild the client.
type Store struct {
	httpClient *nethttp.Client
	cache      *Cache

	clientMu sync.Mutex
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
}

// New builds a Store over explicit credentials. Endpoint reachability
// surfaces on first use, not here.
func New(ctx context.Context, creds *models.ObjectStoreCredentials, httpClient *nethttp.Client) (*Store, error) {
	if creds == nil || !creds.Valid() {
		return nil, fmt.Errorf("incomplete object store credentials")
	}
	client, presign, err := buildClients(ctx, creds, httpClient)
	if err != nil {
		return nil, err
	}
	return &Store{
		httpClient: httpClient,
		client:     client,
		presign:    presign,
		bucket:     creds.Bucket,
	}, nil
}

// NewFromCache builds a Store from the cached control-plane credentials.
func NewFromCache(ctx context.Context, cache *Cache, httpClient *nethttp.Client) (*Store, error) {
	creds, err := cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	store, err := New(ctx, creds, httpClient)
	if err != nil {
		return nil, err
	}
	store.cache = cache
	return store, nil
}

// ObjectKey returns the bucket key for a task's output.
func ObjectKey(taskID string) string {
	return taskID + ".mp4"
}

// NormalizeEndpoint ensures the endpoint carries a scheme and no trailing
// slash. Bare host:port strings default to https.
func NormalizeEndpoint(endpoint string) string {
	e := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if e == "" {
		return e
	}
	if strings.Contains(e, "://") {
		return e
	}
	return "https://" + e
}

// Upload stores localPath under objectKey with the given metadata, verifies
// the stored size against the local file, and presigns a GET for the result.
// Progress lands on onProgress at integer-percent granularity.
func (s *Store) Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string, onProgress ProgressFunc) (*UploadResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("upload source not readable: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("upload source %s is empty", localPath)
	}

	multipart := size > constants.MultipartThreshold
	log.Info().
		Str("path", localPath).
		Str("key", objectKey).
		Int64("size", size).
		Bool("multipart", multipart).
		Msg("Starting upload")

	emit := newProgressEmitter(size, onProgress)
	var etag string
	if multipart {
		etag, err = s.uploadMultipart(ctx, localPath, objectKey, size, metadata, emit)
	} else {
		etag, err = s.uploadSingle(ctx, localPath, objectKey, size, metadata, emit)
	}
	if err != nil {
		return nil, err
	}

	if err := s.verifyObject(ctx, objectKey, size); err != nil {
		return nil, err
	}

	targetURL, err := s.presignGet(ctx, objectKey)
	if err != nil {
		return nil, err
	}

	log.Info().Str("key", objectKey).Int64("size", size).Msg("Upload complete")
	return &UploadResult{Key: objectKey, Size: size, ETag: etag, TargetURL: targetURL}, nil
}

func (s *Store) uploadSingle(ctx context.Context, localPath, objectKey string, size int64, metadata map[string]string, emit *progressEmitter) (string, error) {
	emit.add(0)

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	var etag string
	err = s.retryWithBackoff(ctx, "PutObject", func() error {
		// Rewind between attempts; a failed attempt may have consumed the body.
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		resp, err := s.s3().PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName()),
			Key:           aws.String(objectKey),
			Body:          file,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(uploadContentType),
			Metadata:      metadata,
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(resp.ETag)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	emit.add(size)
	return etag, nil
}

func (s *Store) uploadMultipart(ctx context.Context, localPath, objectKey string, size int64, metadata map[string]string, emit *progressEmitter) (etag string, err error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer file.Close()

	totalParts := (size + constants.UploadPartSize - 1) / constants.UploadPartSize

	var createResp *s3.CreateMultipartUploadOutput
	err = s.retryWithBackoff(ctx, "CreateMultipartUpload", func() error {
		var err error
		createResp, err = s.s3().CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(s.bucketName()),
			Key:         aws.String(objectKey),
			ContentType: aws.String(uploadContentType),
			Metadata:    metadata,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := aws.ToString(createResp.UploadId)

	// Abort on any failure so the store does not accumulate orphaned parts.
	defer func() {
		if err == nil {
			return
		}
		if _, abortErr := s.s3().AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucketName()),
			Key:      aws.String(objectKey),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			log.Warn().Err(abortErr).Str("key", objectKey).Msg("Failed to abort multipart upload")
		}
	}()

	bufPtr := partPool.Get().(*[]byte)
	defer partPool.Put(bufPtr)
	buf := *bufPtr

	var completed []types.CompletedPart
	partNumber := int32(1)
	for {
		n, readErr := io.ReadFull(file, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			err = fmt.Errorf("failed to read part %d: %w", partNumber, readErr)
			return "", err
		}
		part := buf[:n]

		currentPart := partNumber
		partCtx, cancel := context.WithTimeout(ctx, constants.UploadPartTimeout)
		var uploadResp *s3.UploadPartOutput
		err = s.retryWithBackoff(partCtx, fmt.Sprintf("UploadPart %d/%d", currentPart, totalParts), func() error {
			var err error
			uploadResp, err = s.s3().UploadPart(partCtx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucketName()),
				Key:           aws.String(objectKey),
				PartNumber:    aws.Int32(currentPart),
				UploadId:      aws.String(uploadID),
				Body:          bytes.NewReader(part),
				ContentLength: aws.Int64(int64(n)),
			})
			return err
		})
		cancel()
		if err != nil {
			err = fmt.Errorf("failed to upload part %d/%d: %w", currentPart, totalParts, err)
			return "", err
		}

		completed = append(completed, types.CompletedPart{
			ETag:       uploadResp.ETag,
			PartNumber: aws.Int32(currentPart),
		})
		emit.add(int64(n))
		partNumber++

		if int64(n) < constants.UploadPartSize {
			break
		}
	}

	var completeResp *s3.CompleteMultipartUploadOutput
	err = s.retryWithBackoff(ctx, "CompleteMultipartUpload", func() error {
		var err error
		completeResp, err = s.s3().CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucketName()),
			Key:             aws.String(objectKey),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
	if err != nil {
		err = fmt.Errorf("failed to complete multipart upload: %w", err)
		return "", err
	}

	return aws.ToString(completeResp.ETag), nil
}

// verifyObject confirms the stored object's size matches the local file. On
// mismatch the stored object is deleted so a retried task starts clean.
func (s *Store) verifyObject(ctx context.Context, objectKey string, wantSize int64) error {
	var head *s3.HeadObjectOutput
	err := s.retryWithBackoff(ctx, "HeadObject", func() error {
		var err error
		head, err = s.s3().HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucketName()),
			Key:    aws.String(objectKey),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to verify uploaded object %s: %w", objectKey, err)
	}

	if got := aws.ToInt64(head.ContentLength); got != wantSize {
		s.deleteObject(ctx, objectKey)
		return fmt.Errorf("uploaded object %s has %d bytes, want %d", objectKey, got, wantSize)
	}
	return nil
}

// presignGet signs a GET for the stored object. Presigning is local
// computation; no request leaves the host.
func (s *Store) presignGet(ctx context.Context, objectKey string) (string, error) {
	req, err := s.presignClient().PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName()),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(constants.PresignExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign result URL for %s: %w", objectKey, err)
	}
	return req.URL, nil
}

func (s *Store) deleteObject(ctx context.Context, objectKey string) {
	if _, err := s.s3().DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName()),
		Key:    aws.String(objectKey),
	}); err != nil {
		log.Warn().Err(err).Str("key", objectKey).Msg("Failed to delete mismatched object")
	}
}

// retryWithBackoff wraps fn in the shared retry policy. Credential-class
// failures re-pull credentials from the control plane and rebuild the S3
// client before the next attempt.
func (s *Store) retryWithBackoff(ctx context.Context, operation string, fn func() error) error {
	cfg := http.Config{
		MaxRetries:   constants.MaxStateRetries + 1,
		InitialDelay: constants.RetryInitialDelay,
		MaxDelay:     constants.RetryMaxDelay,
		OnRetry: func(attempt int, err error, errorType http.ErrorType) {
			log.Warn().
				Str("operation", operation).
				Int("attempt", attempt).
				Str("errorType", http.ErrorTypeName(errorType)).
				Err(err).
				Msg("Retrying object store call")
		},
	}
	if s.cache != nil {
		cfg.CredentialRefresh = s.refreshClients
	}
	return http.ExecuteWithRetry(ctx, cfg, fn)
}

// refreshClients forces a credential fetch and rebuilds the S3 client around
// the shared HTTP client so the connection pool survives the swap.
func (s *Store) refreshClients(ctx context.Context) error {
	if s.cache == nil {
		return fmt.Errorf("no credential source configured")
	}
	creds, err := s.cache.Refresh(ctx)
	if err != nil {
		return err
	}

	client, presign, err := buildClients(ctx, creds, s.httpClient)
	if err != nil {
		return err
	}

	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.client = client
	s.presign = presign
	s.bucket = creds.Bucket

	log.Info().Str("endpoint", NormalizeEndpoint(creds.Endpoint)).Msg("Rebuilt object store client after credential refresh")
	return nil
}

func (s *Store) s3() *s3.Client {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.client
}

func (s *Store) presignClient() *s3.PresignClient {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.presign
}

func (s *Store) bucketName() string {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.bucket
}

func buildClients(ctx context.Context, creds *models.ObjectStoreCredentials, httpClient *nethttp.Client) (*s3.Client, *s3.PresignClient, error) {
	endpoint := NormalizeEndpoint(creds.Endpoint)
	if endpoint == "" {
		return nil, nil, fmt.Errorf("object store endpoint is empty")
	}

	credCache := aws.NewCredentialsCache(
		awscreds.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
		func(o *aws.CredentialsCacheOptions) {
			o.ExpiryWindow = 5 * time.Minute
		},
	)

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(defaultRegion),
		config.WithCredentialsProvider(credCache),
	}
	if httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		// MinIO-style stores address buckets by path, not virtual host.
		o.UsePathStyle = true
		// The SDK's default streaming checksums break older MinIO releases.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return client, s3.NewPresignClient(client), nil
}

// progressEmitter gates upload progress to integer-percent steps.
type progressEmitter struct {
	total       int64
	uploaded    int64
	lastPercent int
	fn          ProgressFunc
}

func newProgressEmitter(total int64, fn ProgressFunc) *progressEmitter {
	return &progressEmitter{total: total, lastPercent: -1, fn: fn}
}

func (e *progressEmitter) add(n int64) {
	e.uploaded += n
	if e.fn == nil {
		return
	}
	pct := 0
	if e.total > 0 {
		pct = int(e.uploaded * 100 / e.total)
	}
	if pct > 100 {
		pct = 100
	}
	if pct > e.lastPercent || e.uploaded >= e.total {
		e.lastPercent = pct
		e.fn(e.uploaded, e.total, pct)
	}
}
