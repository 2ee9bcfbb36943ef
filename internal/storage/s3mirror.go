package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an optional off-host mirror for snapshot archives.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Mirror uploads and downloads snapshot archives to S3-compatible object
// storage, independent of the local disk layout Provider manages. Snapshots
// always resolve locally first; this is a durability backstop, not the
// source of truth.
type S3Mirror struct {
	client *s3.Client
	bucket string
}

// NewS3Mirror builds an S3Mirror. With AccessKeyID empty, it uses the
// default AWS credential chain.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	var client *s3.Client

	if cfg.AccessKeyID != "" {
		opts := []func(*s3.Options){
			func(o *s3.Options) {
				o.Region = cfg.Region
				o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
				if cfg.ForcePathStyle {
					o.UsePathStyle = true
				}
				if cfg.Endpoint != "" {
					o.BaseEndpoint = aws.String(cfg.Endpoint)
				}
			},
		}
		client = s3.New(s3.Options{}, opts...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("storage: load aws config: %w", err)
		}
		var s3Opts []func(*s3.Options)
		if cfg.ForcePathStyle {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
		}
		if cfg.Endpoint != "" {
			s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
		}
		client = s3.NewFromConfig(awsCfg, s3Opts...)
	}

	return &S3Mirror{client: client, bucket: cfg.Bucket}, nil
}

func snapshotKey(snapshotID string) string {
	return "snapshots/" + snapshotID + ".tar"
}

// Upload streams a local snapshot archive to S3 under the snapshot's key.
func (m *S3Mirror) Upload(ctx context.Context, snapshotID, localArchivePath string) error {
	f, err := os.Open(localArchivePath)
	if err != nil {
		return fmt.Errorf("storage: open archive: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat archive: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(snapshotKey(snapshotID)),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return fmt.Errorf("storage: upload snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// Download streams a snapshot archive from S3.
func (m *S3Mirror) Download(ctx context.Context, snapshotID string) (io.ReadCloser, error) {
	resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(snapshotKey(snapshotID)),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: download snapshot %s: %w", snapshotID, err)
	}
	return resp.Body, nil
}

// Delete removes a snapshot archive from S3.
func (m *S3Mirror) Delete(ctx context.Context, snapshotID string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(snapshotKey(snapshotID)),
	})
	if err != nil {
		return fmt.Errorf("storage: delete snapshot %s: %w", snapshotID, err)
	}
	return nil
}
