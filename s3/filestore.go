package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/sharedcode/fabric"
)

// largeObjectMinSize is the size at or beyond which uploads go through the s3
// transfer manager, and the part size the manager uses. Downloads always go
// through the manager.
const largeObjectMinSize = 10 * 1024 * 1024

// FileStore archives committed uploads as objects in one bucket, keyed by
// their store-relative path.
type FileStore struct {
	S3Client   *s3.Client
	BucketName string
}

// NewFileStore returns an S3-backed FileStore over the given client.
func NewFileStore(s3Client *s3.Client, bucketName string) (fabric.FileStore, error) {
	if s3Client == nil {
		return nil, fmt.Errorf("s3Client parameter can't be nil")
	}
	return &FileStore{
		S3Client:   s3Client,
		BucketName: bucketName,
	}, nil
}

// Store uploads data under relativePath. Large objects go through the
// transfer manager in parts.
func (b *FileStore) Store(ctx context.Context, relativePath string, data []byte) error {
	if len(data) >= largeObjectMinSize {
		largeBuffer := bytes.NewReader(data)
		uploader := manager.NewUploader(b.S3Client, func(u *manager.Uploader) {
			u.PartSize = largeObjectMinSize
		})
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.BucketName),
			Key:    aws.String(relativePath),
			Body:   largeBuffer,
		})
		if err != nil {
			return fmt.Errorf("can't upload large object to bucket %s, item name %s, details: %v", b.BucketName, relativePath, err)
		}
		return nil
	}
	_, err := b.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(relativePath),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("can't upload object to bucket %s, item name %s, details: %v", b.BucketName, relativePath, err)
	}
	return nil
}

// Fetch downloads the object under relativePath through the transfer manager.
func (b *FileStore) Fetch(ctx context.Context, relativePath string) ([]byte, error) {
	downloader := manager.NewDownloader(b.S3Client, func(d *manager.Downloader) {
		d.PartSize = largeObjectMinSize
	})
	buffer := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(relativePath),
	})
	if err != nil {
		return nil, fmt.Errorf("can't fetch object from bucket %s, item name %s, details: %v", b.BucketName, relativePath, err.Error())
	}
	return buffer.Bytes(), nil
}

// Remove deletes the object under relativePath; a missing object is success.
func (b *FileStore) Remove(ctx context.Context, relativePath string) error {
	_, err := b.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(relativePath),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil
		}
		return fmt.Errorf("can't remove object from bucket %s, item name %s, details: %v", b.BucketName, relativePath, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (b *FileStore) Exists(ctx context.Context, relativePath string) bool {
	_, err := b.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.BucketName),
		Key:    aws.String(relativePath),
	})
	return err == nil
}
