// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/accredit-backend/internal/apperrors"
	"github.com/javajoker/accredit-backend/internal/config"
)

// StorageService stores payment proofs in S3, or on local disk when no AWS
// credentials are configured.
type StorageService struct {
	s3Client s3iface.S3API
	bucket   string
	localDir string
	options  UploadOptions
	logger   logrus.FieldLogger
}

type UploadOptions struct {
	Folder       string
	MaxSize      int64 // in bytes
	AllowedTypes []string
}

func NewStorageService(config *config.Config, logger logrus.FieldLogger) (*StorageService, error) {
	s := &StorageService{
		bucket:   config.AWS.S3Bucket,
		localDir: config.AWS.LocalUploadDir,
		options:  GetDefaultUploadOptions("payment_proofs"),
		logger:   logger,
	}

	if config.AWS.AccessKeyID == "" {
		// Local development
		return s, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.AWS.Region),
		Credentials: credentials.NewStaticCredentials(
			config.AWS.AccessKeyID,
			config.AWS.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	s.s3Client = s3.New(sess)
	return s, nil
}

// NewS3StorageService builds the service around an existing client.
func NewS3StorageService(client s3iface.S3API, bucket string, logger logrus.FieldLogger) *StorageService {
	return &StorageService{
		s3Client: client,
		bucket:   bucket,
		options:  GetDefaultUploadOptions("payment_proofs"),
		logger:   logger,
	}
}

// NewLocalStorageService keeps files under dir.
func NewLocalStorageService(dir string, logger logrus.FieldLogger) *StorageService {
	return &StorageService{
		localDir: dir,
		options:  GetDefaultUploadOptions("payment_proofs"),
		logger:   logger,
	}
}

// Store validates and saves a file and returns the path used to delete it.
func (s *StorageService) Store(ctx context.Context, name, contentType string, size int64, r io.Reader) (string, error) {
	if s.options.MaxSize > 0 && size > s.options.MaxSize {
		return "", apperrors.Validation(apperrors.CodeValidation,
			fmt.Sprintf("file size %d bytes exceeds maximum allowed size %d bytes", size, s.options.MaxSize))
	}

	ext := strings.ToLower(filepath.Ext(name))
	if len(s.options.AllowedTypes) > 0 && !contains(s.options.AllowedTypes, ext) {
		return "", apperrors.Validation(apperrors.CodeValidation, fmt.Sprintf("file type %s is not allowed", ext))
	}

	key := s.generateKey(name)
	if s.s3Client != nil {
		return key, s.uploadToS3(ctx, key, contentType, size, r)
	}
	return key, s.uploadToLocal(key, r)
}

func (s *StorageService) Delete(ctx context.Context, path string) error {
	if s.s3Client == nil {
		err := os.Remove(filepath.Join(s.localDir, filepath.FromSlash(path)))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete local file: %w", err)
		}
		return nil
	}

	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file from S3: %w", err)
	}
	return nil
}

func (s *StorageService) uploadToS3(ctx context.Context, key, contentType string, size int64, r io.Reader) error {
	// PutObject needs a seekable body.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 body,
		ContentType:          aws.String(contentType),
		ContentLength:        aws.Int64(size),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"key": key, "size": size}).Debug("Stored payment proof in S3")
	return nil
}

func (s *StorageService) uploadToLocal(key string, r io.Reader) error {
	path := filepath.Join(s.localDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func GetDefaultUploadOptions(category string) UploadOptions {
	switch category {
	case "payment_proofs":
		return UploadOptions{
			Folder:       "payment-proofs",
			MaxSize:      10 * 1024 * 1024, // 10MB
			AllowedTypes: []string{".pdf", ".jpg", ".jpeg", ".png"},
		}
	default:
		return UploadOptions{
			Folder:       "general",
			MaxSize:      5 * 1024 * 1024, // 5MB
			AllowedTypes: []string{".jpg", ".jpeg", ".png", ".pdf"},
		}
	}
}

func (s *StorageService) generateKey(name string) string {
	timestamp := time.Now().Format("20060102")
	return fmt.Sprintf("%s/%s/%s", s.options.Folder, timestamp, filepath.Base(name))
}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}
