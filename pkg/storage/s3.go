package storage

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type s3Store struct {
	client *s3.S3
	cfg    Config
	log    logrus.FieldLogger
}

// NewS3Store builds the store facade from the given configuration. No
// network traffic happens here; the first call that touches the store is
// EnsureBucket or whichever operation the caller issues first.
func NewS3Store(cfg Config, log logrus.FieldLogger) (ObjectStore, error) {
	switch cfg.SignatureVersion {
	case "", "s3", "s3v4":
	default:
		return nil, errors.Errorf("Unsupported signature version %q (expected s3 or s3v4)", cfg.SignatureVersion)
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	if !cfg.UseAmbientRole {
		awsCfg = awsCfg.WithCredentials(
			credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create AWS session")
	}

	return &s3Store{
		client: s3.New(sess),
		cfg:    cfg,
		log:    log,
	}, nil
}

func (s *s3Store) EnsureBucket() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	if err == nil {
		return nil
	}
	if !isNotFoundErr(err) {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
	// us-east-1 is the one region that rejects an explicit location
	// constraint.
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3.CreateBucketConfiguration{
			LocationConstraint: aws.String(s.cfg.Region),
		}
	}
	if _, err := s.client.CreateBucket(input); err != nil {
		return errors.Wrap(ErrStorageUnavailable, err.Error())
	}
	s.log.Infof("Created bucket %s", s.cfg.Bucket)
	return nil
}

func (s *s3Store) Exists(key string) (bool, error) {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "Failed to probe object %s", key)
	}
	return true, nil
}

func (s *s3Store) Head(key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "Failed to read metadata for %s", key)
	}

	info := &ObjectInfo{
		Key:         key,
		ETag:        strings.Trim(aws.StringValue(out.ETag), `"`),
		Size:        aws.Int64Value(out.ContentLength),
		ContentType: aws.StringValue(out.ContentType),
		Metadata:    aws.StringValueMap(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *s3Store) Put(key string, body io.ReadSeeker, size int64, contentType string, acl ACL, metadata map[string]string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if acl != "" && acl != ACLAuto {
		input.ACL = aws.String(string(acl))
	}
	if len(metadata) > 0 {
		input.Metadata = aws.StringMap(metadata)
	}

	if _, err := s.client.PutObject(input); err != nil {
		return errors.Wrapf(err, "Failed to store object %s", key)
	}
	return nil
}

func (s *s3Store) Get(key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "Failed to fetch object %s", key)
	}
	return out.Body, nil
}

func (s *s3Store) Delete(key string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFoundErr(err) {
		return errors.Wrapf(err, "Failed to delete object %s", key)
	}
	return nil
}

func (s *s3Store) List(prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to list objects under %s", prefix)
	}
	return keys, nil
}

func (s *s3Store) SetACL(key string, acl ACL) error {
	_, err := s.client.PutObjectAcl(&s3.PutObjectAclInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		ACL:    aws.String(string(acl)),
	})
	if err != nil {
		return errors.Wrapf(err, "Failed to set ACL %s on %s", acl, key)
	}
	return nil
}

func (s *s3Store) Presign(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to presign URL for %s", key)
	}
	return url, nil
}

func (s *s3Store) PublicURL(key string) string {
	if s.cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s",
			strings.TrimSuffix(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s",
		s.cfg.Bucket, s.cfg.Region, key)
}

// isNotFoundErr reports whether the SDK error is any flavor of 404.
func isNotFoundErr(err error) bool {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == 404 {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}
