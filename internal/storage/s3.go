package storage

import (
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

type s3Storage struct {
	cfg Config
	svc *s3.S3
}

func newS3(cfg Config) (Storage, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "new aws session")
	}

	return &s3Storage{cfg: cfg, svc: s3.New(sess)}, nil
}

func (s *s3Storage) key(name string) string {
	if s.cfg.Prefix == "" {
		return name
	}
	return s.cfg.Prefix + "/" + name
}

func (s *s3Storage) Save(name string, data io.Reader, size int64) error {
	uploader := s3manager.NewUploaderWithClient(s.svc)
	_, err := uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   data,
	})
	return errors.Wrapf(err, "s3 upload %s", name)
}

func (s *s3Storage) SourceReader(name string) (io.ReadCloser, error) {
	out, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "s3 get object %s", name)
	}
	return out.Body, nil
}

func (s *s3Storage) FileStat(name string) (FileInfo, error) {
	out, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "s3 head object %s", name)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return FileInfo{Name: name, Size: size}, nil
}
