package storage

import (
	"io"

	minio "github.com/minio/minio-go"
	"github.com/pkg/errors"
)

type minioStorage struct {
	cfg    Config
	client *minio.Client
}

func newMinio(cfg Config) (Storage, error) {
	client, err := minio.New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.UseSSL)
	if err != nil {
		return nil, errors.Wrap(err, "new minio client")
	}
	return &minioStorage{cfg: cfg, client: client}, nil
}

func (m *minioStorage) name(name string) string {
	if m.cfg.Prefix == "" {
		return name
	}
	return m.cfg.Prefix + "/" + name
}

func (m *minioStorage) Save(name string, data io.Reader, size int64) error {
	_, err := m.client.PutObject(m.cfg.Bucket, m.name(name), data, size, minio.PutObjectOptions{})
	return errors.Wrapf(err, "minio put object %s", name)
}

func (m *minioStorage) SourceReader(name string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(m.cfg.Bucket, m.name(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "minio get object %s", name)
	}
	return obj, nil
}

func (m *minioStorage) FileStat(name string) (FileInfo, error) {
	info, err := m.client.StatObject(m.cfg.Bucket, m.name(name), minio.StatObjectOptions{})
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "minio stat object %s", name)
	}
	return FileInfo{Name: name, Size: info.Size}, nil
}
