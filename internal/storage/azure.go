package storage

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
)

type azureStorage struct {
	cfg    Config
	client *container.Client
}

func newAzure(cfg Config) (Storage, error) {
	cred, err := azblob.NewSharedKeyCredential(cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, errors.Wrap(err, "azure shared key credential")
	}

	client, err := container.NewClientWithSharedKeyCredential(cfg.Endpoint+"/"+cfg.Bucket, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "azure container client")
	}

	return &azureStorage{cfg: cfg, client: client}, nil
}

func (a *azureStorage) name(name string) string {
	if a.cfg.Prefix == "" {
		return name
	}
	return a.cfg.Prefix + "/" + name
}

// Save buffers data in memory before upload: the objects this package
// archives (compressed checkpoint files) are small enough that
// a seekable, closeable in-memory body is simpler than streaming.
func (a *azureStorage) Save(name string, data io.Reader, size int64) error {
	buf := make([]byte, size)
	if _, err := io.ReadFull(data, buf); err != nil {
		return errors.Wrapf(err, "buffer %s for azure upload", name)
	}

	blockBlob := a.client.NewBlockBlobClient(a.name(name))
	_, err := blockBlob.UploadBuffer(context.Background(), buf, nil)
	return errors.Wrapf(err, "azure upload %s", name)
}

func (a *azureStorage) SourceReader(name string) (io.ReadCloser, error) {
	blobClient := a.client.NewBlobClient(a.name(name))
	resp, err := blobClient.DownloadStream(context.Background(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "azure download %s", name)
	}
	return resp.Body, nil
}

func (a *azureStorage) FileStat(name string) (FileInfo, error) {
	blobClient := a.client.NewBlobClient(a.name(name))
	props, err := blobClient.GetProperties(context.Background(), nil)
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "azure get properties %s", name)
	}
	size := int64(0)
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	return FileInfo{Name: name, Size: size}, nil
}
