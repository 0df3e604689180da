package mesh

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/notargets/meshdist/fault"
)

const s3Scheme = "s3://"

// S3Options locates the S3-compatible object store that s3:// sources are read
// from.
type S3Options struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
}

// OpenSource opens a mesh source, either a local path or s3://bucket/key.
func OpenSource(ctx context.Context, location string, s3 S3Options) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, s3Scheme) {
		f, err := os.Open(location)
		if err != nil {
			return nil, fault.Wrap(fault.KindIO, "open mesh", err)
		}
		return f, nil
	}
	bucket, key, err := splitS3(location)
	if err != nil {
		return nil, err
	}
	if s3.Endpoint == "" {
		return nil, fault.Errorf(fault.KindConfig, "open mesh", "%s needs an s3 endpoint", location)
	}
	client, err := minio.New(s3.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s3.AccessKey, s3.SecretKey, ""),
		Secure: s3.UseSSL,
		Region: s3.Region,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindConfig, "s3 client", err)
	}
	// GetObject is lazy; stat first so a missing object fails here.
	if _, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, fault.Errorf(fault.KindIO, "open mesh", "%s: no such object", location)
		}
		return nil, fault.Wrap(fault.KindIO, "open mesh", err)
	}
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, "open mesh", err)
	}
	return obj, nil
}

func splitS3(location string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(location, s3Scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fault.Errorf(fault.KindConfig, "open mesh", "want s3://bucket/key, got %q", location)
	}
	return bucket, key, nil
}
