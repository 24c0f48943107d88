package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// DefaultEndpoint gs:// 物件透過 GCS 的 S3 互通端點存取
const DefaultEndpoint = "storage.googleapis.com"

var (
	ErrMissingCredentials = errors.New("object storage access key and secret key are required")
	ErrSchemeMismatch     = errors.New("remote object scheme does not match fetcher")
)

// Fetcher 將遠端物件下載到本地目錄，回傳本地路徑
type Fetcher interface {
	Fetch(ctx context.Context, obj types.RemoteObject, dir string) (string, error)
}

// StoreConfig 物件儲存連線設定
type StoreConfig struct {
	Scheme    string `yaml:"scheme"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ObjectStoreFetcher 以 S3 相容 API 下載物件
type ObjectStoreFetcher struct {
	client *minio.Client
	scheme string
}

// NewObjectStoreFetcher 建立 fetcher；endpoint 未設定時使用 DefaultEndpoint
func NewObjectStoreFetcher(cfg StoreConfig) (*ObjectStoreFetcher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, ErrMissingCredentials
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	scheme := strings.TrimSpace(cfg.Scheme)
	if scheme == "" {
		scheme = DefaultScheme
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init object storage client: %w", err)
	}

	return &ObjectStoreFetcher{client: client, scheme: scheme}, nil
}

// Fetch 下載 obj 至 dir/<key 最後一段>
//
// 失敗時會移除殘留的部分檔案，錯誤原樣往上傳遞。
func (f *ObjectStoreFetcher) Fetch(ctx context.Context, obj types.RemoteObject, dir string) (string, error) {
	if f == nil || f.client == nil {
		return "", fmt.Errorf("fetcher is nil")
	}
	if obj.Scheme != f.scheme {
		return "", fmt.Errorf("%w: %s", ErrSchemeMismatch, obj)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	local := filepath.Join(dir, obj.Filename())
	if err := f.client.FGetObject(ctx, obj.Bucket, obj.Key, local, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(local)
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return "", fmt.Errorf("fetch %s: object not found: %w", obj, err)
		}
		return "", fmt.Errorf("fetch %s: %w", obj, err)
	}

	return local, nil
}
