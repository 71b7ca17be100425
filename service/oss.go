package service

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 72 * time.Hour

// MinioStore 导出产物上传到 MinIO，返回预签名下载地址
type MinioStore struct {
	client *minio.Client
	bucket string
	log    *logger.Logger
}

// NewMinioStore endpoint 为空时返回 nil，表示不启用对象存储
func NewMinioStore(cfg config.Config, log *logger.Logger) (*MinioStore, error) {
	m := cfg.MinIO
	if m.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(m.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(m.AccessKey, m.SecretKey, ""),
		Secure: m.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("MinIO 初始化失败: %w", err)
	}
	log.Info("MinIO 连接成功", "endpoint", m.Endpoint, "bucket", m.Bucket)
	return &MinioStore{client: client, bucket: m.Bucket, log: log.With("component", "minio")}, nil
}

func (s *MinioStore) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return "", fmt.Errorf("检查 Bucket 失败: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("创建 Bucket 失败: %w", err)
		}
		s.log.Info("bucket created", "bucket", s.bucket)
	}

	_, err = s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", fmt.Errorf("上传 MinIO 失败: %w", err)
	}

	reqParams := make(url.Values)
	reqParams.Set("response-content-disposition", "attachment; filename=\""+filepath.Base(localPath)+"\"")
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, presignExpiry, reqParams)
	if err != nil {
		return "", fmt.Errorf("生成签名 URL 失败: %w", err)
	}
	s.log.Info("文件已上传", "object", objectName)
	return u.String(), nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".pdf":
		return "application/pdf"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	case ".html":
		return "text/html; charset=utf-8"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	}
	return "application/octet-stream"
}
