package oss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"

	"github.com/listingboost/lb_server/config"
	"github.com/listingboost/lb_server/internal/model"
)

type Client struct {
	client        *oss.Client
	bucket        *oss.Bucket
	bucketName    string
	cdnDomain     string
	archivePrefix string
	now           func() time.Time
}

func NewClient(cfg *config.OSSConfig) (*Client, error) {
	client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	bucket, err := client.Bucket(cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}

	prefix := cfg.ArchivePrefix
	if prefix == "" {
		prefix = "job-archive"
	}

	return &Client{
		client:        client,
		bucket:        bucket,
		bucketName:    cfg.BucketName,
		cdnDomain:     cfg.CDNDomain,
		archivePrefix: prefix,
		now:           time.Now,
	}, nil
}

// archivedJob 归档文件内容
type archivedJob struct {
	ArchivedAt time.Time            `json:"archived_at"`
	Count      int                  `json:"count"`
	Jobs       []*model.AnalysisJob `json:"jobs"`
}

// ArchiveJobs 将一批过期任务写成一个 JSON 对象，删除前调用
func (c *Client) ArchiveJobs(ctx context.Context, jobs []*model.AnalysisJob) error {
	if len(jobs) == 0 {
		return nil
	}

	now := c.now()
	data, err := json.Marshal(&archivedJob{ArchivedAt: now, Count: len(jobs), Jobs: jobs})
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}

	objectKey := c.archiveKey(now, jobs[0].ID)
	if _, err := c.UploadJSON(ctx, objectKey, data); err != nil {
		return err
	}
	return nil
}

// archiveKey 按日期分目录：prefix/2006/01/02/<unix_nano>-<first_job_id>.json
func (c *Client) archiveKey(now time.Time, firstID string) string {
	return path.Join(c.archivePrefix, now.Format("2006/01/02"), fmt.Sprintf("%d-%s.json", now.UnixNano(), firstID))
}

// UploadJSON 上传 JSON 文件
func (c *Client) UploadJSON(ctx context.Context, objectKey string, data []byte) (string, error) {
	err := c.bucket.PutObject(objectKey, bytes.NewReader(data),
		oss.ContentType("application/json"),
		oss.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}

	return c.GetURL(objectKey), nil
}

// GetURL 获取文件访问 URL
func (c *Client) GetURL(objectKey string) string {
	if c.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", c.cdnDomain, objectKey)
	}
	return fmt.Sprintf("https://%s.%s/%s", c.bucketName, c.client.Config.Endpoint, objectKey)
}
