package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"discord-archiver/config"
	"discord-archiver/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror keeps a copy of archived image attachments outside of the chat CDN.
type Mirror interface {
	Put(ctx context.Context, a models.Attachment) error
	Remove(ctx context.Context, serverID, channelID, messageID int64) error
	// Purge deletes every object of a community.
	Purge(ctx context.Context, serverID int64) error
}

// NopMirror is used when no bucket is configured.
type NopMirror struct{}

func (NopMirror) Put(context.Context, models.Attachment) error { return nil }

func (NopMirror) Remove(context.Context, int64, int64, int64) error { return nil }

func (NopMirror) Purge(context.Context, int64) error { return nil }

// S3Mirror copies attachments into an S3-compatible bucket.
type S3Mirror struct {
	Client     *minio.Client
	BucketName string
	HTTP       *http.Client
}

// New returns an S3Mirror when storage is configured and a NopMirror otherwise.
func New(ctx context.Context, cfg config.StorageConfig) (Mirror, error) {
	if !cfg.Enabled() {
		return NopMirror{}, nil
	}
	return NewS3Mirror(ctx, cfg)
}

// NewS3Mirror connects to the configured bucket, which must already exist.
func NewS3Mirror(ctx context.Context, cfg config.StorageConfig) (*S3Mirror, error) {
	client, err := minio.New(endpointHost(cfg.Endpoint), &minio.Options{
		Creds:  mirrorCredentials(cfg),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	switch {
	case err != nil:
		return nil, fmt.Errorf("failed to look up attachment bucket %s: %w", cfg.Bucket, err)
	case !ok:
		return nil, fmt.Errorf("attachment bucket %s not found", cfg.Bucket)
	}

	return &S3Mirror{
		Client:     client,
		BucketName: cfg.Bucket,
		HTTP:       &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// endpointHost reduces an endpoint URL to the host[:port] form minio expects.
func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return endpoint
}

// mirrorCredentials falls back to the instance role unless both keys are set.
func mirrorCredentials(cfg config.StorageConfig) *credentials.Credentials {
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		return credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	return credentials.NewIAM("")
}

// ObjectKey is the bucket key of an attachment: <server>/<channel>/<message><ext>.
func ObjectKey(a models.Attachment) string {
	return objectPrefix(a.ServerID, a.ChannelID, a.MessageID) + extension(a.URL)
}

func objectPrefix(serverID, channelID, messageID int64) string {
	return fmt.Sprintf("%s%d/%d", serverPrefix(serverID), channelID, messageID)
}

func serverPrefix(serverID int64) string {
	return fmt.Sprintf("%d/", serverID)
}

func extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// Put downloads the attachment and stores it under ObjectKey.
func (m *S3Mirror) Put(ctx context.Context, a models.Attachment) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", a.URL, err)
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", a.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", a.URL, resp.StatusCode)
	}

	_, err = m.Client.PutObject(ctx, m.BucketName, ObjectKey(a), resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: resp.Header.Get("Content-Type"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", ObjectKey(a), err)
	}
	return nil
}

// Remove deletes every object stored for a message.
func (m *S3Mirror) Remove(ctx context.Context, serverID, channelID, messageID int64) error {
	return m.removePrefix(ctx, objectPrefix(serverID, channelID, messageID)+".")
}

// Purge deletes every object stored for a community.
func (m *S3Mirror) Purge(ctx context.Context, serverID int64) error {
	return m.removePrefix(ctx, serverPrefix(serverID))
}

func (m *S3Mirror) removePrefix(ctx context.Context, prefix string) error {
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	for obj := range m.Client.ListObjects(ctx, m.BucketName, opts) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		if err := m.Client.RemoveObject(ctx, m.BucketName, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", obj.Key, err)
		}
	}
	return nil
}
