package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"video_pipeline_service/internal/pipeline/domain"
	"video_pipeline_service/pkg/database"

	"github.com/google/uuid"
)

// ArtifactGateway 封裝物件儲存的授權操作
// Issues time-limited upload grants and resolves download URLs. It never
// retries internally, the caller decides.
type ArtifactGateway interface {
	IssueUploadGrant(ctx context.Context, contentTypePrefix string, maxSizeBytes int64) (*domain.ArtifactGrant, error)
	ResolveDownloadURL(ctx context.Context, objectRef string) (string, error)
}

// GatewayOptions explicit construction config (no global store client).
type GatewayOptions struct {
	GrantTTL    time.Duration
	DownloadTTL time.Duration
}

type minioGateway struct {
	client database.MinIOClientRepo
	opts   GatewayOptions
}

// NewArtifactGateway create ArtifactGateway backed by minio
func NewArtifactGateway(client database.MinIOClientRepo, opts GatewayOptions) ArtifactGateway {
	if opts.GrantTTL <= 0 {
		opts.GrantTTL = 600 * time.Second
	}
	if opts.DownloadTTL <= 0 {
		opts.DownloadTTL = 3600 * time.Second
	}
	return &minioGateway{client: client, opts: opts}
}

// IssueUploadGrant 生成唯一 object key 並簽出一次性的上傳授權
func (g *minioGateway) IssueUploadGrant(ctx context.Context, contentTypePrefix string, maxSizeBytes int64) (*domain.ArtifactGrant, error) {
	key := fmt.Sprintf("uploads/%d-%s", time.Now().UnixMilli(), strings.Split(uuid.NewString(), "-")[0])

	url, fields, err := g.client.PresignPostPolicy(ctx, key, contentTypePrefix, maxSizeBytes, g.opts.GrantTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}

	return &domain.ArtifactGrant{
		URL:       url,
		Fields:    fields,
		ObjectKey: key,
		ExpiresAt: time.Now().UTC().Add(g.opts.GrantTTL),
	}, nil
}

// ResolveDownloadURL 生成時效性的下載連結
func (g *minioGateway) ResolveDownloadURL(ctx context.Context, objectRef string) (string, error) {
	exists, err := g.client.ObjectExists(ctx, objectRef)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	if !exists {
		return "", domain.ErrObjectNotFound
	}

	url, err := g.client.PresignGetURL(ctx, objectRef, g.opts.DownloadTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return url, nil
}
