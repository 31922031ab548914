package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/hima/hima-service/internal/domain"
	"github.com/hima/hima-service/pkg/docstore"
)

type documentKind int

const (
	documentKYC documentKind = iota
	documentClaim
)

// DocumentArchiver copies inbound chat media into the document store. Without a fetcher or
// a store the provider media id is kept as the reference.
type DocumentArchiver struct {
	fetcher MediaFetcher
	store   DocumentStore
	logger  *zap.Logger
}

func NewDocumentArchiver(fetcher MediaFetcher, store DocumentStore, logger *zap.Logger) *DocumentArchiver {
	return &DocumentArchiver{fetcher: fetcher, store: store, logger: logger}
}

// Archive stores one attachment and returns its reference.
func (a *DocumentArchiver) Archive(ctx context.Context, phone string, kind documentKind, att domain.Attachment) string {
	if a == nil || a.fetcher == nil || a.store == nil {
		return att.MediaID
	}

	data, mimeType, err := a.fetcher.DownloadMedia(ctx, att.MediaID)
	if err != nil {
		a.logger.Warn("media download failed; keeping provider reference", zap.String("media_id", att.MediaID), zap.Error(err))
		return att.MediaID
	}
	if mimeType == "" {
		mimeType = att.MimeType
	}

	key := docstore.KYCKey(phone, att.MediaID, mimeType)
	if kind == documentClaim {
		key = docstore.ClaimKey(phone, att.MediaID, mimeType)
	}
	ref, err := a.store.Put(ctx, key, mimeType, data, map[string]string{"phone": phone, "media-id": att.MediaID})
	if err != nil {
		a.logger.Warn("document upload failed; keeping provider reference", zap.String("media_id", att.MediaID), zap.Error(err))
		return att.MediaID
	}
	return ref
}
