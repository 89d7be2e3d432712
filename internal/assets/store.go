package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gameshelf/gameshelf-back/internal/config"
)

// ErrPersist covers every asset failure: bad extension, oversized payload,
// fetch failure, disk failure. Callers log-and-continue; the owning write
// (game creation, profile update) proceeds without the asset.
var ErrPersist = errors.New("asset persist failed")

type Store struct {
	dir        string
	maxBytes   int64
	extensions []string
	rest       *resty.Client
	logger     *zap.SugaredLogger
}

func NewStore(cfg *config.Config, l *zap.SugaredLogger) *Store {
	return &Store{
		dir:        cfg.UploadDir,
		maxBytes:   cfg.MaxUploadBytes,
		extensions: cfg.Extensions(),
		rest: resty.New().
			SetTimeout(time.Duration(cfg.CatalogTimeoutSeconds) * time.Second),
		logger: l,
	}
}

// Save persists data under a name derived from the suggested one and returns
// the stored reference. The suggested name only contributes its base and
// extension; the stored name carries a random suffix so uploads never clash.
func (s *Store) Save(name string, data []byte) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !s.allowed(ext) {
		s.logger.Warnw("asset rejected: extension not allowed", "extension", ext)
		return "", ErrPersist
	}
	if int64(len(data)) > s.maxBytes {
		s.logger.Warnw("asset rejected: too large", "size", len(data))
		return "", ErrPersist
	}

	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if base == "" || base == "." {
		base = "asset"
	}
	stored := fmt.Sprintf("%s_%s.%s", base, uuid.New().String()[:8], ext)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Errorw("asset dir create failed", "error", err.Error())
		return "", ErrPersist
	}
	if err := os.WriteFile(filepath.Join(s.dir, stored), data, 0o644); err != nil {
		s.logger.Errorw("asset write failed", "error", err.Error())
		return "", ErrPersist
	}

	return stored, nil
}

// FetchRemote downloads an image and persists it through Save. Best effort:
// the caller treats ErrPersist as "no cover", never as a failed operation.
func (s *Store) FetchRemote(ctx context.Context, url string) (string, error) {
	resp, err := s.rest.R().SetContext(ctx).Get(url)
	if err != nil {
		s.logger.Warnw("cover fetch failed", "url", url, "error", err.Error())
		return "", ErrPersist
	}
	if !resp.IsSuccess() {
		s.logger.Warnw("cover fetch non-success", "url", url, "status", resp.StatusCode())
		return "", ErrPersist
	}

	name := filepath.Base(url)
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}

	return s.Save(name, resp.Body())
}

func (s *Store) allowed(ext string) bool {
	for _, e := range s.extensions {
		if e == ext {
			return true
		}
	}
	return false
}
