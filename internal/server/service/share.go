package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
)

// shareTokenLength is the size of generated share ids. URL-safe, high
// entropy (62^12 ≈ 2^71).
const shareTokenLength = 12

// defaultShareExpiry applies when a share is created without an explicit
// expiration.
const defaultShareExpiry = 7 * 24 * time.Hour

// ShareFile is one file of a resolved share with its per-share ref token.
type ShareFile struct {
	database.PersistedFile
	Ref       string
	ShortName string
}

// ShareResult is returned after creating a share.
type ShareResult struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	ExpiresAt *int64 `json:"expires_at"`
}

// Shares contains the business logic for share links.
type Shares struct {
	repo     *database.Repository
	cfg      *config.Config
	dataRoot string // canonical absolute data root
}

// NewShares creates the share service.
func NewShares(repo *database.Repository, cfg *config.Config, dataRoot string) *Shares {
	return &Shares{repo: repo, cfg: cfg, dataRoot: dataRoot}
}

// Create validates the requested paths against the data root and limits,
// upserts their file rows, and creates the share in one transaction.
// Paths are interpreted relative to the data root (as the indexer reports
// them); expiresAt nil means the default expiry.
func (s *Shares) Create(ctx context.Context, filePaths []string, expiresAt *int64) (*ShareResult, error) {
	if len(filePaths) == 0 {
		return nil, apperr.Validation("file_paths must not be empty")
	}
	if len(filePaths) > s.cfg.MaxFilesPerShare {
		return nil, apperr.TooManyFiles(s.cfg.MaxFilesPerShare, len(filePaths))
	}

	fileIDs := make([]int64, 0, len(filePaths))
	for _, p := range filePaths {
		abs, err := s.ResolveUnderRoot(p)
		if err != nil {
			return nil, err
		}

		info, err := os.Stat(abs)
		if err != nil {
			return nil, apperr.FileNotFound(p)
		}
		if info.IsDir() {
			return nil, apperr.Validation(fmt.Sprintf("%s is a directory", p))
		}
		if info.Size() > s.cfg.MaxFileSize {
			return nil, apperr.FileSizeLimitExceeded(s.cfg.MaxFileSize, info.Size())
		}

		id, err := s.repo.UpsertFile(ctx, abs, info.Size())
		if err != nil {
			return nil, apperr.Database(err)
		}
		fileIDs = append(fileIDs, id)
	}

	token, err := generateToken(shareTokenLength)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := time.Now().Unix()
	expiration := now + int64(defaultShareExpiry.Seconds())
	if expiresAt != nil {
		expiration = *expiresAt
	}

	share := &database.ShareLink{ID: token, Expiration: expiration, CreatedAt: now}
	if err := s.repo.CreateShare(ctx, share, fileIDs); err != nil {
		return nil, apperr.Database(err)
	}

	slog.Info("share created", "id", token, "files", len(fileIDs), "expires_at", expiration)

	result := &ShareResult{ID: token, URL: fmt.Sprintf("%s/s/%s", s.cfg.Host, token)}
	if expiration != database.ShareNeverExpires {
		result.ExpiresAt = &expiration
	}
	return result, nil
}

// Resolve loads a share and its files in insertion order, rejecting expired
// shares. Expiration at exactly now counts as expired.
func (s *Shares) Resolve(ctx context.Context, shareID string) (*database.ShareLink, []ShareFile, error) {
	share, err := s.repo.GetShare(ctx, shareID)
	if err != nil {
		if errors.Is(err, database.ErrShareNotFound) {
			return nil, nil, apperr.ShareNotFound(shareID)
		}
		return nil, nil, apperr.Database(err)
	}

	if share.Expiration != database.ShareNeverExpires && share.Expiration <= time.Now().Unix() {
		return nil, nil, apperr.ShareExpired(shareID)
	}

	rows, err := s.repo.GetShareFiles(ctx, shareID)
	if err != nil {
		return nil, nil, apperr.Database(err)
	}

	files := make([]ShareFile, 0, len(rows))
	for _, f := range rows {
		files = append(files, ShareFile{
			PersistedFile: f,
			Ref:           FileRef(shareID, f.ID),
			ShortName:     filepath.Base(f.Path),
		})
	}
	return share, files, nil
}

// ResolveFileRef maps a file ref to exactly one file of the share.
// An unknown ref is a 404; a ref matching more than one file is a 400.
func (s *Shares) ResolveFileRef(ctx context.Context, shareID, fileRef string) (*ShareFile, error) {
	_, files, err := s.Resolve(ctx, shareID)
	if err != nil {
		return nil, err
	}

	var match *ShareFile
	for i := range files {
		if files[i].Ref == fileRef {
			if match != nil {
				return nil, apperr.Validation("ambiguous file reference")
			}
			match = &files[i]
		}
	}
	if match == nil {
		return nil, apperr.FileNotFound(fileRef)
	}
	return match, nil
}

// ResolveUnderRoot resolves a path relative to the data root and rejects
// anything that escapes it after canonicalisation.
func (s *Shares) ResolveUnderRoot(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", apperr.Validation("invalid path")
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.dataRoot, p)
	}
	abs = filepath.Clean(abs)

	if abs != s.dataRoot && !strings.HasPrefix(abs, s.dataRoot+string(filepath.Separator)) {
		return "", apperr.Validation(fmt.Sprintf("path %s escapes the data root", p))
	}
	return abs, nil
}

// FileRef derives the stable per-file download token for a share. The
// truncated hash is deterministic across calls and collision-free within a
// share for any realistic file count.
func FileRef(shareID string, fileID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", shareID, fileID)))
	return hex.EncodeToString(sum[:])[:8]
}

// generateToken produces a cryptographically secure, URL-safe random string.
func generateToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
