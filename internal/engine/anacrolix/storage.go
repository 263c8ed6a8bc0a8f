package anacrolix

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anacrolix/missinggo/v2/filecache"
	"github.com/anacrolix/torrent/storage"
)

// InitStorage creates the piece storage layer: a file-cache-backed resource
// store plus a BoltDB piece completion tracker. Adapted from the teacher's
// internal/torrent/client.go InitStorage, unchanged beyond the package move.
func InitStorage(metadataFolder string, cacheSizeMB int64) (storage.ClientImpl, *filecache.Cache, storage.PieceCompletion, error) {
	cacheDir := filepath.Join(metadataFolder, "cache")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, nil, nil, err
	}

	fc, err := filecache.NewCache(cacheDir)
	if err != nil {
		return nil, nil, nil, err
	}
	fc.SetCapacity(cacheSizeMB * 1024 * 1024)

	st := storage.NewResourcePieces(fc.AsResourceProvider())

	pcDir := filepath.Join(metadataFolder, "piece-completion")
	if err := os.MkdirAll(pcDir, 0755); err != nil {
		return nil, nil, nil, err
	}

	pc, err := storage.NewBoltPieceCompletion(pcDir)
	if err != nil {
		return nil, nil, nil, err
	}

	slog.Info("torrent storage initialized",
		"cache_dir", cacheDir,
		"cache_size_mb", cacheSizeMB,
		"piece_completion_dir", pcDir,
	)

	return st, fc, pc, nil
}
