package anacrolix

import (
	"log/slog"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"
)

// ClientConfig holds the components NewClient needs to build a
// torrent.Client, adapted from the teacher's internal/torrent/client.go.
type ClientConfig struct {
	Storage         storage.ClientImpl
	ItemStore       bep44.Store
	PeerID          [20]byte
	PieceCompletion storage.PieceCompletion
	Seed            bool
	DisableIPv6     bool
}

// NewClient builds the underlying torrent.Client. This is the only place
// anacrolix/torrent's own config type is touched; everything above
// internal/engine/anacrolix speaks only the engine.* contract.
func NewClient(cc *ClientConfig) (*torrent.Client, error) {
	log := slog.With("component", "torrent-client")

	torrentCfg := torrent.NewDefaultClientConfig()
	torrentCfg.Seed = cc.Seed
	torrentCfg.PeerID = string(cc.PeerID[:])
	torrentCfg.DefaultStorage = cc.Storage
	torrentCfg.DisableIPv6 = cc.DisableIPv6
	torrentCfg.Logger = newTorrentLogger(log)

	torrentCfg.ConfigureAnacrolixDhtServer = func(dhtCfg *dht.ServerConfig) {
		dhtCfg.Store = cc.ItemStore
		dhtCfg.Exp = 2 * time.Hour
		dhtCfg.NoSecurity = false
	}

	client, err := torrent.NewClient(torrentCfg)
	if err != nil {
		return nil, err
	}

	log.Info("torrent client created", "seeding", cc.Seed, "ipv6_disabled", cc.DisableIPv6)
	return client, nil
}
