// Command tvafd wires together the alert bus (C1), session wrapper (C2),
// resume store (C3), request engine (C4), buffered reader (C5), virtual
// filesystem (C6), and accounting (C7) into a running daemon. Grounded on
// the teacher's cmd/momoshtrem/main.go wiring shape (flag-parsed config
// path, slog setup, sequential component init with defer-based cleanup,
// signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/privatevod/tvafengine/internal/acct"
	"github.com/privatevod/tvafengine/internal/alertbus"
	anacrolixengine "github.com/privatevod/tvafengine/internal/engine/anacrolix"
	"github.com/privatevod/tvafengine/internal/bufreader"
	"github.com/privatevod/tvafengine/internal/config"
	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/httpapi"
	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/metrics"
	"github.com/privatevod/tvafengine/internal/reqengine"
	"github.com/privatevod/tvafengine/internal/resume"
	"github.com/privatevod/tvafengine/internal/session"
	"github.com/privatevod/tvafengine/internal/vfs"
)

func main() {
	configDir := flag.String("config-dir", "./data", "Directory holding config.json, resume/, downloads/")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting tvafengine", "config_dir", *configDir)

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		slog.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	resume.MetaInfoExtractor = anacrolixengine.ExtractMetaInfo
	resume.MetaInfoStripper = anacrolixengine.StripMetaInfo

	pieceStorage, _, pieceCompletion, err := anacrolixengine.InitStorage(
		cfg.Torrent.DefaultSavePath, 4096,
	)
	if err != nil {
		slog.Error("failed to init torrent storage", "error", err)
		os.Exit(1)
	}
	defer pieceCompletion.Close()

	itemStore, err := anacrolixengine.NewItemStore(
		filepath.Join(cfg.Torrent.DefaultSavePath, "dht-items"), 2*time.Hour,
	)
	if err != nil {
		slog.Error("failed to init DHT item store", "error", err)
		os.Exit(1)
	}
	defer itemStore.Close()

	peerID, err := anacrolixengine.GetOrCreatePeerID(
		filepath.Join(cfg.Torrent.DefaultSavePath, "peer-id"),
	)
	if err != nil {
		slog.Error("failed to get peer id", "error", err)
		os.Exit(1)
	}

	client, err := anacrolixengine.NewClient(&anacrolixengine.ClientConfig{
		Storage:         pieceStorage,
		ItemStore:       itemStore,
		PeerID:          peerID,
		PieceCompletion: pieceCompletion,
	})
	if err != nil {
		slog.Error("failed to create torrent client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	sess := anacrolixengine.NewSession(client)
	wrapped := session.New(sess)
	if err := wrapped.SetConfig(sessionSettingsFromConfig(cfg)); err != nil {
		slog.Error("invalid session config", "error", err)
		os.Exit(1)
	}

	bus := alertbus.New(wrapped.Underlying())

	acctStore, err := acct.Open(context.Background(), cfg.Accounting.PostgresURL, cfg.Accounting.CacheDir)
	if err != nil {
		slog.Error("failed to open accounting store", "error", err)
		os.Exit(1)
	}
	defer acctStore.Close()

	reqSub := bus.Subscribe(alertbus.Filter{})
	reqEng := reqengine.New(sess, reqSub, acctStore)
	reqEng.Run()
	defer reqEng.Stop()

	resumeSub := bus.Subscribe(alertbus.Filter{Types: []engine.AlertType{
		engine.AlertSaveResumeData, engine.AlertSaveResumeDataFailed,
	}})
	resumeStore := resume.New(*configDir, sess, reqEng.FindHandle)
	resumeStore.Run(resumeSub, reqEng.Handles)

	reg := prometheus.NewRegistry()
	metrics.New(reg)
	reg.MustRegister(metrics.NewEngineCollector(reqEng))

	opener := &reqEngineOpener{eng: reqEng}
	fs := vfs.New(opener)
	fs.RegisterMetadataProvider(&handleMetadataProvider{eng: reqEng})

	httpServer := httpapi.NewServer(fs)
	apiHTTPServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.BindAddress, cfg.HTTP.Port),
		Handler: httpServer.Handler(),
	}

	var metricsHTTPServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsHTTPServer = metrics.NewServer(cfg.Metrics.Port, reg)
		go func() {
			if err := metricsHTTPServer.Start(); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	if cfg.HTTP.Enabled {
		go func() {
			slog.Info("starting http api", "addr", apiHTTPServer.Addr)
			if err := apiHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http api server error", "error", err)
			}
		}()
	}

	slog.Info("tvafengine is ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Reload(*configDir)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			if err := wrapped.SetConfig(sessionSettingsFromConfig(newCfg)); err != nil {
				slog.Error("failed to re-apply session config", "error", err)
				continue
			}
			cfg = newCfg
			continue
		}
		slog.Info("received signal, shutting down", "signal", sig)
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiHTTPServer.Shutdown(ctx); err != nil {
		slog.Error("http api shutdown error", "error", err)
	}
	if metricsHTTPServer != nil {
		if err := metricsHTTPServer.Shutdown(ctx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}
	resumeStore.Shutdown(ctx, reqEng.Handles())
	wrapped.Pause()

	slog.Info("tvafengine stopped")
}

func sessionSettingsFromConfig(cfg *config.Config) map[string]any {
	out := map[string]any{"settings_base": cfg.Session.SettingsBase}
	for k, v := range cfg.Session.Settings {
		out[k] = v
	}
	return out
}

// reqEngineOpener adapts reqengine.Engine to vfs.Opener by issuing a
// buffered-reader request for the requested byte range.
type reqEngineOpener struct {
	eng *reqengine.Engine
}

func (o *reqEngineOpener) OpenRange(ih infohash.T, start, stop int64, user, tracker string, configureATP func(*engine.AddTorrentDescriptor)) vfs.ReadSeekCloser {
	return bufreader.New(o.eng, ih, start, stop, user, tracker, configureATP)
}

// handleMetadataProvider is a minimal vfs.MetadataProvider that only
// resolves torrents already known to the live engine table (no external
// tracker/index lookup, which is a front-end concern out of spec.md's
// core scope).
type handleMetadataProvider struct {
	eng *reqengine.Engine
}

func (p *handleMetadataProvider) LookupMetadata(ih infohash.T) (*engine.PieceInfo, bool) {
	h, ok := p.eng.FindHandle(ih)
	if !ok {
		return nil, false
	}
	info, ok := h.Info()
	if !ok {
		return nil, false
	}
	return &info, true
}
