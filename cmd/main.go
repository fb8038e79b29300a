package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunecast/mediaload/internal/config"
	"github.com/tunecast/mediaload/internal/gateway"
	"github.com/tunecast/mediaload/internal/httpapi"
	"github.com/tunecast/mediaload/internal/loader"
	"github.com/tunecast/mediaload/internal/metrics"
	"github.com/tunecast/mediaload/internal/netclass"
	"github.com/tunecast/mediaload/internal/persistence"
	"github.com/tunecast/mediaload/internal/probe"
	"github.com/tunecast/mediaload/internal/transcode"
	"github.com/tunecast/mediaload/internal/videofirst"
	"github.com/tunecast/mediaload/pkg/log"
)

// contentKey hashes whichever media reference identifies the underlying
// bytes, so catalog entries sharing a source collapse to one cache entry.
func contentKey(a loader.Asset) string {
	ref := a.MediaURL
	if ref == "" {
		ref = a.ImageURL
	}
	if ref == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:16])
}

func main() {
	_ = config.Load()
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	var store *persistence.SQLiteStore
	if cfg.Store.DBPath != "" {
		store, err = persistence.NewSQLiteStore(cfg.Store.DBPath)
		if err != nil {
			log.Fatal("Failed to open store: %v", err)
		}
		defer store.Close()
	}

	m := metrics.New()
	classifier := netclass.NewClassifier()
	gate := videofirst.NewGate(cfg.VideoFirst, classifier.Current)

	racer := gateway.NewRacer(cfg.Gateway, winnerStore(store), classifier.Current)
	racer.SetProbeObserver(m.ObserveGatewayProbe)

	var broker loader.AssetBroker
	if cfg.Transcode.APIURL != "" {
		b := transcode.NewBroker(cfg.Transcode, assetStore(store))
		b.SetPollObserver(m.IncTranscodePolls)
		broker = b
	}

	manager, err := loader.NewManager(cfg.Loader, loader.Deps{
		Key:       contentKey,
		Resolver:  racer,
		Broker:    broker,
		Prober:    probe.NewHTTPProber(nil),
		Profile:   classifier.Current,
		Gate:      gate,
		Completed: completedStore(store),
		Metrics:   m,
	})
	if err != nil {
		log.Fatal("Failed to start load manager: %v", err)
	}
	defer manager.Close()

	server := httpapi.NewServer(manager, contentKey,
		httpapi.WithClassifier(classifier),
		httpapi.WithMetrics(m),
		httpapi.WithJanitorSchedule(cfg.Loader.JanitorCron),
	)

	errCh := make(chan error, 1)
	go func() {
		log.Info("Status server listening on %s", cfg.System.HTTPAddr)
		errCh <- server.ListenAndServe(cfg.System.HTTPAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("Received %s, shutting down", sig)
	case err := <-errCh:
		log.Error("Status server failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("Status server shutdown: %v", err)
	}
}

// The store is optional; nil interface values keep the consumers on their
// in-memory paths.

func winnerStore(s *persistence.SQLiteStore) gateway.WinnerStore {
	if s == nil {
		return nil
	}
	return s
}

func assetStore(s *persistence.SQLiteStore) transcode.AssetStore {
	if s == nil {
		return nil
	}
	return s
}

func completedStore(s *persistence.SQLiteStore) loader.CompletedStore {
	if s == nil {
		return nil
	}
	return s
}
