package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/revault/cosignerd/internal/config"
	"github.com/revault/cosignerd/internal/core/application"
	"github.com/revault/cosignerd/internal/infrastructure/db"
	noiseservice "github.com/revault/cosignerd/internal/interface/noise"
	"github.com/revault/cosignerd/internal/keys"
	log "github.com/sirupsen/logrus"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	log.Infof("starting cosignerd %s (commit %s, built %s)...", version, commit, date)

	bitcoinKey, err := keys.ReadBitcoinKey(cfg.Datadir)
	if err != nil {
		log.WithError(err).Fatal("failed to load bitcoin key")
	}
	noiseKey, err := keys.ReadNoiseKey(cfg.Datadir)
	if err != nil {
		log.WithError(err).Fatal("failed to load noise key")
	}
	noisePubKey, err := noiseKey.PublicKey()
	if err != nil {
		log.WithError(err).Fatal("failed to derive noise public key")
	}

	dbConfig := []any{cfg.Datadir}
	if cfg.DbType == "badger" {
		dbConfig = []any{cfg.Datadir, log.New()}
	}
	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   cfg.DbType,
		DbConfig: dbConfig,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}

	buildInfo := application.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	appSvc, err := application.NewService(buildInfo, bitcoinKey, dbSvc)
	if err != nil {
		log.WithError(err).Fatal(err)
	}

	svcConfig := noiseservice.Config{
		Listen:   cfg.Listen,
		NoiseKey: noiseKey,
		Managers: cfg.ManagerKeys(),
	}
	svc, err := noiseservice.NewService(svcConfig, appSvc)
	if err != nil {
		log.Fatal(err)
	}

	log.RegisterExitHandler(svc.Stop)
	log.RegisterExitHandler(dbSvc.Close)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		log.Fatal(err)
	}

	log.Infof("noise public key: %s", noisePubKey)
	log.Infof("bitcoin public key: %x", bitcoinKey.PubKey().SerializeCompressed())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
}
