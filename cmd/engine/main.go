package main

import (
	"log"
	"time"

	"matchengine/internal/broadcast"
	"matchengine/internal/broadcast/kafkasink"
	"matchengine/internal/config"
	"matchengine/internal/engine"
	"matchengine/internal/logging"
	"matchengine/internal/snapshotstore"
	"matchengine/internal/wal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New("info")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	w, err := wal.Open(cfg.WALPath, logger)
	if err != nil {
		logger.Error(err, logging.F("component", "wal"))
		log.Fatalf("wal: %v", err)
	}

	var sink broadcast.Sink
	if cfg.KafkaBrokers != "" {
		sink = kafkasink.New([]string{cfg.KafkaBrokers}, cfg.KafkaTopic)
	} else {
		sink = noopSink{}
	}
	bq := broadcast.NewQueue(cfg.BroadcastWorkers, sink, logger)

	var snaps *snapshotstore.Store
	if cfg.SnapshotDir != "" {
		snaps, err = snapshotstore.Open(cfg.SnapshotDir)
		if err != nil {
			logger.Error(err, logging.F("component", "snapshotstore"))
			log.Fatalf("snapshotstore: %v", err)
		}
	}

	e := engine.New(cfg, w, bq, snaps, logger)

	if err := e.Replay(); err != nil {
		logger.Error(err, logging.F("component", "replay"))
		log.Fatalf("replay: %v", err)
	}

	if cfg.SnapshotInterval > 0 {
		e.StartSnapshotLoop(time.Duration(cfg.SnapshotInterval) * time.Second)
	}

	logger.Info("engine started", logging.F("wal_path", cfg.WALPath))

	select {}
}

// noopSink discards broadcast messages when no downstream transport is
// configured, so the queue still drains instead of blocking producers.
type noopSink struct{}

func (noopSink) Send(broadcast.Message) error { return nil }
