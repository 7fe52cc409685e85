// Command nqdbd starts one node: a storage engine over a data directory,
// plus a Raft node registered in a single-process cluster registry for
// local multi-node testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nqdb/nqdb/pkg/config"
	"github.com/nqdb/nqdb/pkg/consensus"
	"github.com/nqdb/nqdb/pkg/logging"
	"github.com/nqdb/nqdb/pkg/storage"
	"github.com/nqdb/nqdb/pkg/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file (optional, defaults are used otherwise)")
		nodeID     = flag.String("node-id", "node-1", "this node's Raft ID")
	)
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.DefaultOptions())

	engine, err := storage.Open(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("open storage engine")
	}
	defer engine.Close()

	registry := transport.NewRegistry()
	localTransport := registry.Join(*nodeID)

	consensusStore, err := consensus.OpenStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("open consensus store")
	}
	defer consensusStore.Close()

	raftCfg := consensus.Config{
		ElectionTimeoutMin: cfg.Raft.ElectionTimeoutMin.Duration(),
		ElectionTimeoutMax: cfg.Raft.ElectionTimeoutMax.Duration(),
		HeartbeatInterval:  cfg.Raft.HeartbeatInterval.Duration(),
	}

	applyFn := func(entry consensus.LogEntry, token consensus.FencingToken) {
		logger.Info().
			Uint64("index", entry.Index).
			Uint64("term", token.Term).
			Uint64("seq", token.Sequence).
			Msg("applying committed entry")
	}

	node, err := consensus.New(*nodeID, raftCfg, consensusStore, localTransport, applyFn)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct consensus manager")
	}
	localTransport.SetHandler(node)
	node.Start()
	defer node.Stop()

	ticker := time.NewTicker(cfg.Raft.HeartbeatInterval.Duration())
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := node.ApplyCommitted(); err != nil {
					logger.Error().Err(err).Msg("apply committed entries")
				}
			}
		}
	}()

	logger.Info().Str("data_dir", cfg.DataDir).Str("node_id", *nodeID).Msg("nqdbd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(done)
	logger.Info().Msg("nqdbd shutting down")
}
