// bftnode runs one replica of the BFT SMR engine: it loads the
// configuration, stands up the libp2p node and persistent log, starts
// the engine's event loops, and serves /metrics plus the observer
// websocket until signalled to stop.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cerera/bft/config"
	"github.com/cerera/bft/internal/bftcrypto"
	"github.com/cerera/bft/internal/engine"
	"github.com/cerera/bft/internal/executor"
	"github.com/cerera/bft/internal/logger"
	"github.com/cerera/bft/internal/metrics"
	"github.com/cerera/bft/internal/node"
	"github.com/cerera/bft/internal/pbftlog"
	"github.com/cerera/bft/internal/seqno"
)

var (
	cfgPath  string
	nodeID   uint32
	p2pPort  int
	httpPort int
)

func main() {
	root := &cobra.Command{
		Use:   "bftnode",
		Short: "BFT state machine replication replica",
		RunE:  run,
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to JSON config file")
	root.Flags().Uint32Var(&nodeID, "id", 0, "replica id (overrides config)")
	root.Flags().IntVar(&p2pPort, "port", 0, "p2p listen port (overrides config)")
	root.Flags().IntVar(&httpPort, "http", 0, "http port for /metrics and /ws (overrides config)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("id") {
		cfg.Network.NodeID = seqno.NodeID(nodeID)
	}
	if p2pPort != 0 {
		cfg.Network.P2pPort = p2pPort
	}
	if httpPort != 0 {
		cfg.Network.HttpPort = httpPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := logger.Init(logger.Config{
		Path:    cfg.Log.Path,
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		Node:    cfg.Network.NodeID.String(),
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("bftnode")

	keys, err := loadKeys(cfg)
	if err != nil {
		return err
	}
	log.Infow("replica identity ready", "id", cfg.Network.NodeID, "fingerprint", bftcrypto.Fingerprint(keys.Pub))

	peerKeys, err := decodePeerKeys(cfg)
	if err != nil {
		return err
	}
	peerKeys[cfg.Network.NodeID] = keys.Pub

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg.Network.NodeID, keys, node.Config{
		ListenPort: cfg.Network.P2pPort,
		Members:    cfg.Members(),
		PeerAddrs:  cfg.Network.PeerAddrs,
		PeerKeys:   peerKeys,
		EnableNAT:  cfg.Network.EnableNAT,
		EnableDHT:  cfg.Network.EnableDHT,
	}, logger.Named("node"))
	if err != nil {
		return err
	}
	defer n.Close()

	plog, err := pbftlog.Open(cfg.LogPath, logger.Named("pbftlog"))
	if err != nil {
		return err
	}
	defer plog.Close()

	eng, err := engine.New(ctx, cfg, engine.Deps{
		Node: n,
		Log:  plog,
		App:  executor.NewKVStore(),
	}, logger.Named("core"))
	if err != nil {
		return err
	}
	defer eng.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", eng.Hub())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Network.HttpPort),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server failed", "error", err)
		}
	}()

	log.Infow("replica running", "view", eng.View().Seq(), "leader", eng.View().Leader())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Infow("replica stopped")
	return nil
}

// loadKeys derives the replica identity from the configured mnemonic,
// or generates (and prints) a fresh one so restarts are reproducible.
func loadKeys(cfg *config.Config) (*bftcrypto.KeyPair, error) {
	if cfg.Network.Mnemonic != "" {
		return bftcrypto.FromMnemonic(cfg.Network.Mnemonic, cfg.Network.Pass)
	}
	mnemonic, err := bftcrypto.NewMnemonic()
	if err != nil {
		return nil, err
	}
	fmt.Printf("generated identity mnemonic (save to config to keep this identity):\n%s\n", mnemonic)
	return bftcrypto.FromMnemonic(mnemonic, cfg.Network.Pass)
}

func decodePeerKeys(cfg *config.Config) (map[seqno.NodeID]*ecdsa.PublicKey, error) {
	out := make(map[seqno.NodeID]*ecdsa.PublicKey, len(cfg.Network.PeerKeys))
	for id, pemStr := range cfg.Network.PeerKeys {
		pub, err := bftcrypto.DecodePublicKey(pemStr)
		if err != nil {
			return nil, fmt.Errorf("peer %s public key: %w", id, err)
		}
		out[id] = pub
	}
	return out, nil
}
