package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/blocknetics/ledger/app/services/node/handlers"
	"github.com/blocknetics/ledger/foundation/blockchain/database"
	"github.com/blocknetics/ledger/foundation/blockchain/database/storage"
	"github.com/blocknetics/ledger/foundation/blockchain/genesis"
	"github.com/blocknetics/ledger/foundation/blockchain/gossip"
	"github.com/blocknetics/ledger/foundation/blockchain/peer"
	"github.com/blocknetics/ledger/foundation/blockchain/state"
	"github.com/blocknetics/ledger/foundation/blockchain/worker"
	"github.com/blocknetics/ledger/foundation/events"
	"github.com/blocknetics/ledger/foundation/logger"
	"github.com/blocknetics/ledger/foundation/nameservice"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the
// makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
		}
		State struct {
			BeneficiaryName string   `conf:"default:miner1"`
			AccountsFolder  string   `conf:"default:zblock/accounts/"`
			GenesisFile     string   `conf:"default:zblock/genesis.json"`
			DBPath          string   `conf:"default:zblock/blocks/"`
			SelectStrategy  string   `conf:"default:feerate"`
			MaxPoolSize     int      `conf:"default:5000"`
			KnownPeers      []string `conf:"default:0.0.0.0:9080"`
		}
		Gossip struct {
			Host           string        `conf:"default:0.0.0.0:9080"`
			MaxPeers       int           `conf:"default:50"`
			StatusInterval time.Duration `conf:"default:30s"`
			SyncInterval   time.Duration `conf:"default:1m"`
			SweepInterval  time.Duration `conf:"default:1m"`
			PeerTimeout    time.Duration `conf:"default:2m"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Name Service Support

	// The nameservice package provides name resolution for account addresses.
	// The names come from the file names in the accounts folder.
	ns, err := nameservice.New(cfg.State.AccountsFolder)
	if err != nil {
		return fmt.Errorf("unable to load account name service: %w", err)
	}

	for account, name := range ns.Copy() {
		log.Infow("startup", "status", "nameservice", "name", name, "account", account)
	}

	// =========================================================================
	// Ledger Support

	// The genesis file carries the consensus parameters every node on the
	// network must agree on.
	gen, err := genesis.Load(cfg.State.GenesisFile)
	if err != nil {
		return fmt.Errorf("unable to load genesis file: %w", err)
	}

	// Load the private key file for the configured beneficiary so the account
	// can be credited with mining rewards and fees.
	path := fmt.Sprintf("%s%s.ecdsa", cfg.State.AccountsFolder, cfg.State.BeneficiaryName)
	privateKey, err := crypto.LoadECDSA(path)
	if err != nil {
		return fmt.Errorf("unable to load private key for node: %w", err)
	}

	// A peer set is a collection of known nodes in the network so
	// transactions and blocks can be shared.
	peerSet := peer.NewPeerSet(cfg.Gossip.MaxPeers)
	for _, host := range cfg.State.KnownPeers {
		peerSet.Add(peer.Peer{Host: host})
	}

	// The ledger packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	// Blocks are persisted to disk as one JSON file per block.
	strg, err := storage.NewDisk(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("unable to open block storage: %w", err)
	}

	// Each run gets a fresh identity on the network.
	nodeID := uuid.NewString()

	// The state value represents the ledger node. It manages the chain
	// database and provides an API for application support.
	st, err := state.New(state.Config{
		BeneficiaryID:  database.PublicKeyToAccountID(privateKey.PublicKey),
		Host:           cfg.Gossip.Host,
		NodeID:         nodeID,
		Genesis:        gen,
		Serializer:     strg,
		SelectStrategy: cfg.State.SelectStrategy,
		MaxPoolSize:    cfg.State.MaxPoolSize,
		KnownPeers:     peerSet,
		EvHandler:      ev,
	})
	if err != nil {
		return err
	}
	defer st.Shutdown()

	// The gossip package owns the UDP endpoint the node exchanges peers,
	// blocks and transactions on.
	gsp, err := gossip.New(gossip.Config{
		NodeID:     nodeID,
		Host:       cfg.Gossip.Host,
		Ledger:     st,
		KnownPeers: peerSet,
		EvHandler:  ev,
	})
	if err != nil {
		return fmt.Errorf("unable to start gossip: %w", err)
	}
	defer gsp.Shutdown()

	// The worker package implements the different workflows such as mining,
	// transaction sharing and peer liveness. The worker registers itself
	// with the state.
	worker.Run(worker.Config{
		State:          st,
		Gossip:         gsp,
		KnownPeers:     peerSet,
		StatusInterval: cfg.Gossip.StatusInterval,
		SyncInterval:   cfg.Gossip.SyncInterval,
		SweepInterval:  cfg.Gossip.SweepInterval,
		PeerTimeout:    cfg.Gossip.PeerTimeout,
		EvHandler:      ev,
	})

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the
	// debug related endpoints. This includes the standard library endpoints.
	debugMux := handlers.DebugMux(build, log)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the
	// OS. Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this
	// error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		NS:       ns,
		Evts:     evts,
	})

	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}
