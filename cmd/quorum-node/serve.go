package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cosmossdk.io/math"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/config"
	"github.com/ssd-technologies/quorum/internal/dispatch"
	"github.com/ssd-technologies/quorum/internal/events"
	"github.com/ssd-technologies/quorum/internal/ledger"
	"github.com/ssd-technologies/quorum/internal/mesh"
	"github.com/ssd-technologies/quorum/internal/registry"
	"github.com/ssd-technologies/quorum/internal/server"
	"github.com/ssd-technologies/quorum/internal/storage"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry, dispatcher and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			key, err := auth.LoadOrGenerateKey(viper.GetString("key"))
			if err != nil {
				return fmt.Errorf("node key: %w", err)
			}

			n, err := openNode(cfg, key)
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			n.srv.StartWorkers(ctx)

			httpSrv := &http.Server{Addr: cfg.Server.Listen, Handler: n.srv}
			go func() {
				<-ctx.Done()
				log.Println("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(shutdownCtx)
			}()

			fmt.Printf("Quorum node %s listening on %s (owner %s)\n",
				auth.Address(key).Hex(), cfg.Server.Listen, n.registry.Owner().Hex())
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "", "listen address (overrides config, env QUORUM_LISTEN)")
	cmd.Flags().String("db", "", "SQLite database path (overrides config, env QUORUM_DB_PATH)")
	cmd.Flags().String("owner", "", "initial owner address (overrides config, env QUORUM_OWNER)")
	cmd.Flags().String("dispatcher", "", "dispatcher account (overrides config, env QUORUM_DISPATCHER)")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("db-path", cmd.Flags().Lookup("db"))
	_ = viper.BindPFlag("owner", cmd.Flags().Lookup("owner"))
	_ = viper.BindPFlag("dispatcher", cmd.Flags().Lookup("dispatcher"))
	return cmd
}

// loadConfig reads --config and layers the flag and QUORUM_* environment
// overrides viper resolved on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	err = cfg.Apply(config.Overrides{
		Listen:     viper.GetString("listen"),
		DBPath:     viper.GetString("db-path"),
		Owner:      viper.GetString("owner"),
		Dispatcher: viper.GetString("dispatcher"),
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and node key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			key, err := auth.LoadOrGenerateKey(viper.GetString("key"))
			if err != nil {
				return fmt.Errorf("node key: %w", err)
			}
			cfg := config.Default()
			cfg.Owner = auth.Address(key).Hex()
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return err
				}
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s (owner %s)\n", out, cfg.Owner)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "quorum.yml", "config file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// node is a fully wired registry, dispatcher and API over one database.
type node struct {
	db         *storage.DB
	ledger     *ledger.Memory
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	hub        *mesh.Hub
	srv        *server.Server
}

func (n *node) Close() error { return n.db.Close() }

// openNode opens the database, restores the owner, registry and dispatcher
// state from it and wires the HTTP server. The ledger lives in memory, so balances the
// restored state depends on (custody stake, escrowed bonuses) are re-minted.
func openNode(cfg *config.Config, key *ecdsa.PrivateKey) (*node, error) {
	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := storage.NewDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n, err := wireNode(cfg, key, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return n, nil
}

func wireNode(cfg *config.Config, key *ecdsa.PrivateKey, db *storage.DB) (*node, error) {
	// A persisted transfer outranks the configured owner.
	owner := cfg.OwnerAddress(auth.Address(key))
	if stored, ok, err := db.Owner(); err != nil {
		return nil, err
	} else if ok {
		owner = stored
	}
	custody := cfg.CustodyAddress()
	dispatcherAddr := cfg.DispatcherAddress()
	bus := events.NewBus(db)

	led := ledger.NewMemory()
	genesis, err := cfg.Ledger.Balances()
	if err != nil {
		return nil, err
	}
	for addr, amount := range genesis {
		led.Mint(addr, amount)
	}

	rc, err := cfg.Registry.Build()
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(owner, custody, led,
		registry.WithConfig(rc),
		registry.WithStore(db),
		registry.WithEmitter(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	records, err := db.ListOracleRecords()
	if err != nil {
		return nil, fmt.Errorf("load oracles: %w", err)
	}
	consumers, err := db.ListConsumers()
	if err != nil {
		return nil, fmt.Errorf("load consumers: %w", err)
	}
	reg.Restore(records, consumers)
	if staked := activeStake(records); staked.IsPositive() {
		led.Mint(custody, staked)
	}

	hub := mesh.NewHub(mesh.NewTracker(), nil, cfg.Mesh.MessageRate)
	disp, err := dispatch.New(dispatcherAddr, reg, led,
		dispatch.WithConfig(cfg.Dispatch),
		dispatch.WithTransport(hub),
		dispatch.WithStore(db),
		dispatch.WithEmitter(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	hub.SetFulfiller(disp)

	evals, err := db.ListEvaluations(false)
	if err != nil {
		return nil, fmt.Errorf("load evaluations: %w", err)
	}
	disp.Restore(evals)
	if held := escrowedBonuses(evals); held.IsPositive() {
		led.Mint(dispatcherAddr, held)
	}

	if !reg.IsApproved(dispatcherAddr) {
		if err := reg.ApproveContract(owner, dispatcherAddr); err != nil {
			return nil, fmt.Errorf("approve dispatcher: %w", err)
		}
	}
	log.Printf("[node] restored %d oracles, %d consumers, %d evaluations", len(records), len(consumers), len(evals))

	srv := server.New(server.Deps{
		Registry:   reg,
		Dispatcher: disp,
		Ledger:     led,
		DB:         db,
		Hub:        hub,
		Bus:        bus,
	}, cfg.ServerConfig())

	return &node{
		db:         db,
		ledger:     led,
		registry:   reg,
		dispatcher: disp,
		hub:        hub,
		srv:        srv,
	}, nil
}

func activeStake(records []registry.OracleRecord) math.Int {
	var stakes []math.Int
	for _, rec := range records {
		if rec.Active {
			stakes = append(stakes, rec.Stake)
		}
	}
	return ledger.Sum(stakes...)
}

// escrowedBonuses totals bonuses pulled from requesters but not yet paid out.
func escrowedBonuses(evals []dispatch.Evaluation) math.Int {
	var held []math.Int
	for _, ev := range evals {
		for _, s := range ev.Slots {
			if s.BonusEscrowed && !s.BonusPaid {
				held = append(held, s.Fee.MulRaw(ev.BonusMultiplier))
			}
		}
	}
	return ledger.Sum(held...)
}
