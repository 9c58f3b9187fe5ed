package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ssd-technologies/quorum/internal/auth"
	"github.com/ssd-technologies/quorum/internal/identity"
	"github.com/ssd-technologies/quorum/internal/mesh"
)

const (
	minBackoff = time.Second
	maxBackoff = time.Minute
)

var rootCmd = &cobra.Command{
	Use:   "quorum-oracle",
	Short: "Reference oracle node",
	Long: `quorum-oracle connects to a quorum node's mesh endpoint, announces the
capabilities it serves and answers evaluate requests with a deterministic
digest of the payload. It exists to exercise a deployment end to end.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	cobra.OnInitialize(initConfig)
	addFlags()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUORUM_ORACLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addFlags() {
	f := rootCmd.Flags()
	f.String("hub", "ws://localhost:8080/ws", "node mesh endpoint")
	f.String("key", "data/oracle.key", "hex secp256k1 key file")
	f.StringSlice("capability", []string{"judge"}, "capability label to serve (repeatable)")
	f.Int("outputs", 2, "number of likelihoods per answer")
	f.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	for _, name := range []string{"hub", "key", "capability", "outputs", "heartbeat"} {
		_ = viper.BindPFlag(name, f.Lookup(name))
	}
}

func run(cmd *cobra.Command, args []string) error {
	outputs := viper.GetInt("outputs")
	if outputs < 1 {
		return fmt.Errorf("--outputs must be at least 1")
	}
	capabilities := viper.GetStringSlice("capability")
	for _, c := range capabilities {
		if _, err := identity.ParseCapability(c); err != nil {
			return fmt.Errorf("--capability: %w", err)
		}
	}
	key, err := auth.LoadOrGenerateKey(viper.GetString("key"))
	if err != nil {
		return fmt.Errorf("oracle key: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &mesh.Client{
		URL:               viper.GetString("hub"),
		Key:               key,
		Capabilities:      capabilities,
		Evaluate:          digestEvaluator(outputs),
		HeartbeatInterval: viper.GetDuration("heartbeat"),
	}
	log.Printf("[oracle] worker %s serving %v", auth.Address(key).Hex(), client.Capabilities)
	runWithReconnect(ctx, client.Run)
	return nil
}

// runWithReconnect calls connect until ctx is done, backing off exponentially
// after failures. A session that ended cleanly resets the backoff.
func runWithReconnect(ctx context.Context, connect func(context.Context) error) {
	backoff := minBackoff
	for {
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[oracle] connection: %v; retrying in %s", err, backoff)
		} else {
			backoff = minBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}
