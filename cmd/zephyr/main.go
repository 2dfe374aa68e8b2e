// Command zephyr is the per-invocation entry point the runtime's
// compute providers exec: one process, one action invocation, one
// exit code. It reads TOKEN/PAYLOAD_URL/OVERWRITTEN from the
// environment, builds a Driver, and runs it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/zephyr/internal/config"
	"github.com/oriys/zephyr/internal/driver"
	"github.com/oriys/zephyr/internal/logging"
	"github.com/oriys/zephyr/internal/metrics"
	"github.com/oriys/zephyr/internal/observability"
	"github.com/oriys/zephyr/internal/secrets"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "zephyr",
		Short: "zephyr - FaaS workflow action runner",
		Long:  "Runs one action invocation of a workflow DAG: fetch the payload, validate it, execute the user function, and trigger its successors.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON config file (optional, env overrides win)")

	rootCmd.AddCommand(runCmd(), secretsCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		payloadURL  string
		token       string
		overwritten string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one action invocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payloadURL == "" {
				payloadURL = os.Getenv("PAYLOAD_URL")
			}
			if token == "" {
				token = os.Getenv("TOKEN")
			}
			if overwritten == "" {
				overwritten = os.Getenv("OVERWRITTEN")
			}
			if payloadURL == "" {
				return fmt.Errorf("PAYLOAD_URL is required (flag --payload-url or env PAYLOAD_URL)")
			}

			overlay, err := parseOverlay(overwritten)
			if err != nil {
				return fmt.Errorf("parse OVERWRITTEN: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			return runDriver(cfg, driver.Input{
				PayloadPath: payloadURL,
				Token:       token,
				Overlay:     overlay,
			})
		},
	}

	cmd.Flags().StringVar(&payloadURL, "payload-url", "", "owner/repo/branch/path.json (overrides PAYLOAD_URL)")
	cmd.Flags().StringVar(&token, "token", "", "GitHub raw-content bearer token (overrides TOKEN)")
	cmd.Flags().StringVar(&overwritten, "overwritten", "", "JSON object of per-invocation field overrides (overrides OVERWRITTEN)")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runtime version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("zephyr dev")
			return nil
		},
	}
}

func parseOverlay(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

// runDriver wires up the ambient stack (logging, tracing, metrics)
// around one Driver.Run call and maps its outcome to a process exit
// code: 0 on success or a clean fan-in non-winner exit, 1 on any
// fatal error.
func runDriver(cfg *config.Config, in driver.Input) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.ConfigureOp(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	logger := logging.Default()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(shutdownCtx)
	}()

	reg := metrics.Init(cfg.Observability.Metrics.Namespace)
	var metricsSrv *metricsServer
	if cfg.Observability.Metrics.Enabled && cfg.Observability.Metrics.Addr != "" {
		metricsSrv = startMetricsServer(cfg.Observability.Metrics.Addr, reg)
		defer metricsSrv.Stop(context.Background())
	}

	// A predecessor invocation may have started the trace; resume it.
	runCtx, span := observability.StartSpan(observability.ContextFromEnv(ctx), "driver.run")
	defer span.End()

	d := driver.New(cfg)
	d.Logger = logger
	runErr := d.Run(runCtx, in)

	if runErr != nil {
		observability.SetSpanError(span, runErr)
	} else {
		observability.SetSpanOK(span)
	}

	return runErr
}

// secretsCmd manages the encrypted secret map that run substitutes
// into workflow documents marked UseSecretStore.
func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secret map",
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key and print it hex-encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}

	var keyFile, out string
	encrypt := &cobra.Command{
		Use:   "encrypt <plaintext.json>",
		Short: "Encrypt a JSON secret map with the master key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cipher *secrets.Cipher
			var err error
			if keyFile != "" {
				cipher, err = secrets.NewCipherFromFile(keyFile)
			} else {
				cipher, err = secrets.NewCipher(os.Getenv("ZEPHYR_SECRETS_MASTER_KEY"))
			}
			if err != nil {
				return err
			}

			plaintext, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read secret map: %w", err)
			}
			var m map[string]string
			if err := json.Unmarshal(plaintext, &m); err != nil {
				return fmt.Errorf("secret map must be a flat JSON object of strings: %w", err)
			}

			ciphertext, err := cipher.Encrypt(plaintext)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, ciphertext, 0o600); err != nil {
				return fmt.Errorf("write encrypted map: %w", err)
			}
			fmt.Printf("encrypted %d secrets to %s\n", len(m), out)
			return nil
		},
	}
	encrypt.Flags().StringVar(&keyFile, "key-file", "", "file holding the hex master key (default: ZEPHYR_SECRETS_MASTER_KEY)")
	encrypt.Flags().StringVar(&out, "out", "secrets.enc", "output path for the encrypted map")

	cmd.AddCommand(keygen, encrypt)
	return cmd
}
