package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/backend/s3store"
	"yhtransfer/internal/config"
	"yhtransfer/internal/storageserver"
	"yhtransfer/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a storage server the engine can use as its host",
	Long: `Serve the storage HTTP API on --addr, backed by process memory or by an
S3 bucket (--store s3://bucket/prefix).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		store, _ := cmd.Flags().GetString("store")
		publicURL, _ := cmd.Flags().GetString("public-url")
		rps, _ := cmd.Flags().GetFloat64("rate")
		burst, _ := cmd.Flags().GetInt("burst")

		if publicURL == "" {
			publicURL = "http://" + listenHost(addr) + "/v1"
		}
		b, err := openStore(cmd.Context(), store, publicURL)
		if err != nil {
			return err
		}
		defer b.Close()

		opts := []storageserver.Option{storageserver.WithDebug(verbose)}
		if rps > 0 {
			opts = append(opts, storageserver.WithRateLimit(rate.Limit(rps), max(burst, 1)))
		}
		srv := storageserver.New(b, opts...)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe(addr) }()
		fmt.Fprintf(cmd.OutOrStdout(), "Storage server listening on %s (store: %s). Press Ctrl+C to exit.\n", addr, store)

		// Signal handler for graceful shutdown.
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigChan)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case sig := <-sigChan:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived signal: %s. Shutting down...\n", sig)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func listenHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// openStore builds the backend behind serve. s3 credentials come from
// settings.yaml in the work dir, then the usual AWS environment.
func openStore(ctx context.Context, store, publicURL string) (backend.Backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case store == "" || store == "mem":
		return backend.NewMemory(publicURL), nil
	case strings.HasPrefix(store, "s3://"):
		opts, err := s3store.ParseURL(store)
		if err != nil {
			return nil, err
		}
		config.SetWorkDir(workDir)
		settings, err := config.LoadSettings()
		if err != nil {
			return nil, err
		}
		opts.Region = settings.S3.Region
		opts.Endpoint = settings.S3.Endpoint
		opts.AccessKey = settings.S3.AccessKey
		opts.SecretKey = settings.S3.SecretKey
		utils.Debug("serve: s3 bucket=%s prefix=%s region=%s", opts.Bucket, opts.Prefix, opts.Region)
		return s3store.New(ctx, opts)
	}
	return nil, fmt.Errorf("unsupported store %q (want mem or s3://bucket/prefix)", store)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", ":8080", "Listen address")
	serveCmd.Flags().String("store", "mem", "Backing store: mem or s3://bucket/prefix")
	serveCmd.Flags().String("public-url", "", "Base of the URLs handed to clients (default: http://<addr>/v1)")
	serveCmd.Flags().Float64("rate", 0, "Requests per second allowed (0 disables limiting)")
	serveCmd.Flags().Int("burst", 20, "Burst size for --rate")
}
