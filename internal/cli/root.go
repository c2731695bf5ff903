package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"yhtransfer/internal/config"
	"yhtransfer/internal/engine"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

// Version information - set via ldflags during build.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Command line flags
var (
	verbose   bool
	workDir   string
	host      string
	appid     string
	appuid    string
	devid     string
	network   string
	clusterID string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "yhtransfer",
	Short:         "Upload and download files through the yh transfer engine",
	Long:          `yhtransfer drives the transfer engine from the command line: chunked, resumable-per-chunk uploads and downloads with optional AES encryption and wifi-only gating.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.SetVerbose(verbose)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "w", config.GetWorkDir(), "Engine work directory (state, logs)")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", os.Getenv("YHTRANSFER_HOST"), "Storage host: http(s)://host, s3://bucket/prefix or mem://name")
	rootCmd.PersistentFlags().StringVar(&appid, "appid", "cli", "Application id of the session")
	rootCmd.PersistentFlags().StringVar(&appuid, "appuid", currentUser(), "Application user id of the session")
	rootCmd.PersistentFlags().StringVar(&devid, "devid", "", "Device id of the session")
	rootCmd.PersistentFlags().StringVar(&clusterID, "cluster", "", "Cluster id of the session")
	rootCmd.PersistentFlags().StringVar(&network, "network", "wifi", "Current connectivity: wifi, cellular or none")
	rootCmd.SetVersionTemplate("yhtransfer v{{.Version}}\n")
}

func currentUser() string {
	for _, k := range []string{"USER", "USERNAME"} {
		if u := os.Getenv(k); u != "" {
			return u
		}
	}
	return "anonymous"
}

func parseNetwork(s string) (types.NetworkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "wifi", "":
		return types.NetworkWifi, nil
	case "cellular", "3g", "4g", "5g":
		return types.Network3G, nil
	case "none", "offline":
		return types.NetworkNone, nil
	}
	return types.NetworkNone, fmt.Errorf("%w: unknown network %q", types.ErrInvalidArgument, s)
}

// openEngine boots a manager for one command and opens the session the
// flags describe. Release it with executeGlobalShutdown.
func openEngine() (*engine.Manager, *engine.Session, error) {
	if strings.TrimSpace(host) == "" {
		return nil, nil, fmt.Errorf("%w: pass --host or set YHTRANSFER_HOST", types.ErrHostNotSet)
	}
	n, err := parseNetwork(network)
	if err != nil {
		return nil, nil, err
	}
	m, err := engine.New(engine.Options{WorkDir: workDir, Network: n})
	if err != nil {
		return nil, nil, err
	}
	registerShutdown(m)

	if err := m.SetInternalHost(host); err != nil {
		_ = executeGlobalShutdown("cli: bad host")
		return nil, nil, err
	}
	s, err := m.OpenSession(appid, appuid, devid, "", clusterID)
	if err != nil {
		_ = executeGlobalShutdown("cli: session failed")
		return nil, nil, err
	}
	return m, s, nil
}
