package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/config"
	"github.com/surge-downloader/surge/internal/utils"
)

// Version information - set via ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
// It elects itself the daemon if no instance is running and blocks,
// serving the control API, until interrupted.
var rootCmd = &cobra.Command{
	Use:     "surge",
	Short:   "A concurrent, resumable, multi-protocol download manager",
	Long:    `Surge is a headless download engine for HTTP(S) and FTP/FTPS/FTPES, with multi-connection range-splitting and SOCKS proxy support, driven entirely from the command line.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		initializeGlobalState()

		isMaster, err := AcquireLock()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error acquiring lock: %v\n", err)
			os.Exit(1)
		}
		if !isMaster {
			fmt.Fprintln(os.Stderr, "Error: Surge is already running.")
			fmt.Fprintln(os.Stderr, "Use 'surge add <url>' to add a download to the active instance.")
			os.Exit(1)
		}
		defer ReleaseLock()

		portFlag, _ := cmd.Flags().GetInt("port")
		outputDir, _ := cmd.Flags().GetString("output")

		port, ln := bindPort(portFlag)
		if ln == nil {
			fmt.Fprintln(os.Stderr, "Error: could not bind to a port")
			os.Exit(1)
		}
		saveActivePort(port)
		defer removeActivePort()

		startDaemon(ln, port, outputDir)

		fmt.Printf("Surge %s running in headless mode.\n", Version)
		fmt.Printf("Control server listening on port %d\n", port)
		fmt.Println("Press Ctrl+C to exit.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		shutdownDaemon()
	},
}

// bindPort listens on portFlag if given, otherwise the first free port
// starting at 8080.
func bindPort(portFlag int) (int, net.Listener) {
	if portFlag > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", portFlag))
		if err != nil {
			return portFlag, nil
		}
		return portFlag, ln
	}
	return findAvailablePort(8080)
}

// findAvailablePort tries ports starting from 'start' until one is available.
func findAvailablePort(start int) (int, net.Listener) {
	for port := start; port < start+100; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return port, ln
		}
	}
	return 0, nil
}

// saveActivePort writes the active port to the surge dir for client discovery.
func saveActivePort(port int) {
	portFile := filepath.Join(config.GetSurgeDir(), "port")
	_ = os.WriteFile(portFile, []byte(fmt.Sprintf("%d", port)), 0o644)
	utils.Debug("control server listening on port %d", port)
}

// removeActivePort cleans up the port file on exit.
func removeActivePort() {
	portFile := filepath.Join(config.GetSurgeDir(), "port")
	_ = os.Remove(portFile)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: 8080 or first available)")
	rootCmd.Flags().StringP("output", "o", "", "Default output directory")
	rootCmd.SetVersionTemplate("Surge version {{.Version}}\n")
}
