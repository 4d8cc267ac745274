package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Download one or more URLs and wait for them to finish",
	Long: `Downloads one or more URLs, blocking until they complete.

If no Surge instance is running, this process elects itself the host:
it serves the control API on a discovered port for the duration of the
download(s) and prints progress to stdout. If an instance is already
running, the URL(s) are handed off to it and this process exits as
soon as they're queued.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initializeGlobalState()

		outPath, _ := cmd.Flags().GetString("output")
		portFlag, _ := cmd.Flags().GetInt("port")
		batchFile, _ := cmd.Flags().GetString("batch")

		urls, err := collectURLs(args, batchFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		isMaster, port, err := ensureDaemon(outPath, portFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting: %v\n", err)
			os.Exit(1)
		}
		if isMaster {
			defer func() {
				shutdownDaemon()
				removeActivePort()
				ReleaseLock()
			}()
			fmt.Printf("Surge %s (Headless Host) running on port %d\n", Version, port)
		}

		var failed int
		for i, url := range urls {
			if len(urls) > 1 {
				fmt.Fprintf(os.Stderr, "\n[%d/%d] %s\n", i+1, len(urls), url)
			}
			if err := sendToServer(url, outPath, port); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				failed++
			}
		}

		if !isMaster {
			if failed > 0 {
				os.Exit(1)
			}
			return
		}

		// Give the HTTP requests above a moment to land and increment
		// activeDownloads before the wait loop starts checking it.
		time.Sleep(500 * time.Millisecond)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		fmt.Println("Waiting for downloads to complete... (Ctrl+C to stop)")
		for {
			select {
			case <-sigChan:
				fmt.Println("\nStopping...")
				return
			case <-ticker.C:
				if atomic.LoadInt32(&activeDownloads) == 0 {
					fmt.Println("All downloads complete. Exiting.")
					return
				}
			}
		}
	},
}

// ensureDaemon makes this process the daemon (acquiring the
// single-instance lock and starting the control server) if none is
// running yet, or discovers the port of whichever instance already
// holds it.
func ensureDaemon(outputDir string, portFlag int) (isMaster bool, port int, err error) {
	isMaster, err = AcquireLock()
	if err != nil {
		return false, 0, err
	}
	if !isMaster {
		if portFlag > 0 {
			return false, portFlag, nil
		}
		if p := readActivePort(); p > 0 {
			return false, p, nil
		}
		return false, 0, fmt.Errorf("Surge is running but its port file could not be read")
	}

	var ln net.Listener
	if portFlag > 0 {
		port = portFlag
		ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	} else {
		port, ln = findAvailablePort(8080)
	}
	if ln == nil {
		if err == nil {
			err = fmt.Errorf("could not find an available port")
		}
		ReleaseLock()
		return false, 0, err
	}

	saveActivePort(port)
	startDaemon(ln, port, outputDir)
	return true, port, nil
}

// collectURLs merges positional args with URLs read from a --batch
// file (if given) and dedupes them, ignoring a trailing slash.
func collectURLs(args []string, batchFile string) ([]string, error) {
	var urls []string
	if batchFile != "" {
		fileURLs, err := readURLsFromFile(batchFile)
		if err != nil {
			return nil, err
		}
		urls = append(urls, fileURLs...)
	}
	urls = append(urls, args...)
	if len(urls) == 0 {
		return nil, fmt.Errorf("requires either a URL argument or --batch flag")
	}

	seen := make(map[string]bool)
	unique := make([]string, 0, len(urls))
	for _, u := range urls {
		normalized := strings.TrimRight(u, "/")
		if !seen[normalized] {
			seen[normalized] = true
			unique = append(unique, u)
		}
	}
	return unique, nil
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", "", "output directory")
	getCmd.Flags().IntP("port", "p", 0, "send to running surge server on this port")
	getCmd.Flags().StringP("batch", "b", "", "file containing URLs to download (one per line)")
}
