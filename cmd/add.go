package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/surge/internal/clipboard"
)

var addCmd = &cobra.Command{
	Use:   "add [url]...",
	Short: "Add a new download to the running Surge instance",
	Long:  `Add one or more URLs to the download queue of a running Surge instance, without waiting for them to finish. Requires an instance to already be running — use "surge get" or "surge" to start one.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Initialize Global State (needed for config/paths)
		initializeGlobalState()

		batchFile, _ := cmd.Flags().GetString("batch")
		output, _ := cmd.Flags().GetString("output")
		fromClipboard, _ := cmd.Flags().GetBool("clipboard")

		// Collect URLs
		var urls []string

		// 1. URLs from args
		urls = append(urls, args...)

		// 2. URLs from batch file
		if batchFile != "" {
			fileUrls, err := readURLsFromFile(batchFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading batch file: %v\n", err)
				os.Exit(1)
			}
			urls = append(urls, fileUrls...)
		}

		// 3. URL from clipboard
		if fromClipboard {
			if url := clipboard.ReadURL(); url != "" {
				urls = append(urls, url)
			} else {
				fmt.Fprintln(os.Stderr, "No valid downloadable URL found on the clipboard.")
			}
		}

		if len(urls) == 0 {
			cmd.Help()
			return
		}

		// Check if Surge is running
		port := readActivePort()
		if port == 0 {
			fmt.Println("Error: Surge is not running.")
			fmt.Println("Use 'surge get <url>' to start Surge with a download.")
			os.Exit(1)
		}

		// Send downloads to server
		count := 0
		for _, url := range urls {
			err := sendToServer(url, output, port)
			if err != nil {
				fmt.Printf("Error adding %s: %v\n", url, err)
			} else {
				count++
			}
		}

		if count > 0 {
			fmt.Printf("Successfully added %d downloads.\n", count)
		}
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	addCmd.Flags().StringP("batch", "b", "", "File containing URLs to download (one per line)")
	addCmd.Flags().StringP("output", "o", "", "Output directory")
	addCmd.Flags().BoolP("clipboard", "c", false, "Add the URL currently on the system clipboard")
}
