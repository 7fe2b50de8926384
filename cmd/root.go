package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hlsget/hlsget/internal/diskspace"
	"github.com/hlsget/hlsget/internal/output"
	"github.com/hlsget/hlsget/internal/session"
	"github.com/hlsget/hlsget/internal/utils"
)

var (
	outputPath    string
	workers       int
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	urlListFile   string
	preserveTemp  bool
	debug         bool
)

var HLSGetVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "hlsget [URL]",
	Short:   "hlsget is a concurrent, resumable HLS stream downloader",
	Version: HLSGetVersion,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		// Check if proxy URL contains auth
		parsedProxy, err := u.Parse(proxyURL)
		if err == nil && parsedProxy.User != nil && proxyUsername == "" {
			proxyUsername = parsedProxy.User.Username()
			if password, set := parsedProxy.User.Password(); set {
				proxyPassword = password
			}
			parsedProxy.User = nil
			proxyURL = parsedProxy.String()
		}
		httpConfig := utils.HTTPClientConfig{
			KATimeout:     kaTimeout,
			ProxyURL:      proxyURL,
			ProxyUsername: proxyUsername,
			ProxyPassword: proxyPassword,
			UserAgent:     userAgent,
			Headers:       utils.ParseHeaderArgs(headers),
		}

		var entries []utils.DownloadEntry
		if len(args) > 0 {
			url := args[0]
			if _, err := u.Parse(url); err != nil {
				output.PrintError("Invalid URL format")
				os.Exit(1)
			}
			op := outputPath
			if op == "" {
				op = fmt.Sprintf("stream_%d.ts", time.Now().Unix())
			}
			entries = []utils.DownloadEntry{{URL: url, OutputPath: op}}
		} else {
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				output.PrintError(fmt.Sprintf("Failed to read URL list file: %v", err))
				os.Exit(1)
			}
		}

		if len(entries) == 0 {
			output.PrintError("URL list file contains no entries")
			os.Exit(1)
		}

		disk := diskspace.NewManager(filepath.Dir(entries[0].OutputPath))
		failures := 0
		for _, entry := range entries {
			if !runOne(entry, httpConfig, disk) {
				failures++
			}
		}
		if failures > 0 {
			fmt.Println()
			output.PrintError(fmt.Sprintf("Encountered %d failed download(s)", failures))
			os.Exit(1)
		}
	},
}

func runOne(entry utils.DownloadEntry, httpConfig utils.HTTPClientConfig, disk *diskspace.Manager) bool {
	if _, err := os.Stat(entry.OutputPath); err == nil {
		entry.OutputPath = utils.RenewOutputPath(entry.OutputPath)
	}
	sess := session.New(session.Config{
		URL:          entry.URL,
		OutputPath:   entry.OutputPath,
		Workers:      workers,
		PreserveTemp: preserveTemp,
		HTTPConfig:   httpConfig,
		ProgressFunc: func(completed, total int, bytes int64) {
			bar := output.ProgressBar(int64(completed), int64(total), 30)
			fmt.Printf("\r\033[K%s%d/%d %s", bar, completed, total, utils.FormatBytes(uint64(bytes)))
		},
	}, disk)
	result := sess.Run(context.Background())
	fmt.Println()
	if result.OK {
		output.PrintSuccess(fmt.Sprintf("%s %s: %s", output.StyleSymbols["pass"], entry.OutputPath, result.Diagnostic))
		return true
	}
	if result.Throttled {
		output.PrintWarning(fmt.Sprintf("%s %s: %s (restart with a fresh session)", output.StyleSymbols["warning"], entry.OutputPath, result.Diagnostic))
		return false
	}
	output.PrintError(fmt.Sprintf("%s %s: %s", output.StyleSymbols["fail"], entry.OutputPath, result.Diagnostic))
	return false
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: stream_[timestamp].ts)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing manifest URLs and output paths")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 32, "Number of concurrent segment downloads")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for the HTTP client (eg. 10s, 1m)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser UA)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Referer: https://example.com'); can be specified multiple times")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&preserveTemp, "preserve-temp", false, "Keep the temp segment directory on failure for manual resume")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
