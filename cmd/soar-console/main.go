// Package main provides the terminal console for the SOAR server.
package main

import (
	"flag"
	"fmt"
	"os"

	"boundary-soar/internal/tui"
	"boundary-soar/internal/tui/api"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "SOAR server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "SOAR server URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("SOAR_API_KEY"), "API key sent as X-API-Key")
	flag.Parse()

	if showVersion {
		fmt.Printf("soar-console %s\n", version)
		os.Exit(0)
	}

	fmt.Printf("Connecting to: %s\n", serverURL)

	var opts []api.Option
	if apiKey != "" {
		opts = append(opts, api.WithAPIKey(apiKey))
	}

	if err := tui.Run(serverURL, opts...); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
