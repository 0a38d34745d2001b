// main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pvdmeer/babbel/internal/app"
	"github.com/pvdmeer/babbel/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userFlag = flag.String("user", "", "Username (skips the login prompt)")
	passFlag = flag.String("pass", "", "Password (used with -user)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Babbel v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Error: client directory required")
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}

	runClient(args[0])
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create client directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "babbel.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}

	printClientBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	err = app.Run(ctx, app.Options{
		ClientDir: absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
		Username:  *userFlag,
		Password:  *passFlag,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Babbel - realtime chat and voice calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  babbel [options] <client-directory>")
	fmt.Println()
	fmt.Println("The client directory holds babbel.json and the local message cache.")
	fmt.Println("It is created on first run with a default configuration.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -user     Username (skips the login prompt)")
	fmt.Println("  -pass     Password (used with -user)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run, prompts for credentials")
	fmt.Println("  babbel ./clients/alice")
	fmt.Println()
	fmt.Println("  # Scripted login")
	fmt.Println("  babbel -user alice -pass secret ./clients/alice")
}

func printClientBanner(clientDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Babbel Client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", clientDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Server:           %s\n", cfg.Server.URL)
	fmt.Println()
	fmt.Println("Connecting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
