package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s [-quiet]                       Run the extension daemon

SUBCOMMANDS:
  %[1]s ext list                        List installed extensions
  %[1]s ext info <id>                   Show one extension
  %[1]s ext install <id> [-version v]   Install from the marketplace
  %[1]s ext upgrade <id> [-version v] [-force]
                                           Upgrade an installed extension
  %[1]s ext uninstall <id>              Remove an extension and its data
  %[1]s ext enable <id>                 Enable an extension
  %[1]s ext disable <id>                Disable an extension
  %[1]s ext create <id> [-name n]       Scaffold a local extension
  %[1]s status                          Show daemon health (/healthz)
  %[1]s config set <key> <value>        Update one config.yaml key

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  EXTENSIOND_HOME          Data directory (default: ~/.extensiond)
  EXTENSIOND_AUTH_TOKEN    Bearer token for the HTTP API
  EXTENSIOND_MARKETPLACE_URL
                           Marketplace API base URL

EXAMPLES:
  Run the daemon:          %[1]s
  Install an extension:    %[1]s ext install blog
  Check daemon health:     %[1]s status
`, os.Args[0])
}

func main() {
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "ext", "extension":
			os.Exit(runExtCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "config":
			os.Exit(runConfigCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, stop, *quiet)
}
