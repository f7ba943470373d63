package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/fx"

	"github.com/ctagard/vmdbg/internal/app"
	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/version"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "", "Capability mode: 'readonly' or 'full' (overrides the configuration file)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	help := flag.Bool("help", false, "Show help and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("vmdbg version %s\n", version.GetVersion())
		os.Exit(0)
	}

	if *help {
		printHelp()
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Override mode from command line
	switch *mode {
	case "":
	case string(config.ModeReadOnly):
		cfg.Mode = config.ModeReadOnly
	case string(config.ModeFull):
		cfg.Mode = config.ModeFull
	default:
		log.Fatalf("Unknown mode %q: use 'readonly' or 'full'", *mode)
	}

	// stdout belongs to the MCP client, so fx stays quiet
	fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		app.Module,
		app.ServeModule,
	).Run()
}

func printHelp() {
	fmt.Println(`vmdbg: VM debugger MCP server

A Model Context Protocol (MCP) server that attaches to a running VM's debug
service and lets MCP clients set breakpoints, including conditional and
logging ones, and control execution.

USAGE:
    vmdbg [OPTIONS]

OPTIONS:
    -config <path>     Path to configuration file (YAML)
    -mode <mode>       Capability mode: 'readonly' or 'full'
    -version           Show version and exit
    -help              Show this help message

CONFIGURATION:
    Create a YAML configuration file to customize behavior. Values may
    reference environment variables as ${VAR} or ${VAR:default}.

    mode: full
    allowAttach: true
    allowModify: true
    allowExecute: true
    maxSessions: 10
    sessionTimeout: 30m
    vm:
      transport: tcp          # or websocket
      webSocketPath: /ws
      connectTimeout: 5s
      retryBackoff: 50ms
      evalTimeout: 1s
      entryFunction: main
      exceptionPauseMode: unhandled
      minProtocolVersion: "3.0"
      syncIsolates: true
    logging:
      level: info
      encoding: json
    metrics:
      prefix: vmdbg

TOOLS:
    Session Management:
        vm_attach             Attach to a VM debug service
        vm_detach             End a debug session
        vm_list_sessions      List active sessions

    Inspection:
        vm_snapshot           Debugger state of a session
        vm_events             Notifications produced by a session
        breakpoint_list       Breakpoints and their state

    Control (full mode only):
        breakpoint_add        Set a breakpoint
        breakpoint_remove     Remove a breakpoint
        vm_resume             Resume the main isolate
        vm_pause              Interrupt the main isolate
        vm_step               Step into, over or out`)
}
