package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "get":
		return runGet(args[1:])
	case "serve":
		return runServe(args[1:])
	case "probe":
		return runProbe(args[1:])
	case "history":
		return runHistory(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "update":
		return runUpdate(args[1:])
	case "config":
		return runConfig(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("yt-queue: bounded-concurrency yt-dlp download queue")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  yt-queue doctor")
	fmt.Println("  yt-queue get --height 1080 <url> [url...]")
	fmt.Println("  yt-queue serve")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get      download URL(s) and show live progress (--tui for a dashboard)")
	fmt.Println("  serve    run the queue daemon with HTTP + websocket control API")
	fmt.Println("  probe    show which formats would be selected for a URL")
	fmt.Println("  history  list finished downloads")
	fmt.Println("  doctor   run dependency and filesystem preflight checks")
	fmt.Println("  update   run yt-dlp -U once")
	fmt.Println("  config   print the effective configuration, or `config init` to write one")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Every command accepts --config <path>; env vars use the YTQ_ prefix")
	fmt.Println("  - Use --json on commands for machine-readable output")
}
