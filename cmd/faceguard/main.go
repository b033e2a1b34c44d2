package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/MrCodeEU/faceguard/pkg/config"
	"github.com/MrCodeEU/faceguard/pkg/control"
	"github.com/MrCodeEU/faceguard/pkg/logging"
)

const version = "0.3.0"

// Command represents a CLI command.
type Command struct {
	Name        string
	Description string
	Usage       string
	Run         func(args []string) error
}

var (
	cfg      *config.Config
	commands map[string]*Command

	serverURL string
	apiToken  string
)

func init() {
	commands = map[string]*Command{
		"run": {
			Name:        "run",
			Description: "Run the station daemon with the control API",
			Usage:       "faceguard run",
			Run:         cmdRun,
		},
		"monitor": {
			Name:        "monitor",
			Description: "Start or stop monitoring on the running station",
			Usage:       "faceguard monitor <start|stop>",
			Run:         cmdMonitor,
		},
		"enroll": {
			Name:        "enroll",
			Description: "Enroll a person with guided multi-pose capture",
			Usage:       "faceguard enroll <name>",
			Run:         cmdEnroll,
		},
		"remove": {
			Name:        "remove",
			Description: "Remove an enrolled identity",
			Usage:       "faceguard remove <name>",
			Run:         cmdRemove,
		},
		"list": {
			Name:        "list",
			Description: "List enrolled identities",
			Usage:       "faceguard list",
			Run:         cmdList,
		},
		"status": {
			Name:        "status",
			Description: "Show station status",
			Usage:       "faceguard status",
			Run:         cmdStatus,
		},
		"reset": {
			Name:        "reset",
			Description: "Silence the theft alarm",
			Usage:       "faceguard reset",
			Run:         cmdReset,
		},
		"cameras": {
			Name:        "cameras",
			Description: "List video devices",
			Usage:       "faceguard cameras",
			Run:         cmdCameras,
		},
		"token": {
			Name:        "token",
			Description: "Issue a control API token",
			Usage:       "faceguard token [subject]",
			Run:         cmdToken,
		},
		"download-models": {
			Name:        "download-models",
			Description: "Download detector and embedding models",
			Usage:       "faceguard download-models [dir]",
			Run:         cmdDownloadModels,
		},
		"config": {
			Name:        "config",
			Description: "Show current configuration",
			Usage:       "faceguard config",
			Run:         cmdConfig,
		},
		"version": {
			Name:        "version",
			Description: "Show version information",
			Usage:       "faceguard version",
			Run:         cmdVersion,
		},
		"help": {
			Name:        "help",
			Description: "Show help information",
			Usage:       "faceguard help [command]",
			Run:         cmdHelp,
		},
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.StringVar(&serverURL, "server", "", "Control API base URL (default from server.listen)")
	flag.StringVar(&apiToken, "token", os.Getenv("FACEGUARD_TOKEN"), "Control API token")
	flag.Parse()

	args := flag.Args()

	var err error
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.DefaultConfig()
	}

	cfg.ExpandPaths()

	logLevel := cfg.Logging.Level
	if *debug {
		logLevel = "debug"
	}
	if err := logging.Init(logLevel, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	logging.SetFormat(cfg.Logging.Format)

	logging.Debugf("FaceGuard v%s starting", version)
	logging.Debugf("Config loaded, storage dir: %s", cfg.Storage.DataDir)

	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmdName)
		printUsage()
		os.Exit(1)
	}

	if err := cmd.Run(args[1:]); err != nil {
		logging.WithError(err).Errorf("Command '%s' failed", cmdName)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printUsage() {
	fmt.Println("FaceGuard - Face Recognition Security Station")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Usage: faceguard [options] <command> [arguments]")
	fmt.Println("\nOptions:")
	fmt.Println("  -config <file>   Path to configuration file")
	fmt.Println("  -debug           Enable debug logging")
	fmt.Println("  -server <url>    Control API base URL")
	fmt.Println("  -token <token>   Control API token (or FACEGUARD_TOKEN)")
	fmt.Println("\nCommands:")
	for _, name := range commandNames() {
		cmd := commands[name]
		fmt.Printf("  %-16s %s\n", cmd.Name, cmd.Description)
	}
	fmt.Println("\nExamples:")
	fmt.Println("  faceguard run                 # Start the station daemon")
	fmt.Println("  faceguard monitor start       # Start watching the counter")
	fmt.Println("  faceguard enroll alice        # Enroll staff member 'alice'")
	fmt.Println("\nRun 'faceguard help <command>' for more information on a command.")
}

// newClient builds a control API client. Without an explicit token a local
// one is issued when the config carries the signing secret.
func newClient() (*control.Client, error) {
	base := serverURL
	if base == "" {
		base = control.BaseURLFor(cfg.Server.Listen)
	}

	token := apiToken
	if token == "" && cfg.Server.TokenSecret != "" {
		var err error
		token, err = control.NewTokenService(cfg.Server.TokenSecret, cfg.Server.TokenTTL).Issue("cli")
		if err != nil {
			return nil, fmt.Errorf("failed to issue token: %w", err)
		}
	}
	return control.NewClient(base, token, 10*time.Second), nil
}

func cmdConfig(args []string) error {
	logging.Debugf("Showing configuration")

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()
	fmt.Println("[Camera]")
	fmt.Printf("  Device:          %s\n", cfg.Camera.Device)
	fmt.Printf("  Resolution:      %dx%d @ %d FPS\n", cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Println()
	fmt.Println("[Detection]")
	fmt.Printf("  Backend:         %s\n", cfg.Detection.Backend)
	fmt.Printf("  Enrollment:      %s\n", cfg.Detection.EnrollmentBackend)
	fmt.Printf("  Min Confidence:  %.2f\n", cfg.Detection.MinConfidence)
	fmt.Println()
	fmt.Println("[Embedding]")
	fmt.Printf("  Backend:         %s\n", cfg.Embedding.Backend)
	fmt.Printf("  Model Path:      %s\n", cfg.Embedding.ModelPath)
	fmt.Println()
	fmt.Println("[Recognition]")
	fmt.Printf("  Threshold:       %.2f\n", cfg.Recognition.Threshold)
	fmt.Printf("  K:               %d\n", cfg.Recognition.K)
	fmt.Println()
	fmt.Println("[Fence]")
	fmt.Printf("  Zone:            (%.0f,%.0f)-(%.0f,%.0f)\n", cfg.Fence.X1, cfg.Fence.Y1, cfg.Fence.X2, cfg.Fence.Y2)
	fmt.Println()
	fmt.Println("[Enrollment]")
	for i, step := range cfg.Enrollment.Steps {
		fmt.Printf("  Step %d:          %s x%d\n", i+1, step.Pose, step.Samples)
	}
	fmt.Println()
	fmt.Println("[Alerts]")
	fmt.Printf("  Backend:         %s\n", cfg.Alerts.BaseURL)
	fmt.Printf("  Check-ins:       %t\n", cfg.Alerts.CheckinNotices)
	fmt.Printf("  Warnings:        %t\n", cfg.Alerts.StrangerWarnings)
	fmt.Println()
	fmt.Println("[Storage]")
	fmt.Printf("  Backend:         %s\n", cfg.Storage.Backend)
	fmt.Printf("  Data Dir:        %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Encryption:      %t\n", cfg.Storage.EncryptionEnabled)
	fmt.Println()
	fmt.Println("[Server]")
	fmt.Printf("  Listen:          %s\n", cfg.Server.Listen)
	fmt.Printf("  Token Auth:      %t\n", cfg.Server.TokenSecret != "")
	fmt.Println()
	fmt.Println("[Logging]")
	fmt.Printf("  Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("  File:            %s\n", cfg.Logging.File)

	return nil
}

func cmdVersion(args []string) error {
	fmt.Printf("FaceGuard v%s\n", version)
	fmt.Println("Face Recognition Security Station")
	return nil
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	cmdName := args[0]
	cmd, ok := commands[cmdName]
	if !ok {
		return fmt.Errorf("unknown command: %s", cmdName)
	}

	fmt.Printf("Command: %s\n", cmd.Name)
	fmt.Printf("Description: %s\n", cmd.Description)
	fmt.Printf("Usage: %s\n", cmd.Usage)

	switch cmdName {
	case "enroll":
		fmt.Println("\nEnrollment Process:")
		fmt.Println("  1. Stand centered in front of the camera in good light")
		fmt.Println("  2. Follow the prompts: look straight, turn left, turn right, look up")
		fmt.Println("  3. Samples are saved once every pose step is captured")
		fmt.Println("  Press Ctrl+C to cancel; nothing is stored.")
	case "run":
		fmt.Println("\nThe daemon serves the control API on server.listen and,")
		fmt.Println("with server.auto_start_monitor, starts monitoring once the camera is free.")
	case "config":
		fmt.Println("\nConfiguration Locations:")
		fmt.Println("  System: /etc/faceguard/faceguard.yaml")
		fmt.Println("  User:   ~/.config/faceguard/faceguard.yaml")
		fmt.Println("\nUse -config flag to specify a custom config file.")
	}

	return nil
}
