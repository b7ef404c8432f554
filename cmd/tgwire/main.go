// Package main implements the interactive wire client console.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tgwire/pkg/conn"
	"tgwire/pkg/session"
	"tgwire/pkg/transport"
)

// CLI banner with version.
const banner = `
  _                   _
 | |_ __ ___      __ (_) _ __  ___
 | __/ _' \ \ /\ / / | || '__|/ _ \
 | || (_| |\ V  V /  | || |  |  __/
  \__\__, | \_/\_/   |_||_|   \___|
     |___/

   Framed RPC Wire Client (v1.0)
   -----------------------------

`

// Config holds connection defaults.
type Config struct {
	ServerAddr string `json:"server_addr,omitempty"` // default endpoint
	Transport  string `json:"transport,omitempty"`   // default framing variant
	Obfuscate  bool   `json:"obfuscate,omitempty"`   // wrap the variant in obfuscation
}

// link is one live connection: the carrier stream and the dispatcher
// multiplexing requests over it.
type link struct {
	stream     conn.Stream
	dispatcher *session.Dispatcher
	addr       string
}

// Global state.
var (
	config  *Config // app config
	current *link   // active connection, nil when disconnected
)

// LoadConfig reads and parses the config file. A missing file is not an
// error: every field has a usable default.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "./config.json"
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	config := &Config{Transport: "intermediate"}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks config fields against the known framing variants.
func (config *Config) Validate() error {
	switch config.Transport {
	case "", "abridged", "intermediate", "full":
	default:
		return fmt.Errorf("unknown transport %q (want abridged, intermediate or full)", config.Transport)
	}
	if config.Transport == "full" && config.Obfuscate {
		return fmt.Errorf("the full transport has no tag and cannot be obfuscated")
	}
	return nil
}

// buildTransport assembles the framing variant for a new connection,
// optionally wrapped in the obfuscation layer.
func buildTransport(variant string, obfuscate bool) (transport.Transport, error) {
	var t transport.Transport
	switch variant {
	case "abridged":
		t = transport.NewAbridged()
	case "intermediate", "":
		t = transport.NewIntermediate()
	case "full":
		if obfuscate {
			return nil, fmt.Errorf("the full transport has no tag and cannot be obfuscated")
		}
		return transport.NewFull(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want abridged, intermediate or full)", variant)
	}

	if obfuscate {
		t = transport.NewObfuscated(t)
	}
	return t, nil
}

// RenderSaltTable formats the salt store contents for display.
func RenderSaltTable(salts []session.Salt) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Salt ID",
		"Valid since",
		"Valid until",
		"Status",
	})

	now := time.Now()
	for _, s := range salts {
		status := "active"
		switch {
		case s.ValidSince.After(now):
			status = "future"
		case !s.ValidUntil.After(now):
			status = "expired"
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%016x", uint64(s.ID)),
			s.ValidSince.Format("2006-01-02 15:04:05"),
			s.ValidUntil.Format("2006-01-02 15:04:05"),
			status,
		})
	}

	return t.Render()
}

// RenderPendingTable formats the in-flight request snapshot for display.
func RenderPendingTable(infos []session.CallInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Msg ID",
		"State",
		"Attempts",
		"Age",
	})

	for _, info := range infos {
		t.AppendRow(table.Row{
			info.ID,
			info.State,
			info.Attempts,
			info.Age.Round(time.Millisecond),
		})
	}

	return t.Render()
}

// AddCommands registers all CLI commands with the application.
func AddCommands(app *grumble.App) {
	// Command to open a connection
	app.AddCommand(&grumble.Command{
		Name:    "connect",
		Aliases: []string{"open"},
		Help:    "connect to a server and start the request dispatcher",
		Args: func(a *grumble.Args) {
			a.String("addr", "server address (host:port, or ws:// / wss:// URL)", grumble.Default(""))
		},
		Flags: func(f *grumble.Flags) {
			f.String("t", "transport", "", "framing variant: abridged, intermediate or full")
			f.Bool("o", "obfuscate", false, "wrap the framing in the obfuscated transport")
			f.Bool("w", "websocket", false, "carry the stream over a websocket")
		},
		Run: func(c *grumble.Context) error {
			if current != nil {
				log.Warn().Str("addr", current.addr).Msg("Already connected. Use 'disconnect' first")
				return nil
			}

			addr := c.Args.String("addr")
			if addr == "" {
				addr = config.ServerAddr
			}
			if addr == "" {
				log.Warn().Msg("No address given and no server_addr in config")
				return nil
			}

			variant := c.Flags.String("transport")
			if variant == "" {
				variant = config.Transport
			}
			obfuscate := c.Flags.Bool("obfuscate") || config.Obfuscate

			trans, err := buildTransport(variant, obfuscate)
			if err != nil {
				log.Error().Err(err).Msg("Cannot build transport")
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var stream conn.Stream
			if c.Flags.Bool("websocket") {
				stream, err = conn.DialWebSocket(ctx, addr)
			} else {
				stream, err = conn.Dial(ctx, addr)
			}
			if err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("Failed to connect")
				return nil
			}

			d := session.NewDispatcher(context.Background(), stream, trans)
			d.Start()

			current = &link{stream: stream, dispatcher: d, addr: addr}
			c.App.SetPrompt(addr + " » ")
			log.Info().Str("addr", addr).Str("transport", variant).Bool("obfuscated", obfuscate).Msg("Connected")
			return nil
		},
	})
	// Command to close the active connection
	app.AddCommand(&grumble.Command{
		Name:    "disconnect",
		Aliases: []string{"close"},
		Help:    "stop the dispatcher and close the connection",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not connected")
				return nil
			}

			current.dispatcher.Stop()
			current.stream.Close()

			if err := current.dispatcher.Err(); err != nil {
				log.Warn().Err(err).Msg("Connection closed after failure")
			} else {
				log.Info().Str("addr", current.addr).Msg("Disconnected")
			}

			current = nil
			c.App.SetPrompt("tgwire » ")
			return nil
		},
	})
	// Command to send one request
	app.AddCommand(&grumble.Command{
		Name:    "send",
		Aliases: []string{"invoke"},
		Help:    "send a hex-encoded request and print the response",
		Args: func(a *grumble.Args) {
			a.String("payload", "request body as a hex string")
		},
		Flags: func(f *grumble.Flags) {
			f.Duration("T", "timeout", 30*time.Second, "how long to wait for the response")
		},
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not connected. Use 'connect <addr>' first")
				return nil
			}

			payload, err := hex.DecodeString(c.Args.String("payload"))
			if err != nil {
				log.Error().Err(err).Msg("Payload is not valid hex")
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Flags.Duration("timeout"))
			defer cancel()

			response, err := current.dispatcher.Invoke(ctx, payload)
			if err != nil {
				log.Error().Err(err).Msg("Request failed")
				return nil
			}

			log.Info().Int("len", len(response)).Msg("Response received")
			c.App.Println(hex.EncodeToString(response))
			return nil
		},
	})
	// Command to seed a salt by hand
	app.AddCommand(&grumble.Command{
		Name: "seed",
		Help: "insert a salt into the store, valid from now",
		Args: func(a *grumble.Args) {
			a.Int64("id", "salt identifier")
		},
		Flags: func(f *grumble.Flags) {
			f.Duration("d", "duration", time.Hour, "validity window length")
		},
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not connected. Use 'connect <addr>' first")
				return nil
			}

			now := time.Now()
			salt := session.Salt{
				ID:         c.Args.Int64("id"),
				ValidSince: now,
				ValidUntil: now.Add(c.Flags.Duration("duration")),
			}
			current.dispatcher.Salts().Ingest([]session.Salt{salt})
			log.Info().Int64("salt", salt.ID).Time("valid_until", salt.ValidUntil).Msg("Salt seeded")
			return nil
		},
	})
	// Command to display the salt store
	app.AddCommand(&grumble.Command{
		Name: "salts",
		Help: "list the salts currently held",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not connected. Use 'connect <addr>' first")
				return nil
			}

			salts := current.dispatcher.Salts().Snapshot()
			if len(salts) == 0 {
				log.Info().Msg("Salt store is empty")
				return nil
			}

			c.App.Println(RenderSaltTable(salts))
			return nil
		},
	})
	// Command to display in-flight requests
	app.AddCommand(&grumble.Command{
		Name:    "pending",
		Aliases: []string{"status"},
		Help:    "list in-flight requests",
		Run: func(c *grumble.Context) error {
			if current == nil {
				log.Warn().Msg("Not connected. Use 'connect <addr>' first")
				return nil
			}

			infos := current.dispatcher.Pending()
			if len(infos) == 0 {
				log.Info().Msg("No requests in flight")
				return nil
			}

			c.App.Println(RenderPendingTable(infos))
			return nil
		},
	})
}

// -----------------------------------------------------------------------------
// Main Application Entry
// -----------------------------------------------------------------------------

// main is the entry point for the application.
// It sets up the CLI, configuration, and command handlers.
func main() {
	// Set up logging
	configureLogging()

	// Configure and create the CLI app
	app := setupCLI()

	// Add all command handlers
	AddCommands(app)

	// Run the application and handle any errors
	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	// Configure zerolog with a pretty console writer for interactive use
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	// Set reasonable default log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
// Returns a configured grumble App instance.
func setupCLI() *grumble.App {
	// Determine history file location
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".tgwire" // current working directory
	} else {
		histFile = filepath.Join(home, ".tgwire") // home directory
	}

	// Create and configure the CLI app
	app := grumble.New(&grumble.Config{
		Name:        "tgwire",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "config.json", "path to configuration file")
		},
	})

	// Set up our ASCII art banner
	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	// Load configuration when the app starts
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		return nil
	})

	return app
}
