// Package main provides the CLI entry point for the codexd session engine.
//
// codexd speaks a line-delimited JSON protocol on stdio: each input line is
// a submission {"id": "...", "op": {...}} and each output line is an event
// {"id": "...", "msg": {...}}.
//
// # Basic Usage
//
// Start a new conversation on stdio:
//
//	codexd proto --config codexd.yaml
//
// Resume a recorded conversation:
//
//	codexd proto --resume ~/.codexd/sessions/2026/08/02/<id>.jsonl
//
// List recorded sessions:
//
//	codexd sessions
//
// # Environment Variables
//
//   - CODEXD_CONFIG: path to the configuration file (default: codexd.yaml)
//   - CODEXD_API_KEY: provider API key
//   - CODEX_INTERNAL_ORIGINATOR_OVERRIDE: override the originator header
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/codexd/internal/agent"
	"github.com/haasonsaas/codexd/internal/config"
	"github.com/haasonsaas/codexd/internal/observability"
	"github.com/haasonsaas/codexd/internal/rollout"
	"github.com/haasonsaas/codexd/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "codexd",
		Short:         "Session/turn engine for an agentic coding assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			observability.SetDefault(observability.LogConfig{Level: logLevel, Format: "text"})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.AddCommand(newProtoCmd())
	root.AddCommand(newSessionsCmd())
	return root
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("CODEXD_CONFIG")
	}
	if path == "" {
		path = "codexd.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Config{}.WithDefaults()
		} else {
			return config.Config{}, err
		}
	}
	if key := os.Getenv("CODEXD_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	return cfg, nil
}

func newProtoCmd() *cobra.Command {
	var configPath string
	var resumePath string
	cmd := &cobra.Command{
		Use:   "proto",
		Short: "Run one conversation over the stdio JSON protocol",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			manager := agent.NewConversationManager()
			var conv *agent.NewConversation
			if resumePath != "" {
				conv, err = manager.ResumeConversationFromRollout(ctx, cfg, resumePath, nil)
			} else {
				conv, err = manager.NewConversation(ctx, cfg)
			}
			if err != nil {
				return err
			}
			defer manager.RemoveConversation(conv.ID)

			out := json.NewEncoder(os.Stdout)
			if err := out.Encode(protocol.Event{
				ID: protocol.InitialSubmitID,
				Msg: protocol.EventMsg{
					Type:              protocol.EventSessionConfigured,
					SessionConfigured: &conv.SessionConfigured,
				},
			}); err != nil {
				return err
			}

			// Reader: stdin lines become submissions.
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Buffer(make([]byte, 64*1024), 16<<20)
				for scanner.Scan() {
					line := scanner.Bytes()
					if len(line) == 0 {
						continue
					}
					var sub protocol.Submission
					if err := json.Unmarshal(line, &sub); err != nil {
						fmt.Fprintf(os.Stderr, "malformed submission: %v\n", err)
						continue
					}
					if err := conv.Session.SubmitWithID(sub.ID, sub.Op); err != nil {
						return
					}
				}
				_, _ = conv.Session.Submit(protocol.Op{Type: protocol.OpShutdown})
			}()

			// Writer: session events to stdout until the stream closes.
			for {
				event, err := conv.Session.NextEvent(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return nil
				}
				if err := out.Encode(event); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to codexd.yaml")
	cmd.Flags().StringVar(&resumePath, "resume", "", "rollout file to resume from")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			paths, err := rollout.ListSessions(cfg.Home)
			if err != nil {
				return err
			}
			for _, path := range paths {
				meta, err := rollout.ReadMeta(path)
				if err != nil {
					fmt.Printf("%s\t(unreadable: %v)\n", path, err)
					continue
				}
				fmt.Printf("%s\t%s\t%s\n", meta.CreatedAt.Format("2006-01-02 15:04"), meta.ConversationID, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to codexd.yaml")
	return cmd
}
