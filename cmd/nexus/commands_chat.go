package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/pkg/models"
)

func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Drive a turn locally from stdin, without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	return cmd
}

func runChat(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	w, err := buildLoop(cfg)
	if err != nil {
		return fmt.Errorf("build agent loop: %w", err)
	}

	if cfg.MCP.Enabled {
		if err := w.MCP.Start(ctx); err != nil {
			fmt.Println("mcp manager start failed:", err)
		}
		w.refreshMCPTools()
		defer w.MCP.Stop()
	}

	session, err := w.Sessions.GetOrCreate(ctx, "local:chat:"+w.AgentID, w.AgentID, models.ChannelAPI, "local")
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	fmt.Println("Type a message and press enter. Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		chunks, err := w.Loop.Run(ctx, session, text, nil)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		for chunk := range chunks {
			if chunk.Error != nil {
				fmt.Println("error:", chunk.Error)
				continue
			}
			if chunk.Text != "" {
				fmt.Print(chunk.Text)
			}
			if chunk.Done {
				fmt.Println()
			}
		}
	}
	return scanner.Err()
}
