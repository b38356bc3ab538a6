// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/wxclaw/cmd/wxclaw/internal"
	"github.com/sipeed/wxclaw/cmd/wxclaw/internal/cache"
	"github.com/sipeed/wxclaw/cmd/wxclaw/internal/console"
	"github.com/sipeed/wxclaw/cmd/wxclaw/internal/gateway"
	"github.com/sipeed/wxclaw/cmd/wxclaw/internal/status"
	"github.com/sipeed/wxclaw/cmd/wxclaw/internal/version"
)

func NewWxclawCommand() *cobra.Command {
	short := fmt.Sprintf("%s wxclaw - WeChat wx849 channel adapter v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:          "wxclaw",
		Short:        short,
		Example:      "wxclaw gateway --debug",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&internal.ConfigPathOverride, "config", "c", "",
		"Config file (default: ~/.wxclaw/config.json)")

	cmd.AddCommand(
		gateway.NewGatewayCommand(),
		status.NewStatusCommand(),
		cache.NewCacheCommand(),
		console.NewConsoleCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewWxclawCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
