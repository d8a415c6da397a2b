package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/echodb/automirror/internal/watch"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Launch the terminal dashboard",
	Long: `Watch starts a Bubble Tea terminal dashboard that connects to a
running automirrord instance's /ws endpoint and renders its live stats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch.Run(wsURL(watchAddr))
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "http://localhost:8080", "Address of a running automirrord instance")
	rootCmd.AddCommand(watchCmd)
}

func wsURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "https://"):
		return "wss://" + strings.TrimPrefix(addr, "https://") + "/ws"
	case strings.HasPrefix(addr, "http://"):
		return "ws://" + strings.TrimPrefix(addr, "http://") + "/ws"
	default:
		return fmt.Sprintf("ws://%s/ws", addr)
	}
}
