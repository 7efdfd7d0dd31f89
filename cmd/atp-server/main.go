package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"atp/internal/server/bootstrap"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "atp-server",
		Short:         "Agent Tool Protocol server",
		Long:          "atp-server hosts sandboxed agent programs with pause/resume, effect replay and provenance tracking.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; deployments set the environment directly.
			_ = godotenv.Load()
			printBanner()
			return bootstrap.RunServer(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config YAML (optional)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atp-server %s\n", Version)
		},
	}
}

func printBanner() {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Println(cyan("  ▲ ATP Server"))
	fmt.Println(gray("  agent tool protocol · " + Version))
}
