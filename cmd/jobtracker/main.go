package main

import (
	"fmt"
	"os"

	"github.com/h-amg/job-tracker/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jobtracker",
	Short: "Track job applications with durable deadline workflows",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
