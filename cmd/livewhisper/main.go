package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fmueller/livewhisper/internal/cli"
)

const binaryName = "livewhisper"

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if shouldPrintUsageHint(err) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", helpHintTarget(cmd, os.Args[1:]))
		}
		os.Exit(1)
	}
}

// usageErrorPatterns are the cobra argument and flag errors that deserve a
// pointer to --help.
var usageErrorPatterns = []string{
	"unknown command",
	"unknown flag",
	"unknown shorthand flag",
	"flag needs an argument",
	"invalid argument",
	"accepts ",
	"requires at least",
	"requires at most",
	"requires between",
	"required flag",
	"missing required",
}

func shouldPrintUsageHint(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, pattern := range usageErrorPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return binaryName
	}

	target := root.CommandPath()
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return target
	}

	found, _, err := root.Find(args)
	if err == nil && found != nil {
		return found.CommandPath()
	}
	return target
}
