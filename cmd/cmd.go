// Package cmd is the netbridge command line
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-netbridge/bridge"
	"github.com/tsawler/go-netbridge/envconfig"
	"github.com/tsawler/go-netbridge/logutil"
	"github.com/tsawler/go-netbridge/memory"
)

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "netbridge",
		Short:         "Drive a neural network engine from a numeric host environment",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	serveCmd := newServeCmd()
	inspectCmd := newInspectCmd()
	featuresCmd := newFeaturesCmd()
	meanCmd := newMeanCmd()
	commandsCmd := newCommandsCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{serveCmd, inspectCmd, featuresCmd, meanCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["NETBRIDGE_DEBUG"],
				envVars["NETBRIDGE_HOST"],
				envVars["NETBRIDGE_ENGINE"],
				envVars["NETBRIDGE_MODE"],
				envVars["NETBRIDGE_DEVICE"],
				envVars["NETBRIDGE_NUM_DEVICES"],
			})
		case inspectCmd, featuresCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["NETBRIDGE_DEBUG"], envVars["NETBRIDGE_ENGINE"]})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["NETBRIDGE_DEBUG"]})
		}
	}

	rootCmd.AddCommand(serveCmd, inspectCmd, featuresCmd, meanCmd, commandsCmd)
	return rootCmd
}

// newSession builds a session from the environment, overridden by any
// flags set on cmd
func newSession(cmd *cobra.Command) (*bridge.Session, error) {
	logger := cmdLogger()

	engineName := envconfig.Engine()
	mode := envconfig.Mode()
	device := int(envconfig.Device())
	numDevices := int(envconfig.NumDevices())

	flags := cmd.Flags()
	if flags.Changed("engine") {
		engineName, _ = flags.GetString("engine")
	}
	if flags.Changed("gpu") {
		if gpu, _ := flags.GetBool("gpu"); gpu {
			mode = memory.GPU
		} else {
			mode = memory.CPU
		}
	}
	if flags.Changed("device") {
		device, _ = flags.GetInt("device")
	}
	if flags.Changed("num-devices") {
		numDevices, _ = flags.GetInt("num-devices")
	}

	if numDevices < 0 {
		return nil, fmt.Errorf("invalid device count %d", numDevices)
	}
	if numDevices == 0 && mode == memory.GPU {
		return nil, fmt.Errorf("gpu mode needs at least one device: %w", bridge.ErrNoAccelerator)
	}
	if numDevices > 0 && (device < 0 || device >= numDevices) {
		return nil, fmt.Errorf("invalid device id %d, %d device(s) attached", device, numDevices)
	}

	return bridge.NewSession(
		bridge.WithLogger(logger),
		bridge.WithEngine(engineName),
		bridge.WithMode(mode),
		bridge.WithDevices(bridge.SimDevices(numDevices)...),
		bridge.WithDevice(device),
	), nil
}

// cmdLogger installs and returns the stderr logger
func cmdLogger() *slog.Logger {
	logger := logutil.NewLogger(os.Stderr, envconfig.LogLevel())
	slog.SetDefault(logger)
	return logger
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("engine", "", "Engine used to load networks (default from NETBRIDGE_ENGINE)")
	cmd.Flags().Bool("gpu", false, "Copy tensors through accelerator memory")
	cmd.Flags().Int("device", 0, "Accelerator ordinal")
	cmd.Flags().Int("num-devices", 1, "Number of simulated accelerators")
}
