// Command workflowctl is a local smoke-test harness for the workflow
// engine: it plans a linear run from a comma-separated persona list, starts
// it against a Registry, and lets an operator inspect or resume it, in the
// spirit of the pack's kubectl-style "root command wires global flags,
// each verb is its own subcommand file" CLI layout.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/flowforge/corewf/internal/config"
)

func main() {
	if err := NewDefaultWorkflowctlCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewDefaultWorkflowctlCommand creates the `workflowctl` command wired to
// the process's real stdio.
func NewDefaultWorkflowctlCommand() *cobra.Command {
	return NewWorkflowctlCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewWorkflowctlCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	v := viper.New()
	var cfg *config.Config

	cmds := &cobra.Command{
		Use:           "workflowctl",
		Short:         "workflowctl drives and inspects workflow engine runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmds.SetIn(in)
	cmds.SetOut(out)
	cmds.SetErr(errOut)

	flags := cmds.PersistentFlags()
	config.BindFlags(v, flags)

	cobra.OnInitialize(func() {
		loaded, err := config.Load(v, v.GetString("config"))
		if err != nil {
			fmt.Fprintf(errOut, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded

		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: errOut})

		otel.SetTracerProvider(newTracerProvider(errOut))
	})

	cmds.AddCommand(
		newStartCmd(&cfg, out),
		newStatusCmd(&cfg, out),
		newApproveCmd(&cfg, out),
		newResumeCmd(&cfg, out),
	)

	return cmds
}
