// Package commands implements the CLI commands for notemine.
package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/notemine/internal/config"
	"github.com/jmylchreest/notemine/internal/logger"
)

// v holds the merged flags, environment and config file for the command
// being run. It is built in the root PersistentPreRunE.
var v *viper.Viper

var rootCmd = &cobra.Command{
	Use:   "notemine",
	Short: "Extract structured fields from clinical notes with LLMs",
	Long: `Notemine runs every note of a corpus through an LLM, validates the
answer against a schema, and appends one JSON line per note to an
output file, with the model's reasoning and a verified excerpt from
the note for every extracted field.

Examples:
  # Extract with the provider detected from OPENAI_API_KEY, ANTHROPIC_API_KEY, ...
  notemine run notes.jsonl -s schema.yaml -o results.jsonl

  # Eight lanes, five attempts per note, resume an interrupted run
  notemine run notes.csv -s schema.yaml -c 8 --max-attempts 5 --resume

  # Local model through Ollama
  notemine run notes/ -s schema.yaml -p ollama -m llama3.2

  # Preview the prompt a schema produces
  notemine schema prompt schema.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		var err error
		v, err = config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		bindFlags(v, cmd.Flags())

		logger.Init(logger.Options{
			Debug: v.GetBool("log.debug"),
			Quiet: v.GetBool("log.quiet"),
			JSON:  v.GetBool("log.json"),
			Color: v.GetBool("log.color") && isatty.IsTerminal(os.Stderr.Fd()),
		})
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ./.notemine.yaml or $HOME/.notemine.yaml)")
	flags.Bool("debug", false, "enable debug logging")
	flags.BoolP("quiet", "q", false, "suppress progress output")
	flags.Bool("log-json", false, "log as JSON lines")
	flags.Bool("color", true, "colorize logs when stderr is a terminal")
}

// flagKeys maps flag names to config keys where the default rule
// (dashes to underscores) does not apply.
var flagKeys = map[string]string{
	"debug":              "log.debug",
	"quiet":              "log.quiet",
	"log-json":           "log.json",
	"color":              "log.color",
	"backoff-base":       "backoff.base",
	"backoff-multiplier": "backoff.multiplier",
	"backoff-cap":        "backoff.cap",
	"backoff-jitter":     "backoff.jitter",
}

// configKey returns the viper key a flag is bound to.
func configKey(flag string) string {
	if key, ok := flagKeys[flag]; ok {
		return key
	}
	return strings.ReplaceAll(flag, "-", "_")
}

// bindFlags binds every flag of the running command so that an explicitly
// set flag wins over environment and config file.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		_ = v.BindPFlag(configKey(f.Name), f)
	})
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logError("%v", err)
	}
	return err
}

// logError prints an error message to stderr.
func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// logInfo prints an info message to stderr (unless quiet mode).
func logInfo(format string, args ...any) {
	if v == nil || !v.GetBool("log.quiet") {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
