package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/notemine/internal/output"
	"github.com/jmylchreest/notemine/pkg/extractor"
)

var exportCmd = &cobra.Command{
	Use:   "export RESULTS",
	Short: "Convert a JSONL results file to JSON or YAML",
	Long: `Export reads a results file written by "notemine run" and writes it in
another format. Use --status to keep only successful or failed notes.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	flags := exportCmd.Flags()
	flags.StringP("output", "o", "", "output file (default: stdout)")
	flags.StringP("format", "f", "json", "output format: "+strings.Join(output.Formats(), ", "))
	flags.String("status", "", "only export results with this status: success, failed")
	flags.Bool("compact", false, "disable pretty-printing for json")
}

func runExport(cmd *cobra.Command, args []string) error {
	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	status, _ := cmd.Flags().GetString("status")
	switch extractor.Status(status) {
	case "", extractor.StatusSuccess, extractor.StatusFailed:
	default:
		return fmt.Errorf("unknown status %q (use success or failed)", status)
	}

	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out := cmd.OutOrStdout()
	var file *os.File
	if outPath, _ := cmd.Flags().GetString("output"); outPath != "" {
		f, err := os.Create(outPath) //#nosec G304 -- CLI tool writes to user-specified output file
		if err != nil {
			return err
		}
		// Released here only on early returns; the normal path closes
		// explicitly below and reports the error.
		defer func() { _ = f.Close() }()
		file, out = f, f
	}

	compact, _ := cmd.Flags().GetBool("compact")
	w, err := output.NewWriter(out, format, compact)
	if err != nil {
		return err
	}

	n := 0
	for res, err := range output.ReadResults(in) {
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if status != "" && string(res.Status) != status {
			continue
		}
		if err := w.Write(res); err != nil {
			return err
		}
		n++
	}
	if err := w.Close(); err != nil {
		return err
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", file.Name(), err)
		}
	}

	logInfo("exported %d results", n)
	return nil
}
