package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/notemine/pkg/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect extraction schemas",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a schema file and list its elements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchema(cmd, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d elements, %d examples\n", s.Name, len(s.Elements), len(s.Examples))
		for _, el := range s.Elements {
			req := ""
			if el.Required {
				req = " (required)"
			}
			fmt.Fprintf(out, "  %-24s %-12s%s\n", el.Name, el.Shape, req)
		}
		return nil
	},
}

var schemaPromptCmd = &cobra.Command{
	Use:   "prompt FILE",
	Short: "Print the prompt section generated from a schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchema(cmd, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.PromptBlock())
		return nil
	},
}

var schemaJSONCmd = &cobra.Command{
	Use:   "jsonschema FILE",
	Short: "Print the JSON Schema sent as the structured-output constraint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSchema(cmd, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s.ToJSONSchema())
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaValidateCmd, schemaPromptCmd, schemaJSONCmd)
	schemaCmd.PersistentFlags().StringSlice("elements", nil, "restrict to these elements")
}

func loadSchema(cmd *cobra.Command, path string) (schema.Schema, error) {
	s, err := schema.FromFile(path)
	if err != nil {
		return schema.Schema{}, err
	}
	if elements, _ := cmd.Flags().GetStringSlice("elements"); len(elements) > 0 {
		return s.Subset(elements...)
	}
	return s, nil
}
