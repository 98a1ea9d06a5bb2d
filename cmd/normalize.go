// File: cmd/normalize.go
package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/suture/internal/descriptor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type normalizedOutput struct {
	Kind        string `json:"kind"`
	Value       string `json:"value,omitempty"`
	Role        string `json:"role,omitempty"`
	Name        string `json:"name,omitempty"`
	XPath       bool   `json:"xpath,omitempty"`
	Raw         string `json:"raw"`
	Description string `json:"description"`
}

// newNormalizeCmd prints how raw locator expressions are classified.
func newNormalizeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "normalize <locator>...",
		Short: "Show the normalized descriptor for each locator expression",
		Args:  cobra.MinimumNArgs(1),
		// Normalization is pure and needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, raw := range args {
				d := descriptor.Normalize(raw)
				desc := descriptor.Describe(d)
				if asJSON {
					line, err := json.Marshal(normalizedOutput{
						Kind: string(d.Kind), Value: d.Value, Role: d.Role, Name: d.Name,
						XPath: d.XPath, Raw: d.Raw, Description: desc,
					})
					if err != nil {
						return fmt.Errorf("failed to encode descriptor: %w", err)
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				fmt.Fprintf(out, "%-10s %-40q %s\n", d.Kind, raw, desc)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}
