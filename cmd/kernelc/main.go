// kernelc validates and formats annotated kernel specification files.
//
// A kernel file is the textual mini-language understood by the kernels
// package: a "#kernel <name> : <params> : <flags>" header followed by the
// kernel source.
//
//	kernelc check vector_add.cl scale.cl   # parse and summarize
//	kernelc fmt vector_add.cl              # print the canonical form
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BillTheBest/Theano/kernels"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	rootCmd := &cobra.Command{
		Use:   "kernelc",
		Short: "Validate and format kernel specification files",
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(checkCmd(), fmtCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>...",
		Short: "Parse kernel files and summarize their specs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"File", "Kernel", "Params", "Flags", "Source lines"})
			failures := 0
			for _, path := range args {
				spec, err := parseFile(path)
				if err != nil {
					failures++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				params := make([]string, len(spec.Params))
				for i, p := range spec.Params {
					params[i] = p.Token()
				}
				table.Append([]string{
					path,
					spec.Entry,
					strings.Join(params, ", "),
					spec.Flags.String(),
					fmt.Sprintf("%d", strings.Count(spec.Source, "\n")+1),
				})
			}
			table.Render()
			if failures > 0 {
				return fmt.Errorf("%d of %d file(s) failed to parse", failures, len(args))
			}
			return nil
		},
	}
}

func fmtCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fmt <file>",
		Short: "Print the canonical form of a kernel file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), spec.Format())
			return nil
		},
	}
}

func parseFile(path string) (kernels.Spec, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return kernels.Spec{}, err
	}
	return kernels.ParseSpec(string(text))
}
