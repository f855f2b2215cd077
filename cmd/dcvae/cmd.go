package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-dcvae/dcvae"
	"github.com/tsawler/go-dcvae/envconfig"
)

// NewCLI builds the dcvae command tree
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "dcvae",
		Short:         "Train and serve convolutional VAEs on gridded fields",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.AddCommand(
		newTrainCmd(),
		newHistoryCmd(),
		newServeCmd(),
		newExportCmd(),
		newSpecCmd(),
		newEnvCmd(),
	)
	return rootCmd
}

// newLogger writes to the command's error stream at the configured level
func newLogger(cmd *cobra.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(envconfig.LogLevel())
	return logger
}

// loadSpec reads --spec, falling back to the default specification
func loadSpec(cmd *cobra.Command) (dcvae.Specification, error) {
	path, _ := cmd.Flags().GetString("spec")
	if path == "" {
		spec := dcvae.DefaultSpecification()
		return spec, spec.Validate()
	}
	return dcvae.LoadSpecification(path)
}

// applyReplicas takes the replica count from the environment when the
// specification leaves it open. The strategy is re-derived by dcvae.New.
func applyReplicas(spec *dcvae.Specification) {
	if spec.Replicas == 0 {
		spec.Replicas = int(envconfig.Replicas())
		spec.Strategy = nil
	}
}

// weightsPath is the checkpoint the trainer saves at epoch
func weightsPath(spec dcvae.Specification, epoch int) string {
	return filepath.Join(dcvae.WeightsDir(envconfig.Scratch(), spec.ModelName, epoch), "ckpt")
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

func EnvHandler(cmd *cobra.Command, _ []string) error {
	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("  ")
	for _, k := range keys {
		v := vars[k]
		table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}
	table.Render()
	return nil
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
