package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-dcvae/checkpoints"
	"github.com/tsawler/go-dcvae/dcvae"
)

func newSpecCmd() *cobra.Command {
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Print a resolved model specification",
		Long:  "Print the built-in specification, or validate --spec and print it with its derived fields filled in.",
		Args:  cobra.NoArgs,
		RunE:  SpecHandler,
	}
	specCmd.Flags().String("spec", "", "JSON specification to validate")
	return specCmd
}

func SpecHandler(cmd *cobra.Command, _ []string) error {
	spec, err := loadSpec(cmd)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(spec)
}

func newExportCmd() *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export OUTPUT",
		Short: "Write saved weights in another format",
		Args:  cobra.ExactArgs(1),
		RunE:  ExportHandler,
	}
	exportCmd.Flags().String("spec", "", "JSON specification (default: the built-in base model)")
	exportCmd.Flags().Int("epoch", 0, "Epoch whose weights to export")
	exportCmd.Flags().String("format", "binary", "Output format: binary or json")
	exportCmd.Flags().Bool("half", false, "Store tensors as float16")
	return exportCmd
}

func ExportHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	spec, err := loadSpec(cmd)
	if err != nil {
		return err
	}

	epoch, _ := flags.GetInt("epoch")
	if epoch < 1 {
		return fmt.Errorf("--epoch is required")
	}
	model, err := dcvae.New(spec, dcvae.WithLogger(newLogger(cmd)))
	if err != nil {
		return err
	}
	// GetModel treats epoch 1 as a fresh start, so load explicitly
	if err := model.LoadWeights(weightsPath(spec, epoch)); err != nil {
		return err
	}

	format := checkpoints.FormatBinary
	switch f, _ := flags.GetString("format"); strings.ToLower(f) {
	case "binary":
	case "json":
		format = checkpoints.FormatJSON
	default:
		return fmt.Errorf("unknown format %q", f)
	}
	precision := checkpoints.Float32
	if half, _ := flags.GetBool("half"); half {
		precision = checkpoints.Float16
	}

	if err := model.ExportWeights(args[0], format, precision); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "exported epoch %d of %s to %s (%s)\n", epoch, spec.ModelName, args[0], format)
	return nil
}
