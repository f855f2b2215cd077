package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-dcvae/envconfig"
	"github.com/tsawler/go-dcvae/summary"
)

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded metrics of a training run",
		Args:  cobra.NoArgs,
		RunE:  HistoryHandler,
	}
	historyCmd.Flags().String("db", envconfig.DB(), "SQLite metrics store")
	historyCmd.Flags().String("model", "", "Only consider runs of this model")
	historyCmd.Flags().String("run", "", "Run id (default: the latest run)")
	historyCmd.Flags().String("spec", "", "JSON specification used to label the channels")
	return historyCmd
}

func HistoryHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	db, _ := flags.GetString("db")
	store, err := summary.OpenStore(db)
	if err != nil {
		return err
	}
	defer store.Close()

	model, _ := flags.GetString("model")
	runs, err := store.Runs(model)
	if err != nil {
		return err
	}

	id, _ := flags.GetString("run")
	var run *summary.Run
	for i := range runs {
		if id == "" || runs[i].ID == id {
			run = &runs[i]
			break
		}
	}
	if run == nil {
		if id != "" {
			return fmt.Errorf("run %s not found in %s", id, db)
		}
		return fmt.Errorf("no runs recorded in %s", db)
	}

	points, err := store.History(run.ID)
	if err != nil {
		return err
	}

	var channels []string
	if path, _ := flags.GetString("spec"); path != "" {
		spec, err := loadSpec(cmd)
		if err != nil {
			return err
		}
		channels = spec.OutputNames
	}

	out := cmd.OutOrStdout()
	printf(out, "Run %s (%s), started %s\n\n", run.ID, run.Model, run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	summary.RenderHistory(out, points, channels)
	return nil
}
