package main

import (
	"github.com/spf13/cobra"

	"github.com/office-analysis/office-analysis-go/internal/dataset"
)

func newDatasetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Curate labelled samples and build the training set",
	}
	cmd.AddCommand(newDatasetBuildCmd(), newDatasetPruneCmd(), newDatasetRegisterCmd())
	return cmd
}

func newDatasetBuildCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the training JSONL from labels.csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := components(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			if workers <= 0 {
				workers = cfg.Worker.Concurrency
			}

			builder := dataset.NewBuilder(logger, comps.Extractor, comps.Snapshots, dataset.Options{
				LabelsFile:   cfg.Dataset.LabelsFile,
				OutputFile:   cfg.Dataset.OutputFile,
				Dirs:         dataset.LabelDirs(cfg.Dataset.MalwareDir, cfg.Dataset.BenignDir),
				PayloadLimit: cfg.Analysis.PayloadLimit,
				Workers:      workers,
			})
			stats, err := builder.Build(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel samples (defaults to worker.concurrency)")
	return cmd
}

func newDatasetPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Drop labels.csv rows whose sample is missing or not a valid zip container",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := dataset.Prune(cfg.Dataset.LabelsFile, dataset.LabelDirs(cfg.Dataset.MalwareDir, cfg.Dataset.BenignDir), logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newDatasetRegisterCmd() *cobra.Command {
	var (
		dir    string
		label  string
		source string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Append the files of a sample directory to labels.csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = dataset.LabelDirs(cfg.Dataset.MalwareDir, cfg.Dataset.BenignDir)[label]
			}
			added, err := dataset.Register(cfg.Dataset.LabelsFile, dir, label, source, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"dir":   dir,
				"label": label,
				"added": added,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "sample directory (defaults to the label's configured directory)")
	cmd.Flags().StringVar(&label, "label", dataset.LabelBenign, "label for the registered files (Malicious or Benign)")
	cmd.Flags().StringVar(&source, "source", "Manual", "value for the source column")
	return cmd
}
