package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/office-analysis/office-analysis-go/internal/structure"
	"github.com/office-analysis/office-analysis-go/internal/worker"
)

func newStructureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "structure FILE",
		Short: "Print the sorted structural fingerprint of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := components(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			return printJSON(cmd.OutOrStdout(), comps.Extractor.ExtractStructure(args[0]))
		},
	}
}

type sieveOutput struct {
	File string `json:"file"`
	structure.SieveResult
}

func newSieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sieve FILE...",
		Short: "Run the structural sieve on one or more documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := components(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			sieve := comps.Extractor.Sieve()
			for _, path := range args {
				result := sieve.Check(comps.Extractor.ExtractStructure(path))
				if err := printJSON(cmd.OutOrStdout(), sieveOutput{File: path, SieveResult: result}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newContentCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "content FILE",
		Short: "Write the content snapshot of a document to extracted_<name>.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			comps, err := components(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			path := args[0]
			tree, err := comps.Snapshots.SnapshotArchive(cmd.Context(), path)
			if err != nil {
				return err
			}
			data, err := tree.MarshalIndent("    ")
			if err != nil {
				return fmt.Errorf("failed to encode content tree: %w", err)
			}

			dir := outDir
			if dir == "" {
				dir = filepath.Dir(path)
			}
			outFile := filepath.Join(dir, "extracted_"+filepath.Base(path)+".json")
			if err := os.WriteFile(outFile, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outFile, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Extraction time:\t%.3fs\n", time.Since(start).Seconds())
			fmt.Fprintf(cmd.OutOrStdout(), "Output file:\t\t%s\n", outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out-dir", "", "directory for the output file (defaults to the document's directory)")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var noClassify bool

	cmd := &cobra.Command{
		Use:   "analyze FILE...",
		Short: "Run the full pipeline (sieve, snapshot, classifier) on documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := components(cmd.Context(), !noClassify)
			if err != nil {
				return err
			}
			defer closeComponents(comps)
			for _, path := range args {
				line := &worker.ResultLine{}
				result, err := comps.Analyzer.Analyze(cmd.Context(), path)
				if err != nil {
					line.File = path
					line.Status = worker.StatusError
					line.Error = err.Error()
				} else {
					line.Result = *result
				}
				if err := printJSON(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noClassify, "no-classify", false, "skip the classifier even when it is enabled in config")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		output     string
		workers    int
		appendOut  bool
		noClassify bool
	)

	cmd := &cobra.Command{
		Use:   "batch DIR",
		Short: "Analyse every file in a directory and write one JSON line per file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := worker.CollectFiles(args[0])
			if err != nil {
				return err
			}

			comps, err := components(cmd.Context(), !noClassify)
			if err != nil {
				return err
			}
			defer closeComponents(comps)

			sink, err := worker.NewJSONLSink(output, !appendOut)
			if err != nil {
				return err
			}
			defer sink.Close()

			if workers <= 0 {
				workers = cfg.Worker.Concurrency
			}
			summary, runErr := worker.NewBatchRunner(comps.Analyzer, sink, workers, logger).Run(cmd.Context(), files)
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "results.jsonl", "result file")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parallel files (defaults to worker.concurrency)")
	cmd.Flags().BoolVar(&appendOut, "append", false, "append to the result file instead of truncating it")
	cmd.Flags().BoolVar(&noClassify, "no-classify", false, "skip the classifier even when it is enabled in config")
	return cmd
}
