package main

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"airstream/internal/job"
	"airstream/internal/lock"
	"airstream/internal/notify"
	"airstream/internal/records"
)

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var name string
	var removeSource bool

	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Transcode one local file and upload it without the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := ctx.ensure()
			if err != nil {
				return err
			}
			if err := cfg.Validate(false); err != nil {
				return err
			}
			j, err := localJob(args[0], name)
			if err != nil {
				return err
			}

			store := records.NewMemoryStore()
			store.Insert(j.SourceName)
			orchestrator, err := newOrchestrator(cmd.Context(), cfg, services{
				Records:  store,
				Notifier: notify.Nop{},
				Locker:   lock.Nop{},
			}, !removeSource, log)
			if err != nil {
				return err
			}

			res, err := orchestrator.Run(cmd.Context(), j)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "video url:       %s\n", res.VideoURL)
			fmt.Fprintf(out, "thumbnails base: %s\n", res.ThumbnailsBase)
			fmt.Fprintf(out, "objects:         %d\n", len(res.Objects))
			fmt.Fprintf(out, "thumbnails:      %d\n", res.Thumbnails)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Stored file name (defaults to the base name of <file>)")
	cmd.Flags().BoolVar(&removeSource, "remove-source", false, "Delete <file> once it has been processed")
	return cmd
}

// localJob builds a job for a file on disk.
func localJob(path, name string) (job.Job, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return job.Job{}, err
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	j := job.Job{ID: uuid.NewString(), SourcePath: abs, SourceName: name}
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}
	return j, nil
}
