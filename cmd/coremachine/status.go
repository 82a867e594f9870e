package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/geoflux/coremachine/internal/platform/dbctx"
)

func newStatusCmd() *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's status and its current stage's completed/failed task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("--job-id is required")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			dbc := dbctx.Context{Ctx: cmd.Context()}
			job, err := a.JobRepo.GetByID(dbc, jobID)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("no job found for job_id=%s", jobID)
			}

			fmt.Printf("job_id=%s job_type=%s status=%s stage=%d/%d\n",
				job.JobID, job.JobType, job.Status, job.Stage, job.TotalStages)
			if job.ErrorDetails != "" {
				fmt.Printf("error_details=%s\n", job.ErrorDetails)
			}

			completed, err := a.TaskRepo.ListCompletedByJobStageOrdered(dbc, jobID, job.Stage)
			if err != nil {
				return err
			}
			failed, err := a.TaskRepo.ListFailedByJobStage(dbc, jobID, job.Stage)
			if err != nil {
				return err
			}
			fmt.Printf("current stage: %d completed, %d failed\n", len(completed), len(failed))
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "Job ID to look up")
	return cmd
}
