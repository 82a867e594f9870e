package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"
)

func newSubmitCmd() *cobra.Command {
	var jobType string
	var paramsFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job for orchestration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobType == "" {
				return fmt.Errorf("--job-type is required")
			}
			raw, err := os.ReadFile(paramsFile)
			if err != nil {
				return fmt.Errorf("read params file: %w", err)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			jobID, queued, err := a.Submitter.Submit(cmd.Context(), jobType, datatypes.JSON(raw))
			if err != nil {
				return err
			}
			if queued {
				fmt.Printf("submitted job_id=%s\n", jobID)
			} else {
				fmt.Printf("job_id=%s already exists, not re-submitted\n", jobID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "job-type", "", "Registered job type to submit")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "Path to a JSON file of job parameters")
	return cmd
}
