package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/azargarov/jobsched/internal/api"
)

func newSubmitCmd() *cobra.Command {
	var (
		tier       string
		payload    string
		maxRetries int
		batchID    string
		deps       []string
	)
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a job to a running daemon",
		Example: `  jobschedd submit sleep --tier high --payload '{"duration":"2s"}'
  jobschedd submit fail --max-retries 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SubmitRequest{
				Type:         args[0],
				Tier:         tier,
				BatchID:      batchID,
				Dependencies: deps,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("invalid payload json")
				}
				req.Payload = json.RawMessage(payload)
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}

			url, err := serverURL(cmd, "/api/jobs")
			if err != nil {
				return err
			}
			var resp api.SubmitResponse
			if err := call(cmd.Context(), http.MethodPost, url, req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job queued: %s (%s)\n", resp.ID, resp.Tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "medium", "priority tier: critical, high, medium or low")
	cmd.Flags().StringVar(&payload, "payload", "", "job payload as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget for this job")
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "ids of jobs this job depends on")
	return cmd
}
