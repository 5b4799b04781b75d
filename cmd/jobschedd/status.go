package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/azargarov/jobsched"
)

func newStatusCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler or job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if jobID != "" {
				u, err := serverURL(cmd, "/api/jobs/status?id="+url.QueryEscape(jobID))
				if err != nil {
					return err
				}
				var job jobsched.Job
				if err := call(cmd.Context(), http.MethodGet, u, nil, &job); err != nil {
					return err
				}
				printJob(out, job, time.Now())
				return nil
			}

			u, err := serverURL(cmd, "/api/status")
			if err != nil {
				return err
			}
			var st jobsched.SchedulerStatus
			if err := call(cmd.Context(), http.MethodGet, u, nil, &st); err != nil {
				return err
			}
			printStatus(out, st)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "show a single job")
	return cmd
}

func printStatus(w io.Writer, st jobsched.SchedulerStatus) {
	state := "running"
	switch {
	case !st.IsProcessing:
		state = "stopped"
	case st.AutoPaused:
		state = "paused (high load)"
	case st.IsPaused:
		state = "paused"
	}
	fmt.Fprintf(w, "Scheduler: %s\n", state)
	fmt.Fprintf(w, "Active:    %d/%d\n", st.ActiveJobCount, st.MaxConcurrentJobs)
	fmt.Fprintf(w, "Resources: cpu %.1f%%  mem %s\n",
		st.Resources.CPUPercent, humanize.IBytes(uint64(st.Resources.MemoryMB*1024*1024)))

	fmt.Fprintln(w, "Queues:")
	for _, t := range jobsched.Tiers {
		ts := st.Queue.Tiers[t]
		oldest := "-"
		if ts.Count > 0 {
			oldest = ts.OldestAge.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "  %-9s %6s / %-6s oldest %s\n", t,
			humanize.Comma(int64(ts.Count)), humanize.Comma(int64(ts.Capacity)), oldest)
	}
	fmt.Fprintf(w, "  %-9s %6s\n", "retrying", humanize.Comma(int64(st.Queue.Retrying)))

	m := st.Metrics
	fmt.Fprintln(w, "Totals:")
	fmt.Fprintf(w, "  submitted %s  processed %s  failed %s  retried %s  evicted %s  throttled %s\n",
		humanize.Comma(int64(m.JobsSubmitted)), humanize.Comma(int64(m.JobsProcessed)),
		humanize.Comma(int64(m.JobsFailed)), humanize.Comma(int64(m.JobsRetried)),
		humanize.Comma(int64(m.JobsEvicted)), humanize.Comma(int64(m.ResourceThrottleCount)))
	fmt.Fprintf(w, "  avg processing %s  avg queue wait %s\n", m.AvgProcessingTime, m.AvgQueueWaitTime)
}

func printJob(w io.Writer, job jobsched.Job, now time.Time) {
	fmt.Fprintf(w, "Job %s\n", job.ID)
	fmt.Fprintf(w, "  type     %s\n", job.Type)
	fmt.Fprintf(w, "  tier     %s\n", job.Tier)
	fmt.Fprintf(w, "  status   %s\n", job.Status)
	fmt.Fprintf(w, "  created  %s\n", humanize.RelTime(job.CreatedAt, now, "ago", "from now"))
	fmt.Fprintf(w, "  retries  %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.ProcessingTime > 0 {
		fmt.Fprintf(w, "  took     %s\n", job.ProcessingTime)
	}
	if job.LastError != "" {
		fmt.Fprintf(w, "  error    %s\n", job.LastError)
	}
}
