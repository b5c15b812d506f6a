package main

import (
	"fmt"
	"strconv"
	"strings"
)

func renderJobTable(job *jobView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:    %s\n", job.JobID)
	if job.BatchID != "" {
		fmt.Fprintf(&b, "Batch:  %s\n", job.BatchID)
	}
	fmt.Fprintf(&b, "Status: %s\n", job.Status)
	fmt.Fprintf(&b, "Input:  %s\n", job.Input)
	if job.Final != "" {
		fmt.Fprintf(&b, "Final:  %s\n", job.Final)
	}

	rows := make([][]string, 0, len(job.Stages))
	for _, st := range job.Stages {
		rows = append(rows, []string{
			strconv.Itoa(st.Index),
			st.Name,
			st.Status,
			fmt.Sprintf("%.0f%%", st.Percent),
			strconv.Itoa(st.Attempt),
			st.Message,
		})
	}
	b.WriteString(renderTable(
		[]string{"#", "STAGE", "STATUS", "PROGRESS", "ATTEMPT", "MESSAGE"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft}))
	return b.String()
}

func renderJobListTable(jobs []jobView) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.JobID,
			job.Status,
			stageSummary(job),
			job.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return renderTable([]string{"JOB", "STATUS", "STAGES", "CREATED"}, rows, nil)
}

func renderBatchTable(batch *batchView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch: %s\n", batch.BatchID)
	rows := [][]string{
		{"total", strconv.Itoa(batch.Total)},
		{"pending", strconv.Itoa(batch.Pending)},
		{"running", strconv.Itoa(batch.Running)},
		{"succeeded", strconv.Itoa(batch.Succeeded)},
		{"failed", strconv.Itoa(batch.Failed)},
		{"cancelled", strconv.Itoa(batch.Cancelled)},
	}
	b.WriteString(renderTable([]string{"STATUS", "JOBS"}, rows, []columnAlignment{alignLeft, alignRight}))
	if batch.Terminal {
		b.WriteString("Batch is complete\n")
	}
	return b.String()
}

// stageSummary condenses a job's stage list into "2/3 convert" form: finished
// count over total plus the currently active stage name.
func stageSummary(job jobView) string {
	done := 0
	active := ""
	for _, st := range job.Stages {
		if st.Status == "succeeded" {
			done++
		} else if active == "" && (st.Status == "running" || st.Status == "retrying") {
			active = st.Name
		}
	}
	summary := fmt.Sprintf("%d/%d", done, len(job.Stages))
	if active != "" {
		summary += " " + active
	}
	return summary
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
