package printer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// TablePrinter prints human readable tables.
type TablePrinter struct {
	writer io.Writer
	now    func() time.Time
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w, now: time.Now}
}

// PrintBatchStatus prints the progress of a batch and its failed items.
func (t *TablePrinter) PrintBatchStatus(view model.BatchStatusView) error {
	fmt.Fprintf(t.writer, "Batch:      %s\n", view.Key)
	fmt.Fprintf(t.writer, "Status:     %s\n", view.Status)
	fmt.Fprintf(t.writer, "Progress:   %.0f%% (%s)\n", view.Progress.Percentage, view.Progress.Message)
	if view.Error != "" {
		fmt.Fprintf(t.writer, "Error:      %s\n", view.Error)
	}

	if view.Result == nil || len(view.Result.FailedItems) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "FAILED FILE\tERROR")
	for _, f := range view.Result.FailedItems {
		fmt.Fprintf(tw, "%s\t%s\n", f.FileID, f.Error)
	}

	return nil
}

// PrintTask prints the task state.
func (t *TablePrinter) PrintTask(task model.Task) error {
	fmt.Fprintf(t.writer, "Task:       %s\n", task.ID)
	fmt.Fprintf(t.writer, "Topic:      %s\n", task.TopicID)
	fmt.Fprintf(t.writer, "Status:     %s\n", task.Status)
	if task.StatusReason != "" {
		fmt.Fprintf(t.writer, "Reason:     %s\n", task.StatusReason)
	}
	if task.SandboxID != "" {
		fmt.Fprintf(t.writer, "Sandbox:    %s\n", task.SandboxID)
	}
	fmt.Fprintf(t.writer, "Tokens:     %d in / %d out\n", task.Usage.InputTokens, task.Usage.OutputTokens)
	fmt.Fprintf(t.writer, "Cost:       %.4f\n", task.Usage.Cost)
	fmt.Fprintf(t.writer, "Created:    %s (%s)\n", FormatTimestamp(task.CreatedAt), TimeAgo(t.now(), task.CreatedAt))
	fmt.Fprintf(t.writer, "Updated:    %s\n", FormatTimestamp(task.UpdatedAt))

	return nil
}

// PrintProbes prints one row per probed topic.
func (t *TablePrinter) PrintProbes(probes []taskrun.TopicProbe) error {
	if len(probes) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TOPIC\tSANDBOX\tSTATUS\tREUSABLE\tERROR")
	for _, p := range probes {
		reusable := "no"
		if p.Reusable {
			reusable = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.TopicID, dash(p.SandboxID), dash(string(p.Status)), reusable, dash(p.Error))
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
