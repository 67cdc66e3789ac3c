package printer

import (
	"io"

	"github.com/saashqdev/delightful-sub003/internal/app/taskrun"
	"github.com/saashqdev/delightful-sub003/internal/model"
)

// Printer knows how to print orchestrator state in different formats.
type Printer interface {
	PrintBatchStatus(view model.BatchStatusView) error
	PrintTask(task model.Task) error
	PrintProbes(probes []taskrun.TopicProbe) error
	PrintMessage(msg string) error
}

// New returns the printer for a format, anything that is not json is a table.
func New(format string, w io.Writer) Printer {
	if format == FormatJSON {
		return NewJSONPrinter(w)
	}
	return NewTablePrinter(w)
}

// Output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)
