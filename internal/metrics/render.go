package metrics

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// RenderTable writes rows as a terminal table, grounded on the pack's CLI
// repos that use tablewriter for report-style output rather than
// hand-aligning columns.
func RenderTable(w io.Writer, rows []ReportRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Bubble ID", "Event Type", "Count", "First Seen", "Last Seen"})
	for _, row := range rows {
		table.Append([]string{
			row.BubbleID,
			row.EventType,
			strconv.Itoa(row.Count),
			row.FirstSeen.UTC().Format("2006-01-02T15:04:05Z"),
			row.LastSeen.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	table.Render()
}

// RenderJSON writes rows as a JSON array.
func RenderJSON(w io.Writer, rows []ReportRow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
