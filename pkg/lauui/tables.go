package lauui

import (
	"io"
	"time"

	"github.com/function61/laukaisin/pkg/duration"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/olekukonko/tablewriter"
)

type StatusRow struct {
	Title lautypes.Title
	State lauclient.State
}

func StatusTable(out io.Writer, rows []StatusRow) {
	tbl := newTable(out, "Title", "Installed", "Latest", "Status", "Directory")

	for _, row := range rows {
		state := row.State

		installed := "-"
		if state.Installed {
			installed = state.Version
		}

		latest := state.LatestVersion
		if latest == "" {
			latest = "?"
		}

		tbl.Append([]string{
			row.Title.ID,
			installed,
			latest,
			statusSummary(state),
			state.InstallDir,
		})
	}

	tbl.Render()
}

func statusSummary(state lauclient.State) string {
	switch {
	case !state.Installed:
		return "not installed"
	case state.UpdateRequired:
		return "update available"
	case state.PredownloadAvailable && !state.PredownloadDismissed:
		return "pre-download " + state.PredownloadVersion + " available"
	case state.LatestVersion == "":
		return "offline"
	default:
		return "up to date"
	}
}

func HistoryTable(out io.Writer, ops []laudb.OperationRecord, now time.Time) {
	tbl := newTable(out, "Started", "Title", "Operation", "Took", "Result")

	for _, op := range ops {
		took := "-"
		result := "running"

		if !op.Finished.IsZero() {
			took = duration.Humanize(op.Finished.Sub(op.Started))

			result = "ok"
			if op.Error != "" {
				result = op.Error
			}
		}

		tbl.Append([]string{
			duration.Ago(op.Started, now),
			op.Title,
			op.Kind,
			took,
			result,
		})
	}

	tbl.Render()
}

type Check struct {
	Name   string
	OK     bool
	Detail string
}

func DoctorTable(out io.Writer, checks []Check) {
	tbl := newTable(out, "Check", "", "Detail")

	for _, check := range checks {
		mark := "FAIL"
		if check.OK {
			mark = "ok"
		}

		tbl.Append([]string{check.Name, mark, check.Detail})
	}

	tbl.Render()
}

func newTable(out io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(out)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetAutoWrapText(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)

	return tbl
}

func TitlesTable(out io.Writer, titles []lautypes.Title) {
	tbl := newTable(out, "ID", "Name", "Backend", "Supported up to")

	for _, title := range titles {
		maxSupported := title.MaxSupportedVersion
		if maxSupported == "" {
			maxSupported = "any"
		}

		tbl.Append([]string{title.ID, title.DisplayName, string(title.Backend), maxSupported})
	}

	tbl.Render()
}
