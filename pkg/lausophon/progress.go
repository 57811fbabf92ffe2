package lausophon

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/function61/laukaisin/pkg/byteshuman"
	"github.com/function61/laukaisin/pkg/lauprogress"
)

// maps a task message to progress events. unknown and purely informational messages
// map to nothing.
func ToProgress(msg Message) []lauprogress.Event {
	overall := msg.OverallProgress
	if overall == nil {
		overall = &OverallProgress{}
	}

	switch msg.Type {
	case MsgJobStart, "download_summary", "repair_summary", "delete_file_summary", "ldiff_download_summary":
		return []lauprogress.Event{lauprogress.SetIndeterminate()}
	case MsgChunk:
		return []lauprogress.Event{
			lauprogress.SetStatus(
				lauprogress.DownloadingFileProgress,
				msg.Filename,
				byteshuman.Rate(overall.DownloadSpeed),
				byteshuman.Humanize(overall.DownloadedSize),
				byteshuman.Humanize(overall.TotalSize)),
			lauprogress.SetProgress(overall.OverallPercent),
		}
	case MsgCheckFile:
		return []lauprogress.Event{
			lauprogress.SetStatus(
				lauprogress.ScanningFiles,
				strconv.Itoa(overall.CheckedFiles),
				strconv.Itoa(overall.TotalFiles)),
			lauprogress.SetProgress(overall.OverallPercent),
		}
	case "delete_file", "delete_ldiff_file":
		return []lauprogress.Event{
			lauprogress.SetStatus(
				lauprogress.DeletingFiles,
				strconv.Itoa(overall.DeletedFiles),
				strconv.Itoa(overall.TotalFiles)),
			lauprogress.SetProgress(overall.OverallPercent),
		}
	case "ldiff_download_start", "file_download_start":
		return []lauprogress.Event{lauprogress.SetStatus(lauprogress.AllocatingFile, msg.Filename)}
	case "ldiff_patch_start":
		return []lauprogress.Event{lauprogress.SetStatus(lauprogress.DecompressFileProgress, msg.Filename)}
	default:
		return nil
	}
}

func isErrorMessage(msgType string) bool {
	switch msgType {
	case "file_download_error", "ldiff_download_error", "ldiff_patch_error":
		return true
	default:
		return false
	}
}

// starts a remote task and streams it to completion as progress events. if ctx is
// cancelled, the remote task is cancelled as well (best effort).
func (c *Client) RunTask(
	ctx context.Context,
	kind OperationKind,
	opts StartOptions,
	emit lauprogress.Emit,
) error {
	taskID, err := c.Start(ctx, kind, opts)
	if err != nil {
		return err
	}

	stream, err := c.Stream(ctx, taskID)
	if err != nil {
		return err
	}
	defer func() { ignoreError(stream.Close()) }()

	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return nil
			}

			if ctx.Err() != nil {
				c.cancelDetached(taskID)
			}

			return err
		}

		if isErrorMessage(msg.Type) {
			// per-file errors are retried by the remote, only the job-level error is fatal
			c.logl.Error.Printf("task %s: %s %s: %s", taskID, msg.Type, msg.Filename, msg.Error)
			continue
		}

		for _, ev := range ToProgress(*msg) {
			if err := emit(ev); err != nil {
				c.cancelDetached(taskID)
				return err
			}
		}
	}
}

// our own context is already done, so use a fresh one for the cancel request
func (c *Client) cancelDetached(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Cancel(ctx, taskID); err != nil {
		c.logl.Error.Printf("cancel task %s: %v", taskID, err)
	}
}
