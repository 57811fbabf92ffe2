package lauprogress

import (
	"fmt"
	"strings"
)

type StatusKey string

const (
	ScanningFiles           StatusKey = "SCANNING_FILES"            // checked, total
	FixingFiles             StatusKey = "FIXING_FILES"              // fixed, total
	DownloadingFileProgress StatusKey = "DOWNLOADING_FILE_PROGRESS" // name, speed, done, total
	DecompressFileProgress  StatusKey = "DECOMPRESS_FILE_PROGRESS"  // name
	AllocatingFile          StatusKey = "ALLOCATING_FILE"           // name
	Patching                StatusKey = "PATCHING"
	RevertPatching          StatusKey = "REVERT_PATCHING"
	GameRunning             StatusKey = "GAME_RUNNING"
	Updating                StatusKey = "UPDATING"
	Predownloading          StatusKey = "PREDOWNLOADING"
	DownloadingEnvironment  StatusKey = "DOWNLOADING_ENVIRONMENT" // name
	ExtractEnvironment      StatusKey = "EXTRACT_ENVIRONMENT"     // name
	UnsupportedVersion      StatusKey = "UNSUPPORTED_VERSION"     // version
	GameVersionTooOld       StatusKey = "GAME_VERSION_TOO_OLD"    // version
	NoEnoughDiskspace       StatusKey = "NO_ENOUGH_DISKSPACE"     // required, free
	DeletingFiles           StatusKey = "DELETING_FILES"          // deleted, total
	SophonStarting          StatusKey = "SOPHON_STARTING"
	CheckingUpdates         StatusKey = "CHECKING_UPDATES"
	Done                    StatusKey = "DONE"
)

// English message table. placeholders are filled in order from Event.Args.
var messages = map[StatusKey]string{
	ScanningFiles:           "Checking game files (%s / %s)",
	FixingFiles:             "Repairing game files (%s / %s)",
	DownloadingFileProgress: "Downloading %s (%s, %s / %s)",
	DecompressFileProgress:  "Decompressing %s",
	AllocatingFile:          "Allocating %s",
	Patching:                "Applying patches",
	RevertPatching:          "Reverting patches",
	GameRunning:             "Game is running",
	Updating:                "Updating game",
	Predownloading:          "Pre-downloading update",
	DownloadingEnvironment:  "Downloading %s",
	ExtractEnvironment:      "Extracting %s",
	UnsupportedVersion:      "Game version %s is not supported",
	GameVersionTooOld:       "Game version %s is too old to be updated. Please reinstall.",
	NoEnoughDiskspace:       "Not enough disk space: %s required, %s free",
	DeletingFiles:           "Deleting obsolete files (%s / %s)",
	SophonStarting:          "Starting download service",
	CheckingUpdates:         "Checking for updates",
	Done:                    "Done",
}

// human-readable rendering of an event
func Format(ev Event) string {
	switch ev.Kind {
	case KindProgress:
		return fmt.Sprintf("%.1f%%", ev.Percent)
	case KindIndeterminate:
		return "..."
	case KindStatus:
		return formatStatus(ev.Key, ev.Args)
	default:
		return fmt.Sprintf("unknown event kind %d", ev.Kind)
	}
}

func formatStatus(key StatusKey, args []string) string {
	tpl, found := messages[key]
	if !found || strings.Count(tpl, "%s") != len(args) {
		// better to show something than nothing
		if len(args) == 0 {
			return string(key)
		}

		return fmt.Sprintf("%s (%s)", key, strings.Join(args, ", "))
	}

	argsAny := make([]interface{}, len(args))
	for i, arg := range args {
		argsAny[i] = arg
	}

	return fmt.Sprintf(tpl, argsAny...)
}
