// Package settings provides server-side runtime settings management.
package settings

import "fmt"

// Settings are the runtime-adjustable knobs. Unlike config.Config they can
// change while the server is running, via the API or by editing the file.
type Settings struct {
	// AutoApprove bypasses permission requests for all tasks.
	AutoApprove bool `json:"auto_approve"`
	// DefaultWorkDir is used when a task request carries no working dir.
	DefaultWorkDir string `json:"default_work_dir,omitempty"`
	// HistoryLimit caps how many transcript entries task status reports.
	HistoryLimit int `json:"history_limit"`
}

func Default() Settings {
	return Settings{
		AutoApprove:  false,
		HistoryLimit: 50,
	}
}

func (s Settings) Validate() error {
	if s.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be non-negative, got %d", s.HistoryLimit)
	}
	return nil
}
