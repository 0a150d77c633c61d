// Package domain holds the data shapes shared by the download engine, the
// persistent store, the schedule evaluator, and the remote file service.
// Keeping them here (rather than in any one of those packages) avoids import
// cycles between the engine and the store.
package domain

import (
	"path/filepath"
	"time"
)

// Status is the QueueItem lifecycle state. Go has no tagged unions, so the
// Failed(message) variant from the original design is modeled as the pair
// (Status, FailureReason): FailureReason is only meaningful when Status is
// StatusFailed.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// QueueItem is the unit of work tracked by the engine and persisted by the
// queue store. RemoteFile is the primary key.
type QueueItem struct {
	RemoteFile      string `json:"remote_file"`
	Filename        string `json:"filename"`
	LocalLocation   string `json:"local_location"`
	SizeBytes       int64  `json:"size_bytes"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	Priority        int    `json:"priority"`
	Status          Status `json:"status"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// LocalPath returns the destination file path for this item.
func (q *QueueItem) LocalPath() string {
	return filepath.Join(q.LocalLocation, q.Filename)
}

// ScheduleMode selects how the Schedule Evaluator gates the engine.
type ScheduleMode string

const (
	ScheduleNone   ScheduleMode = "none"
	ScheduleDaily  ScheduleMode = "daily"
	ScheduleWeekly ScheduleMode = "weekly"
)

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Minutes returns the time of day expressed as minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Schedule is the Config's schedule sub-document.
type Schedule struct {
	Mode  ScheduleMode     `json:"mode"`
	Start TimeOfDay        `json:"start"`
	End   TimeOfDay        `json:"end"`
	Days  map[time.Weekday]bool `json:"days,omitempty"`
}

// SftpConfig holds the connection parameters for the Remote File Service.
// Password-only auth per spec Non-goals (no key-based auth).
type SftpConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// DailyStat is one day's worth of transfer activity, used by
// get_average_speed(days).
type DailyStat struct {
	Date    string `json:"date"` // YYYY-MM-DD
	Bytes   int64  `json:"bytes"`
	Seconds int64  `json:"seconds"`
}

// Config is the single config.json document.
type Config struct {
	Sftp              SftpConfig  `json:"sftp"`
	LocalDownloadPath string      `json:"local_download_path"`
	LastRemotePath    string      `json:"last_remote_path,omitempty"`
	AutoConnect       bool        `json:"auto_connect"`
	Schedule          Schedule    `json:"schedule"`
	MaxDownloadSpeed  int64       `json:"max_download_speed"` // KB/s, 0 = unlimited
	DownloadStats     []DailyStat `json:"download_stats,omitempty"`
}

// RemoteFile describes one entry returned by the Remote File Service's
// listing/scan operations.
type RemoteFile struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Size       string   `json:"size"`
	SizeBytes  int64    `json:"size_bytes"`
	FileType   FileType `json:"file_type"`
	Modified   string   `json:"modified"`
}

// FileType distinguishes a plain file from a directory in a remote listing.
type FileType string

const (
	FileTypeFile   FileType = "file"
	FileTypeFolder FileType = "folder"
)
