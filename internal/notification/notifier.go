// Package notification publishes event batch outcomes to subscribers
// outside the process.
package notification

import (
	"encoding/json"
	"time"

	"github.com/mikeyg42/camwatch/internal/upload"
)

// Publisher delivers one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// BatchEvent is the message sent when a batch upload finishes.
type BatchEvent struct {
	Event      string      `json:"event"`
	BatchID    string      `json:"batch_id"`
	Container  string      `json:"container"`
	Uploaded   int         `json:"uploaded"`
	Failed     int         `json:"failed"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Files      []FileEvent `json:"files"`
}

// FileEvent describes one recording of the batch.
type FileEvent struct {
	CameraID string `json:"camera_id"`
	Key      string `json:"key"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// NewBatchEvent summarises an upload report.
func NewBatchEvent(report upload.Report) BatchEvent {
	ev := BatchEvent{
		Event:      "batch_uploaded",
		BatchID:    report.BatchID,
		Container:  report.Container,
		Uploaded:   report.Count(upload.StatusUploaded) + report.Count(upload.StatusSimulated),
		Failed:     report.Count(upload.StatusFailed) + report.Count(upload.StatusMissing),
		StartedAt:  report.Started,
		FinishedAt: report.Finished,
		Files:      make([]FileEvent, 0, len(report.Files)),
	}
	for _, f := range report.Files {
		fe := FileEvent{CameraID: f.Entry.CameraID, Key: f.Key, Status: string(f.Status)}
		if f.Err != nil {
			fe.Error = f.Err.Error()
		}
		ev.Files = append(ev.Files, fe)
	}
	return ev
}

// Encode renders the event as JSON.
func (e BatchEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}
