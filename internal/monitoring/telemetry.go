// Package monitoring - telemetry.go records events to JSONL files.
//
// DESIGN: Tracker writes structured events as JSONL (one JSON object per
// line): RequestEvent for every request through the gateway and
// SettlementEvent for every payment settlement attempt. Events are
// appended immediately for real-time tailing.
package monitoring

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcpay/gateway/internal/utils"
)

// Tracker handles telemetry event recording to file.
type Tracker struct {
	config  TelemetryConfig
	logPath string
	mu      sync.Mutex
}

// NewTracker creates a telemetry tracker.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	return t, nil
}

// RecordRequest appends a request event.
func (t *Tracker) RecordRequest(ev *RequestEvent) {
	t.append(ev)
}

// RecordSettlement appends a settlement event.
func (t *Tracker) RecordSettlement(ev *SettlementEvent) {
	t.append(ev)
}

// RecordInit appends the startup event.
func (t *Tracker) RecordInit(ev *InitEvent) {
	t.append(ev)
}

func (t *Tracker) append(event any) {
	if t.logPath == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := appendJSONL(t.logPath, event); err != nil {
		log.Debug().Err(err).Msg("telemetry write failed")
	}
}

// appendJSONL appends a single JSON object as a line to the file. Events
// carry URLs and tool arguments, so HTML escaping is disabled to keep the
// log greppable.
func appendJSONL(path string, event any) error {
	data, err := utils.MarshalNoEscape(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(data)
	return err
}
