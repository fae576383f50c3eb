package web

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/panoforge/panoforge/internal/db"
)

// handleEventStream serves a Server-Sent Events feed of a run's event log.
// It polls the run_events table every 2 seconds and sends each new row as
// one SSE message. A "done" event closes the stream when the run is
// deleted or the event log becomes unavailable.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	lastID := 0
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for {
		events, err := s.eventsAfter(id, lastID)
		if err != nil {
			sendDone("event log unavailable")
			return
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s  %s  %s\n\n", e.Timestamp, e.Event, e.Detail)
			if e.ID > lastID {
				lastID = e.ID
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		if _, err := s.store.Get(id); err != nil {
			sendDone("run deleted")
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}

// eventsAfter returns a run's events with id greater than afterID, oldest
// first.
func (s *Server) eventsAfter(runID string, afterID int) ([]db.RunEvent, error) {
	rows, err := s.db.Conn().Query(
		`SELECT id, run_id, asset_id, event, step, detail, timestamp
		 FROM run_events WHERE run_id = ? AND id > ? ORDER BY id`,
		runID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()

	var events []db.RunEvent
	for rows.Next() {
		var e db.RunEvent
		var assetID, detail sql.NullString
		var step sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &assetID, &e.Event, &step, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if assetID.Valid {
			e.AssetID = assetID.String
		}
		if step.Valid {
			e.Step = int(step.Int64)
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
