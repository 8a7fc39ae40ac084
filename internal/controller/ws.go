package controller

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/renderhub/dispatch/internal/obs"
	"github.com/renderhub/dispatch/internal/store"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage mirrors queuebus.ProgressEvent for the wire, plus a terminal
// flag so the client knows when to stop listening.
type wsMessage struct {
	JobID      string  `json:"jobId"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error,omitempty"`
	IsTerminal bool    `json:"isTerminal"`
}

// JobProgress handles ws /ws/jobs/{id}: bridges the job's Redis pub/sub
// progress channel to a WebSocket connection. It sends the job's current
// persisted state first, in case it already reached a terminal status
// before the client subscribed, then streams live updates until the job
// finishes or the client disconnects.
func (c *Controller) JobProgress(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	job, err := c.loadOwnedJob(r, user)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	defer conn.Close()

	initial := wsMessage{JobID: job.ID, Status: string(job.Status), Progress: job.ProgressPercent, IsTerminal: job.Status.IsTerminal()}
	if job.ErrorMessage != nil {
		initial.Error = *job.ErrorMessage
	}
	if err := conn.WriteJSON(initial); err != nil || initial.IsTerminal {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// This stream is server-push only, but a reader goroutine is still
	// needed to notice the client closing the connection.
	go c.drainClientReads(conn, cancel)

	sub := c.bus.Subscribe(ctx, job.ID)
	defer sub.Close()
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt struct {
				Status   string  `json:"status"`
				Progress float64 `json:"progress"`
				Error    string  `json:"error,omitempty"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			out := wsMessage{
				JobID: job.ID, Status: evt.Status, Progress: evt.Progress, Error: evt.Error,
				IsTerminal: store.JobStatus(evt.Status).IsTerminal(),
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
			if out.IsTerminal {
				return
			}
		}
	}
}

func (c *Controller) drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
