package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/muxhq/mux/internal/bgproc"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback; cross-origin browsers are not a
		// supported client.
		return true
	},
}

// streamProcesses upgrades the connection and streams background-process
// snapshots for one workspace: the current state immediately, then every
// change as the manager publishes it.
func (g *Gateway) streamProcesses(c *gin.Context) {
	workspaceID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The client store ref-counts the underlying subscription and replays
	// its cached snapshot on attach.
	snapshots := make(chan bgproc.Snapshot, 16)
	unsub := g.store.Subscribe(workspaceID, func(procs []bgproc.ProcessInfo, fg []string) {
		snap := bgproc.Snapshot{
			WorkspaceID:           workspaceID,
			Processes:             procs,
			ForegroundToolCallIDs: fg,
		}
		select {
		case snapshots <- snap:
		default:
			// Slow consumer; the next snapshot carries full state anyway.
		}
	})
	defer unsub()

	// Reader goroutine: we expect no client messages, but reading drives
	// pong handling and detects the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeSnapshot(conn, g.procs.Snapshot(workspaceID)); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case snap := <-snapshots:
			if err := writeSnapshot(conn, snap); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap bgproc.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
