package httpapi

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// CallStream upgrades to a websocket and pushes projection updates. The
// current projection goes out first so a client never has to race the next
// transition to learn where the call stands.
func (h Handlers) CallStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		// Accept already wrote the HTTP error.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := c.Request.Context()
	updates, cancel := h.Controller.Projection().Subscribe()
	defer cancel()

	if err := h.writeUpdate(ctx, conn, h.Controller.Projection().Current()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case p, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := h.writeUpdate(ctx, conn, p); err != nil {
				return
			}
		}
	}
}

func (h Handlers) writeUpdate(ctx context.Context, conn *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}
