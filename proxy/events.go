package proxy

import (
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{}

// sessionEvents streams session snapshots to the browser over a websocket.
// The current snapshot is sent on connect, then every replacement as it
// happens, so route guards on the frontend react without polling.
func (rt *Routes) sessionEvents(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	snapshots, cancel := rt.store.Subscribe()
	defer cancel()

	if err := ws.WriteJSON(rt.store.Get()); err != nil {
		return nil
	}

	done := c.Request().Context().Done()
	for {
		select {
		case <-done:
			return nil
		case snapshot, ok := <-snapshots:
			if !ok {
				return nil
			}
			if err := ws.WriteJSON(snapshot); err != nil {
				slog.Debug("session event subscriber gone", "error", err)
				return nil
			}
		}
	}
}
