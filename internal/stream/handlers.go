package stream

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes exposes the live update stream. Viewers connect per track,
// or to "all" for the combined self + peers feed.
func RegisterRoutes(r fiber.Router, hub *Hub) {
	r.Get("/ws/:trackID", websocket.New(func(c *websocket.Conn) {
		client := hub.Register(c.Params("trackID"))
		defer hub.Unregister(client)

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		<-done
	}))
}
