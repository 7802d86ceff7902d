package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vrsandeep/scm-server/internal/models"
)

func TestHub(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// Mock client
	client := &Client{
		hub:  hub,
		send: make(chan []byte, 1),
	}

	hub.register <- client

	t.Run("Plugin event broadcast", func(t *testing.T) {
		hub.PublishPluginEvent(models.PluginEvent{Type: models.PluginEventInstalled, Plugin: "scm-git-plugin"})

		select {
		case received := <-client.send:
			var message struct {
				Type    string             `json:"type"`
				Payload models.PluginEvent `json:"payload"`
			}
			if err := json.Unmarshal(received, &message); err != nil {
				t.Fatalf("Failed to decode message: %v", err)
			}
			if message.Type != "plugin_event" {
				t.Errorf("Expected type plugin_event, got %s", message.Type)
			}
			if message.Payload.Plugin != "scm-git-plugin" || message.Payload.Type != models.PluginEventInstalled {
				t.Errorf("Unexpected payload: %+v", message.Payload)
			}
		case <-time.After(1 * time.Second):
			t.Fatal("Client did not receive broadcast message in time")
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		hub.unregister <- client
		// Allow the hub to process the unregister message
		time.Sleep(10 * time.Millisecond)

		select {
		case _, ok := <-client.send:
			if ok {
				t.Fatal("Expected send channel to be closed after unregistration")
			}
		case <-time.After(1 * time.Second):
			t.Fatal("Send channel was not closed")
		}
	})
}
