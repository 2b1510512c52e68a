// Package assistant defines the JSON message schema exchanged over the MQTT
// bus between the gateway and downstream skill services. The schema is kept
// deliberately small: skills only ever see transcribed text going in and
// send plain text replies back out.
package assistant

import "github.com/google/uuid"

// ClientRequest is published to the input topic once per completed spoken
// command. OutputTopic tells the answering skill where to address its reply.
type ClientRequest struct {
	ID          uuid.UUID `json:"id"`
	Text        string    `json:"text"`
	Room        string    `json:"room"`
	OutputTopic string    `json:"output_topic"`
}

// Response is a reply from a skill service, received on a session's output
// topic or on the fleet-wide broadcast topic. Text is synthesized and played
// to the client.
type Response struct {
	Text  string `json:"text"`
	Alert *Alert `json:"alert,omitempty"`
}

// Alert asks the client to play a notification before the spoken reply,
// typically for broadcasts the user did not just ask for.
type Alert struct {
	PlayBefore bool `json:"play_before"`
}
