package assetcache

import "encoding/json"

// ActionSkipWaiting asks a waiting worker to activate without waiting
// for the clients of the current worker to go away.
const ActionSkipWaiting = "skipWaiting"

// Message is a control message posted to a worker.
// Messages with an unknown action are ignored.
type Message struct {
	Action string `json:"action"`
}

// ParseMessage decodes a JSON control message.
func ParseMessage(b []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(b, &msg)
	return msg, err
}
