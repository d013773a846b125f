package telemetry

// Gaze is a normalized point of regard.
type Gaze struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Event is the message sent to the aggregator for every relayed frame.
type Event struct {
	SocketID string `json:"socketId"`
	FrameID  uint64 `json:"frameId"`
	// Timestamp is Unix time in milliseconds.
	Timestamp int64 `json:"timestamp"`
	Gaze      Gaze  `json:"gaze"`
	Blink     bool  `json:"blink"`
}
