package types

// ViewerConfig is sent to every viewer right after the websocket handshake.
type ViewerConfig struct {
	Type        string `json:"type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	PixelFormat string `json:"pixel_format"`
	Blueprint   string `json:"blueprint"`
}

// ViewerRequest is any message a viewer sends to the editor.
type ViewerRequest struct {
	Type string `json:"type"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

type SpawnResult struct {
	Type     string    `json:"type"`
	OK       bool      `json:"ok"`
	ActorID  uint32    `json:"actor_id,omitempty"`
	Location *Location `json:"location,omitempty"`
	Error    string    `json:"error,omitempty"`
}
