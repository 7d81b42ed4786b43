package domain

// HubStats provides statistics about a gateway hub
type HubStats struct {
	Connections  int     `json:"connections"`
	Users        int     `json:"users"`
	Rooms        int     `json:"rooms"`
	FramesIn     int64   `json:"frames_in"`
	FramesOut    int64   `json:"frames_out"`
	UptimeSecond float64 `json:"uptime_seconds"`
}
