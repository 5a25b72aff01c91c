// Package redisstream holds Redis Streams transport configuration and
// watermill publisher/subscriber construction for the dispatcher's room
// fan-out. When disabled, the dispatcher runs on an in-memory transport.
package redisstream

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// DefaultSettings returns the disabled, localhost-pointing defaults.
func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "hoverdesk",
		Consumer: "dispatch-1",
	}
}
