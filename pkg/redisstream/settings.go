package redisstream

// Settings holds the session notification bus configuration. With Enabled
// false notifications stay in-process on a watermill gochannel.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "rtchat",
		Consumer: "rtchat-1",
	}
}
