package relay

type Config struct {
	// HistoryLimit bounds each room's chat log. Oldest messages are dropped
	// first.
	HistoryLimit int
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit: DefaultHistoryLimit,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	return c
}
