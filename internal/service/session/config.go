package session

import "time"

// Config 会话编排器的时间参数。
type Config struct {
	// ResumeWindow bounds how old a conversation's last message may be for
	// it to be resumed.
	ResumeWindow time.Duration
	// MaxSpeakingExtension bounds how long a soft teardown waits for the AI
	// to finish speaking.
	MaxSpeakingExtension time.Duration
	IdleTimeout          time.Duration
	ReaperInterval       time.Duration
	// StoreTimeout bounds every durable-store call.
	StoreTimeout time.Duration
	// ReaperConcurrency caps parallel teardowns during a sweep or shutdown.
	ReaperConcurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ResumeWindow:         2 * time.Hour,
		MaxSpeakingExtension: 4 * time.Second,
		IdleTimeout:          30 * time.Minute,
		ReaperInterval:       10 * time.Minute,
		StoreTimeout:         5 * time.Second,
		ReaperConcurrency:    8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = d.ResumeWindow
	}
	if c.MaxSpeakingExtension <= 0 {
		c.MaxSpeakingExtension = d.MaxSpeakingExtension
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = d.ReaperInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.ReaperConcurrency <= 0 {
		c.ReaperConcurrency = d.ReaperConcurrency
	}
	return c
}
