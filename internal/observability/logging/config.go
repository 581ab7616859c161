package logging

import "strings"

// Config selects where log lines go and how they look. Output is stderr,
// stdout or a file path opened for append.
type Config struct {
	Format string `yaml:"format" validate:"omitempty,oneof=pretty jsonl none"`
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Output string `yaml:"output"`
}

func DefaultConfig() Config {
	return Config{Format: "pretty", Level: "info", Output: "stderr"}
}

// Level orders severities; anything below the configured minimum is dropped
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel falls back to info for empty or unknown names
func ParseLevel(s string) Level {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i)
		}
	}
	return LevelInfo
}
