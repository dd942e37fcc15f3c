package instance

import "strings"

/*
	Vanilla server console lines look like:

		[12:34:56] [Server thread/INFO]: Done (9.512s)! For help, type "help"

	The controller only needs two things from them: the structured metadata
	for forwarding, and the "Done" line that marks the server as ready to
	accept players. Everything else passes through untouched.
*/

type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelOther LogLevel = "OTHER"
)

type LogMeta struct {
	Time   string
	Thread string
	Level  LogLevel
	Msg    string
}

// ParseLogMeta extracts the bracketed metadata from a vanilla console line.
// Lines that do not carry the expected shape return ok=false and should be
// forwarded as-is.
func ParseLogMeta(line string) (LogMeta, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return LogMeta{}, false
	}

	timeEnd := strings.Index(line, "]")
	if timeEnd < 0 {
		return LogMeta{}, false
	}
	timestamp := line[1:timeEnd]

	rest := line[timeEnd+1:]
	metaStart := strings.Index(rest, "[")
	if metaStart < 0 {
		return LogMeta{}, false
	}
	rest = rest[metaStart+1:]

	sep := strings.Index(rest, "]: ")
	if sep < 0 {
		return LogMeta{}, false
	}
	meta := rest[:sep]
	msg := rest[sep+3:]

	thread, levelStr, ok := strings.Cut(meta, "/")
	if !ok {
		return LogMeta{}, false
	}

	var level LogLevel
	switch strings.TrimSuffix(levelStr, "]") {
	case "INFO":
		level = LogLevelInfo
	case "WARN":
		level = LogLevelWarn
	case "ERROR":
		level = LogLevelError
	default:
		level = LogLevelOther
	}

	return LogMeta{
		Time:   timestamp,
		Thread: thread,
		Level:  level,
		Msg:    msg,
	}, true
}

// IsStartupComplete reports whether the line is the vanilla "Done (…)!"
// message the server prints once the world is loaded and it is ready to
// accept connections. This is the startup heartbeat.
func IsStartupComplete(line string) bool {
	meta, ok := ParseLogMeta(line)
	if !ok {
		return false
	}
	if meta.Level != LogLevelInfo {
		return false
	}
	return strings.HasPrefix(meta.Msg, "Done (") && strings.Contains(meta.Msg, ")!")
}
