package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogMeta(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expectOk bool
		expected LogMeta
	}{
		{
			name:     "Standard info line",
			input:    `[12:34:56] [Server thread/INFO]: Preparing spawn area: 0%`,
			expectOk: true,
			expected: LogMeta{
				Time:   "12:34:56",
				Thread: "Server thread",
				Level:  LogLevelInfo,
				Msg:    "Preparing spawn area: 0%",
			},
		},
		{
			name:     "Warn line",
			input:    `[09:00:01] [Server thread/WARN]: Can't keep up! Is the server overloaded?`,
			expectOk: true,
			expected: LogMeta{
				Time:   "09:00:01",
				Thread: "Server thread",
				Level:  LogLevelWarn,
				Msg:    "Can't keep up! Is the server overloaded?",
			},
		},
		{
			name:     "Error line on worker thread",
			input:    `[23:59:59] [Worker-Main-3/ERROR]: Exception loading chunk`,
			expectOk: true,
			expected: LogMeta{
				Time:   "23:59:59",
				Thread: "Worker-Main-3",
				Level:  LogLevelError,
				Msg:    "Exception loading chunk",
			},
		},
		{
			name:     "Unknown level maps to other",
			input:    `[01:02:03] [Server thread/FATAL]: something bad`,
			expectOk: true,
			expected: LogMeta{
				Time:   "01:02:03",
				Thread: "Server thread",
				Level:  LogLevelOther,
				Msg:    "something bad",
			},
		},
		{
			name:     "Leading whitespace is tolerated",
			input:    `   [12:00:00] [Server thread/INFO]: hello`,
			expectOk: true,
			expected: LogMeta{
				Time:   "12:00:00",
				Thread: "Server thread",
				Level:  LogLevelInfo,
				Msg:    "hello",
			},
		},
		{
			name:     "Plain text passes through",
			input:    "Starting net.minecraft.server.Main",
			expectOk: false,
		},
		{
			name:     "Missing level separator",
			input:    `[12:34:56] [Server thread]: no level here`,
			expectOk: false,
		},
		{
			name:     "Empty line",
			input:    "",
			expectOk: false,
		},
		{
			name:     "Bracket but no close",
			input:    "[12:34:56 unterminated",
			expectOk: false,
		},
		{
			name:     "Stack trace continuation",
			input:    "\tat java.base/java.lang.Thread.run(Thread.java:833)",
			expectOk: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			meta, ok := ParseLogMeta(tc.input)
			require.Equal(t, tc.expectOk, ok)
			if tc.expectOk {
				assert.Equal(t, tc.expected, meta)
			}
		})
	}
}

func TestIsStartupComplete(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected bool
	}{
		{
			name:     "Vanilla done line",
			input:    `[12:34:56] [Server thread/INFO]: Done (9.512s)! For help, type "help"`,
			expected: true,
		},
		{
			name:     "Done with different duration",
			input:    `[00:00:11] [Server thread/INFO]: Done (11.034s)!`,
			expected: true,
		},
		{
			name:     "Done mentioned mid-sentence is not a heartbeat",
			input:    `[12:34:56] [Server thread/INFO]: player said Done (9.512s)!`,
			expected: false,
		},
		{
			name:     "Done at warn level is not a heartbeat",
			input:    `[12:34:56] [Server thread/WARN]: Done (9.512s)!`,
			expected: false,
		},
		{
			name:     "Plain text done",
			input:    "Done (9.512s)!",
			expected: false,
		},
		{
			name:     "Unrelated info line",
			input:    `[12:34:56] [Server thread/INFO]: Starting minecraft server version 1.20.4`,
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsStartupComplete(tc.input))
		})
	}
}
