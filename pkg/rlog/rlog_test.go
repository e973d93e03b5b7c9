package rlog

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	r := require.New(t)

	SetLevel(LevelError)
	r.Equal(io.Discard, debug.Writer())
	r.Equal(io.Discard, info.Writer())
	r.Equal(io.Discard, warn.Writer())
	r.Equal(os.Stdout, err.Writer())

	SetLevel(LevelWarn)
	r.Equal(io.Discard, debug.Writer())
	r.Equal(io.Discard, info.Writer())
	r.Equal(os.Stdout, warn.Writer())
	r.Equal(os.Stdout, err.Writer())

	SetLevel(LevelDebug)
	r.Equal(os.Stdout, debug.Writer())
	r.Equal(os.Stdout, info.Writer())
	r.Equal(os.Stdout, warn.Writer())
	r.Equal(os.Stdout, err.Writer())

	SetLevel(LevelInfo)
	r.Equal(io.Discard, debug.Writer()) // should set io.Discard
	r.Equal(os.Stdout, info.Writer())
	r.Equal(os.Stdout, warn.Writer())
	r.Equal(os.Stdout, err.Writer())
}

func TestLevel_UnmarshalText(t *testing.T) {
	r := require.New(t)

	var l Level
	r.Error(l.UnmarshalText([]byte("trace")))

	r.NoError(l.UnmarshalText([]byte("warn")))
	r.Equal(LevelWarn, l)

	text, err := l.MarshalText()
	r.NoError(err)
	r.Equal("warn", string(text))
}
