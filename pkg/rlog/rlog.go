package rlog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

const flags = log.Ldate | log.Ltime | log.Lmsgprefix

var (
	debug = log.New(io.Discard, "[DBG] ", flags)
	info  = log.New(os.Stdout, "[INF] ", flags)
	warn  = log.New(os.Stdout, "[WRN] ", flags)
	err   = log.New(os.Stdout, "[ERR] ", flags)

	levelMu sync.Mutex
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) MarshalText() (text []byte, err error) {
	return []byte(l), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	switch v := Level(text); v {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		*l = v
		return nil
	default:
		return fmt.Errorf("invalid log level %q, valid values: %v", text, []Level{LevelDebug, LevelInfo, LevelWarn, LevelError})
	}
}

// SetLevel discards all messages below the passed level. Unknown levels are treated as info.
func SetLevel(level Level) {
	levelMu.Lock()
	defer levelMu.Unlock()

	loggers := []*log.Logger{debug, info, warn, err}

	var first int
	switch level {
	case LevelDebug:
		first = 0
	case LevelWarn:
		first = 2
	case LevelError:
		first = 3
	default:
		first = 1
	}

	for i, l := range loggers {
		if i < first {
			l.SetOutput(io.Discard)
		} else {
			l.SetOutput(os.Stdout)
		}
	}
}

func Debug(v ...any)                 { debug.Println(v...) }
func Debugf(format string, v ...any) { debug.Printf(format, v...) }

func Info(v ...any)                 { info.Println(v...) }
func Infof(format string, v ...any) { info.Printf(format, v...) }

func Warn(v ...any)                 { warn.Println(v...) }
func Warnf(format string, v ...any) { warn.Printf(format, v...) }

func Error(v ...any)                 { err.Println(v...) }
func Errorf(format string, v ...any) { err.Printf(format, v...) }
