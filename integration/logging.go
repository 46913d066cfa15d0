package integration

import (
	"log"

	charmlog "github.com/charmbracelet/log"
)

// Loggers are the standard loggers the node components write to. Peer
// and storage failures go to Failure so that they stay visible when the
// log level is raised above info.
type Loggers struct {
	Info    *log.Logger
	Failure *log.Logger
}

// NewLoggers bridges l into standard loggers: routine messages are logged
// at info level and failures at warn level.
func NewLoggers(l *charmlog.Logger) Loggers {
	return Loggers{
		Info:    l.StandardLog(charmlog.StandardLogOptions{ForceLevel: charmlog.InfoLevel}),
		Failure: l.StandardLog(charmlog.StandardLogOptions{ForceLevel: charmlog.WarnLevel}),
	}
}

// SameLogger writes everything to l.
func SameLogger(l *log.Logger) Loggers {
	return Loggers{Info: l, Failure: l}
}
