package dlog

import (
	"log"
	"sync/atomic"
	"time"
)

var debug atomic.Bool

// SetDebug turns Printf and Println on or off.
func SetDebug(on bool) {
	debug.Store(on)
}

func Debug() bool {
	return debug.Load()
}

func Printf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	log.Printf(format, v...)
}

func Println(v ...interface{}) {
	if !debug.Load() {
		return
	}
	log.Println(v...)
}

// NodePrintf is always printed. Lines carry a wall clock time and unix nanos
// so logs from several nodes can be merged and sorted.
func NodePrintf(node string, format string, v ...interface{}) {
	args := make([]interface{}, 0, len(v)+3)
	args = append(args, time.Now().Format("2006/01/02, 15:04:05 .000"), time.Now().UnixNano(), node)
	args = append(args, v...)
	log.Printf("%s, %d, Node %s, "+format+"\n", args...)
}
