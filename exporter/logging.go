/*
 * Global control, logging and exceptions
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	fqme "gitlab.com/esr/fqme"
	terminal "golang.org/x/crypto/ssh/terminal"
)

// Go's panic/defer/recover feature is a weak primitive for catchable
// exceptions, but it's all we have. So we write a throw/catch pair;
// throw() must pass its exception payload to panic(), catch() can only be
// called in a defer hook either at the current level or further up the
// call stack and must take recover() as its second argument.
//
// Here are the defined error classes:
//
// command = general command failure, no specific cleanup required, abort
// to interpreter read-eval loop.
//
// config = malformed project configuration or identity map. The
// configuration in effect is left unchanged.
//
// Conversion failures are not exceptions. The pipeline returns them as
// errors wrapping one of the sentinels below.

type exception struct {
	class   string
	message string
}

func (e exception) Error() string {
	return e.message
}

func throw(class string, msg string, args ...interface{}) *exception {
	e := new(exception)
	e.class = class
	e.message = fmt.Sprintf(msg, args...)
	return e
}

func catch(accept string, x interface{}) *exception {
	if x == nil {
		return nil
	}
	if err, ok := x.(*exception); ok {
		if err.class == accept {
			return err
		}
		fmt.Fprintf(os.Stderr, "Somebody threw a %s exception while we were awaiting a %s exception!\n", err.class, accept)
	}
	panic(x)
}

// Fatal conversion conditions. Everything else the pipeline runs into
// is a Diagnostic.
var (
	ErrLedgerUnavailable = errors.New("changeset ledger unavailable")
	ErrRewrite           = errors.New("content rewrite failed")
	ErrCycle             = errors.New("cyclic merge parent")
	ErrConsistency       = errors.New("internal consistency violation")
)

const userReadWriteMode = 0644       // rw-r--r--
const userReadWriteSearchMode = 0775 // rwxrwxr-x

func exists(pathname string) bool {
	_, err := os.Stat(pathname)
	return !os.IsNotExist(err)
}

/*
 * Logging classes. To add a class, add a constant to the iota
 * initializer and a corresponding entry to logtags.
 */

const (
	logSHOUT    uint = 1 << iota // Errors and urgent messages
	logWARN                      // Exceptional condition, probably not bug
	logBATON                     // Log messages produced by the progress meter
	logTOPOLOGY                  // Branch creation, rename and deletion
	logEXTRACT                   // Per-changeset conversion logic
	logFILEMAP                   // Tree snapshot manipulation
	logMERGE                     // Merge-parent resolution
	logSTORE                     // Content store and spill traffic
	logLEDGER                    // Ledger reads and prefetching
	logCOMMANDS                  // Show external commands as they are executed
)

var logtags = map[string]uint{
	"shout":    logSHOUT,
	"warn":     logWARN,
	"baton":    logBATON,
	"topology": logTOPOLOGY,
	"extract":  logEXTRACT,
	"filemap":  logFILEMAP,
	"merge":    logMERGE,
	"store":    logSTORE,
	"ledger":   logLEDGER,
	"commands": logCOMMANDS,
}

var optionFlags = [...][2]string{
	{"interactive",
		`Enable interactive responses even when not on a tty.
`},
	{"progress",
		`Enable fancy progress messages even when not on a tty.
`},
	{"quiet",
		`Suppress time-varying parts of reports.
`},
	{"serial",
		`Disable parallel prefetching of changesets. Use for generating
test loads and for debugging ledger readers.
`},
	{"testmode",
		`Disable some features that cause output to vary depending on wall time,
screen width, and the ID of the invoking user. Use in regression-test loads.
`},
}

// Control is global context for the interpreter and the logger. Conversion
// state never lives here; it is carried by PipelineState.
type Control struct {
	logmask     uint
	logfp       io.Writer
	baton       *Baton
	logcounter  int
	logmutex    sync.Mutex
	signals     chan os.Signal
	abortScript bool
	abortLock   sync.Mutex
	cancel      context.CancelFunc
	flagOptions map[string]bool
	startTime   time.Time
}

func (ctx *Control) isInteractive() bool {
	return ctx.flagOptions["interactive"]
}

func (ctx *Control) init() {
	ctx.flagOptions = make(map[string]bool)
	ctx.signals = make(chan os.Signal, 1)
	ctx.logmask = (logWARN << 1) - 1
	ctx.baton = newBaton(ctx.isInteractive())
	ctx.logfp = ctx.baton
	signal.Notify(ctx.signals, os.Interrupt)
	go func() {
		for {
			<-ctx.signals
			ctx.setAbort(true)
			respond("Interrupt\n")
		}
	}()
	ctx.startTime = time.Now()
}

var control Control

func (ctx *Control) getAbort() bool {
	ctx.abortLock.Lock()
	defer ctx.abortLock.Unlock()
	return ctx.abortScript
}

// setAbort raises or lowers the abort flag. Raising it also cancels any
// conversion in flight; the pipeline notices between changesets.
func (ctx *Control) setAbort(cond bool) {
	ctx.abortLock.Lock()
	defer ctx.abortLock.Unlock()
	ctx.abortScript = cond
	if cond && ctx.cancel != nil {
		ctx.cancel()
	}
}

// withCancel returns a context the interrupt handler can cancel.
func (ctx *Control) withCancel(parent context.Context) (context.Context, func()) {
	inner, cancel := context.WithCancel(parent)
	ctx.abortLock.Lock()
	ctx.cancel = cancel
	ctx.abortLock.Unlock()
	return inner, func() {
		ctx.abortLock.Lock()
		ctx.cancel = nil
		ctx.abortLock.Unlock()
		cancel()
	}
}

// whoami - ask various programs that keep track of who you are
func whoami() (string, string, error) {
	if control.flagOptions["testmode"] {
		return "Fred J. Foonly", "foonly@foo.com", nil
	}
	return fqme.WhoAmI()
}

func isTerminal(fd int) bool {
	return terminal.IsTerminal(fd)
}

// logEnable is a hook to set up log-message filtering.
func logEnable(logbits uint) bool {
	return (control.logmask & logbits) != 0
}

func croak(msg string, args ...interface{}) {
	content := fmt.Sprintf(msg, args...)
	control.baton.printLogString("tfsexport: " + content + "\n")
	control.setAbort(true)
}

func logit(logbits uint, msg string, args ...interface{}) {
	if !logEnable(logbits) {
		return
	}
	var leader string
	content := fmt.Sprintf(msg, args...)
	if _, ok := control.logfp.(*os.File); ok {
		leader = rfc3339(time.Now())
	} else {
		leader = "tfsexport"
	}
	control.logmutex.Lock()
	defer control.logmutex.Unlock()
	if control.logfp != nil {
		control.logfp.Write([]byte(leader + ": " + content + "\n"))
	}
	control.logcounter++
}

// respond is to be used for console messages that shouldn't be logged
func respond(msg string, args ...interface{}) {
	if control.isInteractive() {
		content := fmt.Sprintf(msg, args...)
		control.baton.printLogString("tfsexport: " + content + "\n")
	}
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type assoc struct {
	k string
	v uint
}

func verbosityLevelList() []assoc {
	items := make([]assoc, 0)
	for k, v := range logtags {
		items = append(items, assoc{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].v < items[j].v
	})
	return items
}
