/*
 * Baton machinery
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Baton is the overall state of the console. Log lines scroll above a
// single status line showing conversion progress.
type Baton struct {
	progressEnabled bool
	stream          io.Writer
	channel         chan batonMsg
	start           time.Time
	twirly          twirly
	counter         counter
	process         process
}

// twirly is an indefinite progress indicator.
type twirly struct {
	sync.RWMutex
	lastupdate time.Time
	count      uint8
}

// counter shows "N of M" style progress; the format string is the
// caller's, so a count of changesets or commits both work.
type counter struct {
	sync.RWMutex
	lastupdate time.Time
	format     string
	count      uint64
	detail     string
}

// process prints a message before and after the other status messages
type process struct {
	sync.RWMutex
	startmsg []byte
	endmsg   []byte
	start    time.Time
}

type batonKind uint8

const (
	// msgLOG is printed once, as if to a logfile
	msgLOG batonKind = iota
	// msgPROGRESS overwrites the status line
	msgPROGRESS
	// msgSYNC lets the caller wait until everything queued is written
	msgSYNC
)

type batonMsg struct {
	kind batonKind
	str  []byte
}

const twirlInterval = 100 * time.Millisecond // Rate-limit baton twirls
const counterInterval = 250 * time.Millisecond

func newBaton(interactive bool) *Baton {
	me := new(Baton)
	me.start = time.Now()
	me.stream = os.Stderr
	me.channel = make(chan batonMsg)
	me.progressEnabled = interactive
	colZero := getTerminfoString("hpa", "0")
	clrEol := getTerminfoString("el")
	scrollForward := getTerminfoString("ind")
	go func() {
		var lastProgress []byte
		for msg := range me.channel {
			switch msg.kind {
			case msgSYNC:
				me.channel <- msg
			case msgLOG:
				if me.progressEnabled {
					me.stream.Write(colZero)
					me.stream.Write(clrEol)
					me.stream.Write(msg.str)
					if !bytes.HasSuffix(msg.str, scrollForward) {
						me.stream.Write(scrollForward)
					}
					me.stream.Write(colZero)
					me.stream.Write(lastProgress)
				} else {
					me.stream.Write(msg.str)
					if !bytes.HasSuffix(msg.str, []byte{'\n'}) {
						me.stream.Write([]byte{'\n'})
					}
				}
			case msgPROGRESS:
				me.stream.Write(colZero)
				me.stream.Write(clrEol)
				me.stream.Write(msg.str)
				lastProgress = msg.str
			}
		}
	}()
	return me
}

func (baton *Baton) setInteractivity(enabled bool) {
	if baton != nil {
		baton.channel <- batonMsg{msgSYNC, nil}
		baton.progressEnabled = enabled
		<-baton.channel
	}
}

func (baton *Baton) printLogString(str string) {
	if baton != nil {
		baton.channel <- batonMsg{msgLOG, []byte(str)}
	}
}

func (baton *Baton) printProgress() {
	if baton != nil && baton.progressEnabled {
		var buf bytes.Buffer
		baton.render(&buf)
		baton.channel <- batonMsg{msgPROGRESS, buf.Bytes()}
	}
}

// twirl spins the baton
func (baton *Baton) twirl() {
	if baton != nil && baton.progressEnabled {
		baton.twirly.Lock()
		if time.Since(baton.twirly.lastupdate) > twirlInterval {
			baton.twirly.count = (baton.twirly.count + 1) % 4
			baton.twirly.lastupdate = time.Now()
			baton.twirly.Unlock()
			baton.printProgress()
		} else {
			baton.twirly.Unlock()
		}
	}
}

func (baton *Baton) startProcess(startmsg string, endmsg string) {
	if baton != nil && baton.progressEnabled {
		baton.process.Lock()
		defer baton.process.Unlock()
		baton.process.startmsg = []byte(startmsg)
		baton.process.endmsg = []byte(endmsg)
		baton.process.start = time.Now()
	}
}

func (baton *Baton) endProcess(endmsg ...string) {
	if baton != nil && baton.progressEnabled {
		baton.process.Lock()
		if endmsg != nil {
			baton.process.endmsg = []byte(strings.Join(endmsg, " "))
		}
		msg := fmt.Sprintf("%s ...(%s) %s.",
			baton.process.startmsg,
			time.Since(baton.process.start).Round(time.Millisecond*10),
			baton.process.endmsg)
		baton.process.startmsg = nil
		baton.process.endmsg = nil
		baton.process.Unlock()
		baton.printLogString(msg)
		baton.channel <- batonMsg{msgPROGRESS, nil}
	}
}

func (baton *Baton) startcounter(countfmt string, initial uint64) {
	if baton != nil && baton.progressEnabled {
		baton.counter.Lock()
		defer baton.counter.Unlock()
		baton.counter.format = countfmt
		baton.counter.count = initial
		baton.counter.detail = ""
	}
}

// bumpcounter advances the count; detail is shown after it, which is
// where the pipeline puts the changeset being converted.
func (baton *Baton) bumpcounter(detail string) {
	if baton != nil && baton.progressEnabled {
		baton.counter.Lock()
		if baton.counter.format == "" {
			baton.counter.Unlock()
			baton.twirl()
			return
		}
		baton.counter.count++
		baton.counter.detail = detail
		due := time.Since(baton.counter.lastupdate) > counterInterval
		if due {
			baton.counter.lastupdate = time.Now()
		}
		baton.counter.Unlock()
		if due {
			baton.printProgress()
		}
	}
}

func (baton *Baton) endcounter() {
	if baton != nil && baton.progressEnabled {
		baton.printProgress()
		baton.counter.Lock()
		defer baton.counter.Unlock()
		baton.counter.format = ""
		baton.counter.count = 0
		baton.counter.detail = ""
		baton.channel <- batonMsg{msgPROGRESS, nil}
	}
}

func (baton *Baton) Write(b []byte) (n int, err error) {
	if baton != nil {
		baton.printLogString(string(b))
	}
	return len(b), nil
}

// Sync waits until every queued message has been written.
func (baton *Baton) Sync() {
	if baton != nil {
		baton.channel <- batonMsg{msgSYNC, nil}
		<-baton.channel
	}
}

func (baton *Baton) render(buf io.Writer) {
	baton.process.RLock()
	buf.Write(baton.process.startmsg)
	baton.process.RUnlock()
	baton.counter.render(buf)
	fmt.Fprintf(buf, " (%v)", time.Since(baton.start).Round(time.Second))
	baton.twirly.render(buf)
	baton.process.RLock()
	buf.Write(baton.process.endmsg)
	baton.process.RUnlock()
}

func (t *twirly) render(b io.Writer) {
	t.RLock()
	defer t.RUnlock()
	character := "-\\|/"[t.count]
	b.Write([]byte{32, character})
}

func (c *counter) render(b io.Writer) {
	c.RLock()
	defer c.RUnlock()
	if c.format != "" {
		n, _ := fmt.Fprintf(b, c.format, c.count)
		if c.detail != "" {
			fmt.Fprintf(b, " %s", c.detail)
		}
		if n > 0 {
			b.Write([]byte{' '})
		}
	}
}

func getTerminfoString(cap string, params ...string) []byte {
	args := append([]string{cap}, params...)
	cmd := exec.Command("tput", args...)
	cmd.Stderr = nil
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return out
}
