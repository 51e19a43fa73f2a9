// tfsexport converts the changeset history of a TFS-style server into a
// git fast-import stream.
package main

// The conversion is a single pipeline over changesets in id order:
//
//  +--------+    +----------+    +----------+    +------+    +-----------+
//  | Ledger |--->| Topology |--->| Tracker  |--->| Graph|--->| Serialize |
//  +--------+    +----------+    +----------+    +------+    +-----------+
//      |               |               |
//   prefetch      branch table    content store
//
// The Ledger yields changesets; a small pool of prefetch workers loads
// their file actions ahead of need. The topology resolver assigns every
// action to a branch, creating, renaming and deleting branches as the
// history dictates. The tree tracker applies a branch's actions to its
// snapshot and produces the net file delta, interning content in the
// content store, which deduplicates by content hash and parks bytes in
// spill storage until they are written. The graph builder turns the
// delta into a commit and works out its parents from the merge history.
// The serializer writes blobs just before the commit that first needs
// them.
//
// Everything the conversion could not carry over exactly is recorded in
// a Diagnostics list and reported at the end, so no data disappears
// without a trace.
//
// All state of a run lives in PipelineState. The globals in logging.go
// are interpreter and logger control only.
//
// SPDX-License-Identifier: BSD-2-Clause

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	shlex "github.com/anmitsu/go-shlex"
	"github.com/spf13/pflag"
	kommandant "gitlab.com/ianbruene/kommandant"
)

// Exporter tells Kommandant what our local commands are.
type Exporter struct {
	cmd          *kommandant.Kmdt
	cfg          *Config
	identities   *identityResolver
	last         *PipelineState
	inputIsStdin bool
	logHighwater int
}

func newExporter() *Exporter {
	ex := new(Exporter)
	ex.inputIsStdin = true
	return ex
}

// SetCore is a Kommandant housekeeping hook.
func (ex *Exporter) SetCore(k *kommandant.Kmdt) {
	ex.cmd = k
	k.OneCmdHook = func(ctx context.Context, line string) (stop bool) {
		defer func(stop *bool) {
			if e := catch("command", recover()); e != nil {
				croak(e.message)
				*stop = false
			}
		}(&stop)
		stop = k.OneCmd_core(ctx, line)
		return
	}
}

// helpOutput clips the leading newline of a help literal.
func (ex *Exporter) helpOutput(help string) {
	if help[0] == '\n' {
		help = help[1:]
	}
	control.baton.printLogString(help)
}

// lineParse splits a command line into arguments and an optional
// output redirection.
type lineParse struct {
	args       []string
	stdout     io.Writer
	closer     io.Closer
	redirected bool
}

func newLineParse(line string) *lineParse {
	tokens, err := shlex.Split(line, true)
	if err != nil {
		panic(throw("command", "malformed command line: %v", err))
	}
	lp := &lineParse{stdout: os.Stdout}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, ">") {
			lp.args = append(lp.args, tok)
			continue
		}
		name := tok[1:]
		if name == "" {
			if i+1 >= len(tokens) {
				panic(throw("command", "missing redirection target"))
			}
			i++
			name = tokens[i]
		}
		fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, userReadWriteMode)
		if err != nil {
			panic(throw("command", "can't open %s for write: %v", name, err))
		}
		lp.stdout = fp
		lp.closer = fp
		lp.redirected = true
	}
	return lp
}

// Closem closes the redirection target, if any.
func (lp *lineParse) Closem() {
	if lp.closer != nil {
		lp.closer.Close()
	}
}

// flags parses the command's options; anything left over is returned.
func (lp *lineParse) flags(fs *pflag.FlagSet) []string {
	fs.SetOutput(control.baton)
	if err := fs.Parse(lp.args); err != nil {
		panic(throw("command", "%s: %v", fs.Name(), err))
	}
	return fs.Args()
}

// project returns the loaded configuration or aborts the command.
func (ex *Exporter) project() *Config {
	if ex.cfg == nil {
		panic(throw("command", "no project configuration loaded; use the config command"))
	}
	return ex.cfg
}

func (ex *Exporter) ledger() Ledger {
	ledger, err := ex.project().openLedger()
	if err != nil {
		panic(throw("command", "%v", err))
	}
	return ledger
}

//
// Command implementation begins here
//

// DoEOF is the handler for end of command input.
func (ex *Exporter) DoEOF(lineIn string) bool {
	if ex.inputIsStdin {
		respond("\n")
	}
	return true
}

// HelpQuit says "Shut up, golint!"
func (ex *Exporter) HelpQuit() {
	ex.helpOutput("Terminate tfsexport cleanly.\n")
}

// DoQuit is the handler for the "quit" command.
func (ex *Exporter) DoQuit(lineIn string) bool {
	return true
}

// HelpConfig says "Shut up, golint!"
func (ex *Exporter) HelpConfig() {
	ex.helpOutput(`
config PROJECT-FILE

Load a YAML project file naming the changeset ledger, the branch rules,
path filters, content rewrites and identity map. A .env file in the
current directory or beside the project file is read first; TFSEXPORT_*
variables in it or in the environment override the ledger path, the
identity map, the temporary directory and the S3 credentials.
`)
}

// DoConfig is the handler for the "config" command.
func (ex *Exporter) DoConfig(line string) bool {
	lp := newLineParse(line)
	if len(lp.args) != 1 {
		panic(throw("command", "config requires exactly one project file"))
	}
	cfg, err := loadConfig(lp.args[0])
	if err != nil {
		panic(throw("command", "%v", err))
	}
	identities, err := cfg.identityResolver()
	if err != nil {
		panic(throw("command", "identity map: %v", err))
	}
	ex.cfg = cfg
	ex.identities = identities
	ex.last = nil
	respond("%s: %d branch rules", lp.args[0], len(cfg.Branches))
	return false
}

// HelpBranchesinfo says "Shut up, golint!"
func (ex *Exporter) HelpBranchesinfo() {
	ex.helpOutput(`
branches-info [>OUTFILE]

Do a dry conversion and list the branches found, the files each ends
up with, and the paths that were ignored, oversized or assigned to no
branch.
`)
}

// DoBranchesinfo is the handler for the "branches-info" command.
func (ex *Exporter) DoBranchesinfo(line string) bool {
	lp := newLineParse(line)
	defer lp.Closem()
	ledger := ex.ledger()
	defer ledger.Close()
	ctx, cancel := control.withCancel(context.Background())
	defer cancel()
	if err := listBranchesInfo(ctx, ex.project(), ledger, ex.identities, lp.stdout); err != nil {
		croak("branches-info: %v", err)
	}
	return false
}

// HelpCommits says "Shut up, golint!"
func (ex *Exporter) HelpCommits() {
	ex.helpOutput(`
commits [--no-files] [>OUTFILE]

List the changesets of the ledger with their merges and, unless
--no-files is given, their file actions.
`)
}

// DoCommits is the handler for the "commits" command.
func (ex *Exporter) DoCommits(line string) bool {
	lp := newLineParse(line)
	defer lp.Closem()
	fs := pflag.NewFlagSet("commits", pflag.ContinueOnError)
	noFiles := fs.Bool("no-files", false, "do not list individual file changes")
	lp.flags(fs)
	ledger := ex.ledger()
	defer ledger.Close()
	if err := listCommits(context.Background(), ledger, *noFiles, lp.stdout); err != nil {
		croak("commits: %v", err)
	}
	return false
}

// HelpLabels says "Shut up, golint!"
func (ex *Exporter) HelpLabels() {
	ex.helpOutput(`
labels [>OUTFILE]

List the labels of the ledger.
`)
}

// DoLabels is the handler for the "labels" command.
func (ex *Exporter) DoLabels(line string) bool {
	lp := newLineParse(line)
	defer lp.Closem()
	ledger := ex.ledger()
	defer ledger.Close()
	if err := listLabels(context.Background(), ledger, lp.stdout); err != nil {
		croak("labels: %v", err)
	}
	return false
}

// HelpUsers says "Shut up, golint!"
func (ex *Exporter) HelpUsers() {
	ex.helpOutput(`
users [--ids] [>OUTFILE]

List every account that owns or committed a changeset, as the identity
map resolves it. Accounts the map does not know are marked unmapped;
tfsmapper can merge this listing into the map.
`)
}

// DoUsers is the handler for the "users" command.
func (ex *Exporter) DoUsers(line string) bool {
	lp := newLineParse(line)
	defer lp.Closem()
	fs := pflag.NewFlagSet("users", pflag.ContinueOnError)
	showIDs := fs.Bool("ids", false, "also print the internal user ID")
	lp.flags(fs)
	ledger := ex.ledger()
	defer ledger.Close()
	if err := listUsers(context.Background(), ledger, ex.identities, *showIDs, lp.stdout); err != nil {
		croak("users: %v", err)
	}
	return false
}

// HelpFastexport says "Shut up, golint!"
func (ex *Exporter) HelpFastexport() {
	ex.helpOutput(`
fast-export [options] [>OUTFILE]

Convert the ledger's history and write a git fast-import stream to
standard output or OUTFILE. Options:

    --dry-run               convert, but write no stream and spill no content
    --stop-after N          stop after changeset N
    --no-tags               do not export labels as tags
    --no-content            write every file as empty
    --progress              put progress records in the stream
    --marks FILE            write what each mark stands for to FILE
    --export-warnings FILE  write the diagnostics report to FILE
    --temp-dir DIR          spill pending content under DIR

A failure to read the ledger, a content rewrite failure, a cyclic merge
or inconsistent input aborts the export.
`)
}

// DoFastexport is the handler for the "fast-export" command.
func (ex *Exporter) DoFastexport(line string) bool {
	lp := newLineParse(line)
	defer lp.Closem()
	fs := pflag.NewFlagSet("fast-export", pflag.ContinueOnError)
	var opts exportOptions
	var stopAfter int64
	var marksFile, warningsFile, tempDir string
	fs.BoolVar(&opts.dry, "dry-run", false, "write no stream")
	fs.Int64Var(&stopAfter, "stop-after", 0, "stop after changeset N")
	fs.BoolVar(&opts.noTags, "no-tags", false, "do not export tags")
	fs.BoolVar(&opts.noContent, "no-content", false, "export empty files")
	fs.BoolVar(&opts.progress, "progress", false, "emit progress records")
	fs.StringVar(&marksFile, "marks", "", "write the marks file")
	fs.StringVar(&warningsFile, "export-warnings", "", "write the diagnostics report")
	fs.StringVar(&tempDir, "temp-dir", "", "spill directory")
	if rest := lp.flags(fs); len(rest) > 0 {
		panic(throw("command", "fast-export takes no arguments besides options"))
	}
	opts.stopAfter = changesetID(stopAfter)
	opts.serial = control.flagOptions["serial"]
	cfg := ex.project()

	ctx, cancel := control.withCancel(context.Background())
	defer cancel()
	spill, err := cfg.spillStore(ctx, tempDir)
	if err != nil {
		croak("fast-export: %v", err)
		return false
	}
	defer spill.Close()
	ledger := ex.ledger()
	defer ledger.Close()

	var out io.Writer = lp.stdout
	if !lp.redirected && isTerminal(1) && !opts.dry {
		panic(throw("command", "refusing to write a stream to a terminal; redirect it or use --dry-run"))
	}
	ps, err := newPipelineState(cfg, opts, ex.identities, spill, out)
	if err != nil {
		croak("fast-export: %v", err)
		return false
	}
	ex.last = ps
	control.baton.startProcess("fast-export", "")
	runErr := ps.run(ctx, ledger)
	control.baton.endProcess()
	if runErr != nil {
		croak("fast-export: %v", explain(runErr))
	}
	if warningsFile != "" {
		if err := writeFileWith(warningsFile, ps.diags.write); err != nil {
			croak("export-warnings: %v", err)
		}
	}
	if marksFile != "" && runErr == nil {
		if err := writeFileWith(marksFile, ps.writeMarks); err != nil {
			croak("marks: %v", err)
		}
	}
	if runErr == nil {
		respond(ps.report())
	}
	return false
}

// explain prefixes a fatal conversion error with what kind it is.
func explain(err error) string {
	for _, kind := range []error{ErrLedgerUnavailable, ErrRewrite, ErrCycle, ErrConsistency} {
		if errors.Is(err, kind) {
			return err.Error()
		}
	}
	if errors.Is(err, context.Canceled) {
		return "interrupted"
	}
	return err.Error()
}

func writeFileWith(name string, fill func(io.Writer) error) error {
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, userReadWriteMode)
	if err != nil {
		return err
	}
	if err := fill(fp); err != nil {
		fp.Close()
		return err
	}
	return fp.Close()
}

// HelpLog says "Shut up, golint!"
func (ex *Exporter) HelpLog() {
	ex.helpOutput(`
log [[+-]LOG-CLASS]...

Without arguments, list the log classes and whether each is enabled.
With arguments, enable (+) or disable (-) the named classes; "all"
names every class.
`)
}

// DoLog is the handler for the "log" command.
func (ex *Exporter) DoLog(lineIn string) bool {
	lineIn = strings.Replace(lineIn, ",", " ", -1)
	for _, tok := range strings.Fields(lineIn) {
		enable := tok[0] == '+'
		if !(enable || tok[0] == '-') {
			croak("an entry should start with a + or a -")
			goto breakout
		}
		tok = tok[1:]
		mask, ok := logtags[tok]
		if !ok {
			if tok == "all" {
				mask = ^uint(0)
			} else {
				croak("no such log class as %s", tok)
				goto breakout
			}
		}
		if enable {
			control.logmask |= mask
		} else {
			control.logmask &= ^mask
		}
	}
breakout:
	if len(lineIn) == 0 || control.isInteractive() {
		out := "log"
		for i, item := range verbosityLevelList() {
			if logEnable(item.v) {
				out += " +"
			} else {
				out += " -"
			}
			out += item.k
			if (i+1)%4 == 0 {
				out += "\n\t\t"
			}
		}
		control.baton.printLogString(out + "\n")
	}
	return false
}

func performOptionSideEffect(opt string, val bool) {
	switch opt {
	case "interactive", "progress":
		control.baton.setInteractivity(val)
	}
}

func tweakFlagOptions(line string, val bool) {
	if strings.TrimSpace(line) == "" {
		for _, opt := range optionFlags {
			fmt.Fprintf(control.baton, "\t%s = %v\n", opt[0], control.flagOptions[opt[0]])
		}
		return
	}
	line = strings.Replace(line, ",", " ", -1)
	for _, name := range strings.Fields(line) {
		found := false
		for _, opt := range optionFlags {
			if name == opt[0] {
				control.flagOptions[opt[0]] = val
				performOptionSideEffect(opt[0], val)
				found = true
			}
		}
		if !found {
			croak("no such option flag as '%s'", name)
		}
	}
}

// HelpSet says "Shut up, golint!"
func (ex *Exporter) HelpSet() {
	ex.helpOutput(`
set [OPTION]...

Set boolean options controlling tfsexport's behavior. With no
arguments, displays the state of all flags. The following flags are
defined:

`)
	for _, opt := range optionFlags {
		fmt.Fprintf(control.baton, "%s:\n%s\n", opt[0], opt[1])
	}
}

// DoSet is the handler for the "set" command.
func (ex *Exporter) DoSet(line string) bool {
	tweakFlagOptions(line, true)
	return false
}

// HelpClear says "Shut up, golint!"
func (ex *Exporter) HelpClear() {
	ex.helpOutput(`
clear [OPTION]...

Clear boolean options; see "help set" for the list.
`)
}

// DoClear is the handler for the "clear" command.
func (ex *Exporter) DoClear(line string) bool {
	tweakFlagOptions(line, false)
	return false
}

//
// Housekeeping hooks.
//

// PreLoop is the hook run before the first command prompt is issued
func (ex *Exporter) PreLoop() {
	ex.cmd.SetPrompt("tfsexport% ")
}

// PreCmd is the hook issued before each command handler. Command names
// are written with hyphens; the handlers are named without them.
func (ex *Exporter) PreCmd(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}
	verb, rest := line, ""
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		verb, rest = line[:i], line[i:]
	}
	if verb == "help" || verb == "?" {
		rest = strings.ReplaceAll(rest, "-", "")
	}
	line = strings.ReplaceAll(verb, "-", "") + rest
	ex.logHighwater = control.logcounter
	control.setAbort(false)
	return line
}

// PostCmd is the hook executed after each command handler
func (ex *Exporter) PostCmd(stop bool, lineIn string) bool {
	if control.logcounter > ex.logHighwater {
		respond("%d new log message(s)", control.logcounter-ex.logHighwater)
	}
	control.baton.Sync()
	return stop
}

// runCommands executes command-line arguments, each of which may hold
// several commands separated by semicolons. A command that fails ends
// the script with the abort flag still raised, so the exit status
// reports it.
func runCommands(ctx context.Context, interpreter *kommandant.Kmdt, args []string) {
	for _, arg := range args {
		for _, acmd := range strings.Split(arg, ";") {
			if acmd == "-" {
				if isTerminal(0) {
					control.flagOptions["interactive"] = true
				}
				if isTerminal(2) {
					control.flagOptions["progress"] = true
				}
				control.baton.setInteractivity(control.flagOptions["interactive"])
				interpreter.CmdLoop(ctx, "")
				continue
			}
			// Makes "tfsexport --help" work as expected.
			if strings.HasPrefix(acmd, "--") {
				acmd = acmd[2:]
			}
			acmd = interpreter.PreCmd(ctx, acmd)
			stop := interpreter.OneCmd(ctx, acmd)
			stop = interpreter.PostCmd(ctx, stop, acmd)
			if control.getAbort() {
				logit(logSHOUT, "script abort on %q", acmd)
				return
			}
			if stop {
				return
			}
		}
	}
}

func main() {
	ctx := context.Background()
	control.init()
	ex := newExporter()
	interpreter := kommandant.NewKommandant(ex)
	interpreter.EnableReadline(isTerminal(0))

	defer func() {
		maybePanic := recover()
		control.baton.Sync()
		if maybePanic != nil {
			panic(maybePanic)
		}
		if control.getAbort() {
			os.Exit(1)
		}
		os.Exit(0)
	}()

	if len(os.Args[1:]) == 0 {
		os.Args = append(os.Args, "-")
	}

	interpreter.PreLoop(ctx)
	runCommands(ctx, interpreter, os.Args[1:])
	interpreter.PostLoop(ctx)
}
