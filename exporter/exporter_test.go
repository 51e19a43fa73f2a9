package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	difflib "github.com/ianbruene/go-difflib/difflib"
	kommandant "gitlab.com/ianbruene/kommandant"
)

func assertBool(t *testing.T, see bool, expect bool) {
	t.Helper()
	if see != expect {
		t.Errorf("assertBool: expected %v saw %v", expect, see)
	}
}

func assertTrue(t *testing.T, see bool) {
	t.Helper()
	assertBool(t, see, true)
}

func assertEqual(t *testing.T, a string, b string) {
	t.Helper()
	if a != b {
		t.Fatalf("assertEqual: expected %q == %q", a, b)
	}
}

func assertIntEqual(t *testing.T, a int, b int) {
	t.Helper()
	if a != b {
		t.Errorf("assertIntEqual: expected %d == %d", a, b)
	}
}

// assertStreamEqual compares multiline text and shows a unified diff on
// mismatch.
func assertStreamEqual(t *testing.T, see string, expect string) {
	t.Helper()
	if see == expect {
		return
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(expect),
		B:        difflib.SplitLines(see),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	}
	text, _ := difflib.GetUnifiedDiffString(diff)
	t.Fatalf("stream mismatch:\n%s", text)
}

func literal(data string) ContentProvider {
	return func() ([]byte, error) {
		return []byte(data), nil
	}
}

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

var alice = User{ID: 1, Domain: "CORP", Login: "alice", DisplayName: "Alice"}
var bob = User{ID: 2, Domain: "CORP", Login: "bob", DisplayName: "Bob"}

func testIdentities() *identityResolver {
	cm := contribMap{
		`corp\alice`: Identity{Name: "Alice", Email: "alice@example.com"},
		"bob":        Identity{Name: "Bob", Email: "bob@example.com"},
	}
	return newIdentityResolver(cm, "example.com", "", time.UTC)
}

func TestServerPaths(t *testing.T) {
	assertEqual(t, normalizeServerPath(`$\proj\trunk\`), "$/proj/trunk")
	assertEqual(t, normalizeServerPath("$/proj/a>b"), "$/proj/a_b")
	assertEqual(t, joinRel("", "a.txt"), "a.txt")
	assertEqual(t, joinRel("dir", ""), "dir")
	assertEqual(t, joinRel("dir", "a.txt"), "dir/a.txt")
	rel, ok := relativeTo("dir/sub/a.txt", "dir")
	assertTrue(t, ok)
	assertEqual(t, rel, "sub/a.txt")
	_, ok = relativeTo("dirt/a.txt", "dir")
	assertBool(t, ok, false)
}

func TestMangleRefName(t *testing.T) {
	var testTable = []struct {
		input  string
		expect string
	}{
		{"trunk", "trunk"},
		{"my branch:1", "my_branch_1"},
		{"feature/foo..bar.lock", "feature/foo.bar"},
		{"..", "_"},
		{"rel@{1}", "rel@_1}"},
		{"/leading//slashes/", "leading/slashes"},
	}
	for _, item := range testTable {
		assertEqual(t, mangleRefName(item.input), item.expect)
	}
	assertEqual(t, branchRef("Release 1.0"), "refs/heads/Release_1.0")
	assertEqual(t, tagRef("v1"), "refs/tags/v1")
}

func TestPathMapSnapshots(t *testing.T) {
	pm := newPathMap()
	pm.set("a/b.txt", fileEntry{mark: 1})
	pm.set("a/c/d.txt", fileEntry{mark: 2, executable: true})
	pm.set("top.txt", fileEntry{mark: 3})
	snap := pm.snapshot()

	pm.set("a/new.txt", fileEntry{mark: 4})
	pm.remove("a/b.txt")
	pm.remove("a/c")

	if _, ok := snap.get("a/new.txt"); ok {
		t.Error("snapshot sees a file added after it was taken")
	}
	if e, ok := snap.get("a/b.txt"); !ok || e.mark != 1 {
		t.Error("snapshot lost a file removed after it was taken")
	}
	if e, ok := snap.get("a/c/d.txt"); !ok || e.mode() != "755" {
		t.Errorf("snapshot lost an executable file: %v", snap)
	}
	if !reflect.DeepEqual(pm.pathnames(), []string{"a/new.txt", "top.txt"}) {
		t.Errorf("unexpected live tree %v", pm.pathnames())
	}
	if !reflect.DeepEqual(snap.pathsUnder("a"), []string{"a/b.txt", "a/c/d.txt"}) {
		t.Errorf("unexpected subtree %v", snap.pathsUnder("a"))
	}
	if !reflect.DeepEqual(snap.pathsUnder("top.txt"), []string{"top.txt"}) {
		t.Errorf("pathsUnder a file should name the file, got %v", snap.pathsUnder("top.txt"))
	}
	assertIntEqual(t, snap.size(), 3)
	pm.remove("a")
	pm.remove("top.txt")
	assertTrue(t, pm.isEmpty())
	assertEqual(t, snap.String(), "{a/b.txt: :1/644, a/c/d.txt: :2/755, top.txt: :3/644}")
}

func TestRuleClassifier(t *testing.T) {
	rc, err := newRuleClassifier([]BranchRule{
		{Prefix: `$\misc`, Name: "everything"},
		{Prefix: "$/proj/branches/special"},
		{Prefix: "$/proj/trunk"},
		{Prefix: "$/proj/old", Orphan: true},
		{Pattern: `^\$/proj/rel-(?P<v>[0-9.]+)(?:/(?P<relpath>.*))?$`, Name: "release-${v}", Parent: "trunk", FromVersion: 40},
		{Pattern: `^\$/proj/branches/(?P<branch>[^/]+)(?:/(?P<relpath>.*))?$`},
	})
	if err != nil {
		t.Fatalf("classifier setup: %v", err)
	}
	var testTable = []struct {
		path   string
		expect Classification
	}{
		{"$/proj/trunk/src/a.c", Classification{Kind: classPath, Branch: "trunk", RelPath: "src/a.c"}},
		{"$/PROJ/Trunk/b.c", Classification{Kind: classPath, Branch: "trunk", RelPath: "b.c"}},
		{"$/proj/trunk", Classification{Kind: classPath, Branch: "trunk"}},
		{"$/misc/notes.txt", Classification{Kind: classPath, Branch: "everything", RelPath: "notes.txt"}},
		{"$/proj/old/x", Classification{Kind: classNewBranch, Branch: "old", RelPath: "x"}},
		{"$/proj/rel-1.2/x/y", Classification{Kind: classBranchFrom, Branch: "release-1.2", RelPath: "x/y", FromBranch: "trunk", FromVersion: 40}},
		{"$/other/file", Classification{Kind: classUnmapped}},
	}
	for _, item := range testTable {
		see := rc.Classify(item.path, 1)
		if see != item.expect {
			t.Errorf("%s: expected %+v saw %+v", item.path, item.expect, see)
		}
	}
	// Prefix rules win over patterns.
	see := rc.Classify("$/proj/branches/special/z", 1)
	assertEqual(t, see.Branch, "special")
	see = rc.Classify("$/proj/branches/dev/z", 1)
	assertEqual(t, see.Branch, "dev")

	rc2, _ := newRuleClassifier([]BranchRule{
		{Pattern: `^\$/proj/branches/(?P<branch>[^/]+)(?:/(?P<relpath>.*))?$`},
	})
	see = rc2.Classify("$/proj/branches/dev/z", 1)
	assertEqual(t, see.Branch, "dev")
	assertEqual(t, see.RelPath, "z")
	see = rc2.Classify("$/proj/branches/dev", 1)
	assertEqual(t, see.RelPath, "")

	if _, err := newRuleClassifier([]BranchRule{{Prefix: "a", Pattern: "b"}}); err == nil {
		t.Error("prefix and pattern together should be refused")
	}
	if _, err := newRuleClassifier([]BranchRule{{Pattern: "^x"}}); err == nil {
		t.Error("a pattern with no way to name the branch should be refused")
	}
	if _, err := newRuleClassifier([]BranchRule{{}}); err == nil {
		t.Error("an empty rule should be refused")
	}
}

func TestIgnoreFilter(t *testing.T) {
	f, err := newIgnoreFilter([]string{`\.suo$`, `^obj/`}, true)
	if err != nil {
		t.Fatalf("filter setup: %v", err)
	}
	assertBool(t, f.Keep("trunk", "src/a.c"), true)
	assertBool(t, f.Keep("trunk", "app.suo"), false)
	assertBool(t, f.Keep("trunk", "obj/debug/x.o"), false)
	assertBool(t, f.Keep("trunk", "proj/App.vssscc"), false)
	assertBool(t, f.Keep("trunk", "proj/App.csproj.vspscc"), false)
	if _, err := newIgnoreFilter([]string{"("}, false); err == nil {
		t.Error("bad ignore pattern accepted")
	}
}

func TestVsSolutionRewriter(t *testing.T) {
	sln := "Global\n" +
		"\tGlobalSection(TeamFoundationVersionControl) = preSolution\n" +
		"\t\tSccNumberOfProjects = 2\n" +
		"\tEndGlobalSection\n" +
		"\tGlobalSection(SolutionProperties) = preSolution\n" +
		"\tEndGlobalSection\n" +
		"EndGlobal\n"
	out, err := vsSolutionRewriter{}.Rewrite("trunk", "App.sln", []byte(sln))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	assertStreamEqual(t, string(out), "Global\n"+
		"\tGlobalSection(SolutionProperties) = preSolution\n"+
		"\tEndGlobalSection\n"+
		"EndGlobal\n")
	out, _ = vsSolutionRewriter{}.Rewrite("trunk", "notes.txt", []byte(sln))
	assertEqual(t, string(out), sln)
}

type failingRewriter struct {
	keep bool
}

func (f failingRewriter) Rewrite(branch string, relpath string, data []byte) ([]byte, error) {
	return nil, errors.New("filter exploded")
}

func (f failingRewriter) fallsBack() bool {
	return f.keep
}

type upcaseRewriter struct{}

func (upcaseRewriter) Rewrite(branch string, relpath string, data []byte) ([]byte, error) {
	return bytes.ToUpper(data), nil
}

func TestRewriteChain(t *testing.T) {
	var fell []error
	chain := rewriteChain{upcaseRewriter{}, failingRewriter{keep: true}}
	out, err := chain.apply("trunk", "a.txt", []byte("abc"), func(err error) { fell = append(fell, err) })
	if err != nil {
		t.Fatalf("fallback rewriter should not fail the chain: %v", err)
	}
	assertEqual(t, string(out), "ABC")
	assertIntEqual(t, len(fell), 1)

	chain = rewriteChain{failingRewriter{}}
	_, err = chain.apply("trunk", "a.txt", []byte("abc"), func(error) {})
	assertTrue(t, errors.Is(err, ErrRewrite))
}

func TestCommandRewriter(t *testing.T) {
	if _, err := newCommandRewriter(RewriteRule{Glob: "*.txt", Command: ""}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := newCommandRewriter(RewriteRule{Glob: "*.txt", Command: "cat", Fallback: "maybe"}); err == nil {
		t.Error("bad fallback accepted")
	}
	rw, err := newCommandRewriter(RewriteRule{Glob: "*.txt", Command: "tr a-z A-Z", Fallback: "keep"})
	if err != nil {
		t.Fatalf("rewriter setup: %v", err)
	}
	assertTrue(t, rw.fallsBack())
	assertTrue(t, rw.matches("docs/readme.txt"))
	assertBool(t, rw.matches("main.c"), false)
	out, _ := rw.Rewrite("trunk", "main.c", []byte("untouched"))
	assertEqual(t, string(out), "untouched")
	if _, err := os.Stat("/usr/bin/tr"); err != nil {
		t.Skip("no tr(1) to filter through")
	}
	out, err = rw.Rewrite("trunk", "a.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("filter failed: %v", err)
	}
	assertEqual(t, string(out), "HELLO")
}

func TestContribMap(t *testing.T) {
	text := `# identity map
CORP\alice = Alice Smith <alice@corp.example> +0100
bob = Bob Jones <bob@example.org>
`
	cm, err := readContribMap(strings.NewReader(text))
	if err != nil {
		t.Fatalf("reading map: %v", err)
	}
	id, ok := cm.Lookup(User{Domain: "corp", Login: "ALICE"})
	assertTrue(t, ok)
	assertEqual(t, id.Name, "Alice Smith")
	assertEqual(t, id.Email, "alice@corp.example")
	assertEqual(t, id.Zone.String(), "+0100")
	id, ok = cm.Lookup(User{Domain: "CORP", Login: "bob"})
	assertTrue(t, ok)
	assertEqual(t, id.Email, "bob@example.org")
	_, ok = cm.Lookup(User{Login: "carol"})
	assertBool(t, ok, false)

	if _, err := readContribMap(strings.NewReader("garbage line\n")); err == nil {
		t.Error("ill-formed line accepted")
	}
	if _, err := readContribMap(strings.NewReader("x = X <x@y> +9900\n")); err == nil {
		t.Error("dubious zone accepted")
	}
}

func TestAttribution(t *testing.T) {
	cm, _ := readContribMap(strings.NewReader(`CORP\alice = Alice Smith <alice@corp.example> +0100` + "\n"))
	r := newIdentityResolver(cm, "example.com", "", time.UTC)
	diags := new(Diagnostics)
	attr := r.attribution(User{Domain: "CORP", Login: "alice"}, epoch, 5, diags)
	assertEqual(t, attr.String(), "Alice Smith <alice@corp.example> 1577836800 +0100")
	assertIntEqual(t, diags.Len(), 0)

	carol := User{Domain: "CORP", Login: "Carol", DisplayName: "Carol <C>"}
	attr = r.attribution(carol, epoch, 6, diags)
	assertEqual(t, attr.String(), "Carol C <carol@example.com> 1577836800 +0000")
	r.attribution(carol, epoch, 7, diags)
	assertIntEqual(t, diags.count(diagIdentity, 0), 1)

	r = newIdentityResolver(nil, "", "nobody@example.net", time.UTC)
	assertEqual(t, r.resolve(carol).Email, "nobody@example.net")
}

func TestDecodeComment(t *testing.T) {
	dec, err := newCommentDecoder("ISO-8859-1")
	if err != nil {
		t.Fatalf("decoder setup: %v", err)
	}
	assertEqual(t, decodeComment(dec, "caf\xe9"), "café")
	assertEqual(t, decodeComment(dec, "plain"), "plain")
	assertEqual(t, decodeComment(nil, "caf\xe9"), "caf?")
	if _, err := newCommentDecoder("no-such-codec"); err == nil {
		t.Error("unknown codec accepted")
	}
}

func TestDiagnostics(t *testing.T) {
	d := new(Diagnostics)
	d.warn(200, diagUnmappedPath, "add %s", "/other/x.txt")
	d.info(0, diagLabelSkipped, "label %q", "v1")
	d.warn(201, diagUnmappedPath, "edit /other/x.txt")
	assertIntEqual(t, d.count(diagUnmappedPath, 0), 2)
	assertIntEqual(t, d.count(diagUnmappedPath, 200), 1)
	warnings, infos := d.summary()
	assertIntEqual(t, warnings, 2)
	assertIntEqual(t, infos, 1)
	var out bytes.Buffer
	if err := d.write(&out); err != nil {
		t.Fatal(err)
	}
	assertStreamEqual(t, out.String(),
		"warn: unmapped path: changeset 200: add /other/x.txt\n"+
			"info: label skipped: label \"v1\"\n"+
			"warn: unmapped path: changeset 201: edit /other/x.txt\n")

	d.warnOnce("carol", 202, diagIdentity, "no identity for carol")
	d.warnOnce("carol", 203, diagIdentity, "no identity for carol")
	d.warnOnce("carol", 203, diagUnmappedPath, "carol")
	assertIntEqual(t, d.count(diagIdentity, 0), 1)
	assertIntEqual(t, d.Len(), 5)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.yaml")
	text := `ledger: history.jsonl
branches:
  - prefix: $/proj/trunk
    name: trunk
  - pattern: '^\$/proj/branches/(?P<branch>[^/]+)(?:/(?P<relpath>.*))?$'
    parent: trunk
ignore:
  - '\.suo$'
merge-heuristic: nearest
max-merge-parents: 3
timezone: "-0500"
storage:
  backend: memory
`
	if err := os.WriteFile(project, []byte(text), userReadWriteMode); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(project)
	if err != nil {
		t.Fatalf("loading project: %v", err)
	}
	assertEqual(t, cfg.Ledger, filepath.Join(dir, "history.jsonl"))
	assertIntEqual(t, len(cfg.Branches), 2)
	assertEqual(t, cfg.MergeHeuristic, "nearest")
	assertIntEqual(t, cfg.MaxMergeParents, 3)
	assertIntEqual(t, cfg.PrefetchWorkers, 4)
	assertTrue(t, cfg.VsScc)
	assertEqual(t, cfg.Storage.Backend, "memory")
	rc, err := cfg.classifier()
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	assertEqual(t, rc.Classify("$/proj/branches/b1/x", 1).FromBranch, "trunk")
	r, err := cfg.identityResolver()
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, r.zone.String(), "-0500")

	t.Setenv("TFSEXPORT_LEDGER", "/srv/dumps/other.jsonl")
	cfg, err = loadConfig(project)
	if err != nil {
		t.Fatal(err)
	}
	assertEqual(t, cfg.Ledger, "/srv/dumps/other.jsonl")
}

func TestLoadConfigRejects(t *testing.T) {
	dir := t.TempDir()
	var testTable = []string{
		"ledger: x\n",
		"branches:\n  - prefix: $/a\nbogus-field: 1\n",
		"branches:\n  - prefix: $/a\nmerge-heuristic: psychic\n",
		"branches:\n  - prefix: $/a\nstorage:\n  backend: tape\n",
		"branches:\n  - prefix: $/a\nsnapshot-retention: -1\n",
	}
	for i, text := range testTable {
		project := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(project, []byte(text), userReadWriteMode); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfig(project); err == nil {
			t.Errorf("case %d: bad project accepted", i)
		}
	}
}

func TestCommandLineParse(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	lp := newLineParse(`--no-files "quoted arg" >` + target)
	assertIntEqual(t, len(lp.args), 2)
	assertEqual(t, lp.args[1], "quoted arg")
	assertTrue(t, lp.redirected)
	lp.Closem()
	assertTrue(t, exists(target))
}

func TestScriptAbortStopsCommands(t *testing.T) {
	saved := control.flagOptions
	control.flagOptions = make(map[string]bool)
	defer func() {
		control.flagOptions = saved
		control.setAbort(false)
	}()
	ctx := context.Background()
	interpreter := kommandant.NewKommandant(newExporter())

	runCommands(ctx, interpreter, []string{"log +nosuch", "set quiet"})
	assertTrue(t, control.getAbort())
	assertBool(t, control.flagOptions["quiet"], false)

	control.setAbort(false)
	runCommands(ctx, interpreter, []string{"set quiet;set nosuch;clear quiet"})
	assertTrue(t, control.getAbort())
	assertBool(t, control.flagOptions["quiet"], true)

	control.setAbort(false)
	runCommands(ctx, interpreter, []string{"clear quiet", "set testmode"})
	assertBool(t, control.getAbort(), false)
	assertBool(t, control.flagOptions["quiet"], false)
	assertBool(t, control.flagOptions["testmode"], true)
}
