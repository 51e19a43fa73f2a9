package main

import (
	"bytes"
	"strings"
	"testing"
)

func lines(text string) []string {
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

func mustMap(t *testing.T, text string) ContribMap {
	t.Helper()
	cm, err := readContribMap(lines(text))
	if err != nil {
		t.Fatalf("readContribMap: %v", err)
	}
	return cm
}

func dump(cm ContribMap, incomplete bool) string {
	var out bytes.Buffer
	cm.Write(&out, incomplete)
	return out.String()
}

func TestReadAndWrite(t *testing.T) {
	cm := mustMap(t, `# identities
CORP\alice = Alice Liddell <alice@example.com> Europe/London
bob = bob <bob>
`)
	if len(cm) != 2 {
		t.Fatalf("expected 2 entries, saw %d", len(cm))
	}
	if !cm["corp\\alice"].definite || cm["bob"].definite {
		t.Errorf("definite flags wrong")
	}
	expect := "bob = bob <bob>\nCORP\\alice = Alice Liddell <alice@example.com> Europe/London\n"
	if got := dump(cm, false); got != expect {
		t.Errorf("expected %q saw %q", expect, got)
	}
	if got := dump(cm, true); got != "bob = bob <bob>\n" {
		t.Errorf("incomplete dump: %q", got)
	}
	if _, err := readContribMap([]string{"no equals sign"}); err == nil {
		t.Errorf("ill-formed line accepted")
	}
}

func TestSuffixAndZone(t *testing.T) {
	cm := mustMap(t, "CORP\\carol = Carol <> +0100\nbob = Bob <bob>\n")
	cm.Suffix("example.com")
	cm.Zone("UTC")
	expect := "bob = Bob <bob@example.com> UTC\nCORP\\carol = Carol <carol@example.com> +0100\n"
	if got := dump(cm, false); got != expect {
		t.Errorf("expected %q saw %q", expect, got)
	}
}

func TestProblems(t *testing.T) {
	cm := mustMap(t, "a = A <a@example.com> Mars/Olympus\nb = b <b@example.com>\nc = C <c@example.com> -05:30\n")
	problems := cm.problems()
	expect := []string{`a: unknown timezone "Mars/Olympus"`, "b: incomplete entry"}
	if strings.Join(problems, "|") != strings.Join(expect, "|") {
		t.Errorf("expected %v saw %v", expect, problems)
	}
}

func TestAbsorbUsersReport(t *testing.T) {
	cm := mustMap(t, "CORP\\alice = Alice <alice@example.com>\n")
	report := `Alice / alice@example.com / tz=UTC / 1
dave / dave@corp.example / tz=<undef> / 4 / unmapped CORP\dave
Eve / eve@corp.example / tz=Europe/Paris / unmapped eve
Alice / alice@example.com / tz=UTC / unmapped CORP\alice
`
	var warn bytes.Buffer
	if err := cm.absorb(lines(report), &warn); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if len(cm) != 3 {
		t.Fatalf("expected 3 entries, saw %d", len(cm))
	}
	dave := cm["corp\\dave"]
	if dave.email != "dave" || dave.tz != "" || !dave.incomplete() {
		t.Errorf("unexpected entry %s", dave)
	}
	if eve := cm["eve"]; eve.tz != "Europe/Paris" || eve.fullname != "Eve" {
		t.Errorf("unexpected entry %s", eve)
	}
	cm.Suffix("corp.example")
	if dave.email != "dave@corp.example" {
		t.Errorf("suffix not applied: %s", dave)
	}
}

func TestAbsorbPasswd(t *testing.T) {
	cm := mustMap(t, "CORP\\dave = dave <dave@example.com>\nCORP\\erin = Erin <erin@example.com>\nfrank = Frank <frank@example.com>\n")
	passwd := `dave:x:1001:1001:Dave Bowman,,,:/home/dave:/bin/sh
erin:x:1002:1002:Erin Smith:/home/erin:/bin/sh
`
	var warn bytes.Buffer
	if err := cm.absorb(lines(passwd), &warn); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if cm["corp\\dave"].fullname != "Dave Bowman" {
		t.Errorf("gecos not applied: %s", cm["corp\\dave"])
	}
	if cm["corp\\erin"].fullname != "Erin" {
		t.Errorf("definite name overwritten: %s", cm["corp\\erin"])
	}
	msgs := warn.String()
	if !strings.Contains(msgs, "CORP\\erin -> Erin should be Erin Smith") || !strings.Contains(msgs, "frank not in password file") {
		t.Errorf("unexpected warnings %q", msgs)
	}
	if err := cm.absorb([]string{"a:b:c:d:e"}, &warn); err == nil {
		t.Errorf("short passwd line accepted")
	}
}

func TestAbsorbMailbox(t *testing.T) {
	cm := mustMap(t, "CORP\\gina = gina <gina>\nhank = Hank <hank@example.com>\n")
	mbox := `From gina@mail.example Mon Jan  1 00:00:00 2020
From: Gina Torres <gina@mail.example>
To: Henry Hank <hank@mail.example>,
	Ivy <ivy@mail.example>
Subject: hello

body
`
	if err := cm.absorb(lines(mbox), nil); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	gina := cm["corp\\gina"]
	if gina.fullname != "Gina Torres" || gina.email != "gina@mail.example" {
		t.Errorf("mailbox not mined: %s", gina)
	}
	if cm["hank"].fullname != "Hank" {
		t.Errorf("definite entry overwritten: %s", cm["hank"])
	}
}

func TestAbsorbMap(t *testing.T) {
	cm := mustMap(t, "a = A <a@example.com>\n")
	if err := cm.absorb(lines("a = Other <other@example.com>\nb = B <b@example.com>\n"), nil); err != nil {
		t.Fatalf("absorb: %v", err)
	}
	if cm["a"].fullname != "A" || cm["b"] == nil {
		t.Errorf("merge went wrong: %q", dump(cm, false))
	}
	if err := cm.absorb([]string{"mystery"}, nil); err == nil {
		t.Errorf("unknown file kind accepted")
	}
}
