// tfsmapper updates and checks tfsexport identity maps
package main

// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/mail"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Contributor - associate a server account with a git identity
type Contributor struct {
	login    string
	fullname string
	email    string
	tz       string
	definite bool
}

// bare is the account name without its domain qualifier.
func (cb *Contributor) bare() string {
	if i := strings.LastIndexByte(cb.login, '\\'); i >= 0 {
		return cb.login[i+1:]
	}
	return cb.login
}

// Does this entry need completion?
func (cb *Contributor) incomplete() bool {
	return cb.fullname == "" || strings.EqualFold(cb.fullname, cb.bare()) || !strings.Contains(cb.email, "@")
}

// String - render a Contributor in rereadable form
func (cb *Contributor) String() string {
	out := fmt.Sprintf("%s = %s <%s>", cb.login, cb.fullname, cb.email)
	if cb.tz != "" {
		out += " " + cb.tz
	}
	return out
}

// ContribMap - identity map entries keyed by lowercased login.
type ContribMap map[string]*Contributor

var mapLineRE = regexp.MustCompile(`^([^ =]+) *= *([^<]*)<([^>]*)> *(.*)$`)

func readContribMap(lines []string) (ContribMap, error) {
	cm := make(ContribMap)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := mapLineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("ill-formed map line %d: %q", i+1, line)
		}
		v := &Contributor{
			login:    m[1],
			fullname: strings.TrimSpace(m[2]),
			email:    strings.TrimSpace(m[3]),
			tz:       strings.TrimSpace(m[4]),
		}
		v.definite = strings.Contains(v.email, "@")
		cm[strings.ToLower(v.login)] = v
	}
	return cm, nil
}

// byBare finds the entries whose account matches a bare login.
func (cm ContribMap) byBare(name string) []*Contributor {
	out := make([]*Contributor, 0)
	for _, v := range cm {
		if strings.EqualFold(v.bare(), name) {
			out = append(out, v)
		}
	}
	return out
}

// merge adds entries the map lacks.
func (cm ContribMap) merge(other ContribMap) {
	for k, v := range other {
		if _, ok := cm[k]; !ok {
			cm[k] = v
		}
	}
}

// Suffix - add an address domain to entries lacking one.
func (cm ContribMap) Suffix(domain string) {
	for _, v := range cm {
		if v.email == "" {
			v.email = strings.ToLower(v.bare())
		}
		if !strings.Contains(v.email, "@") {
			v.email += "@" + domain
		}
	}
}

// Zone - give entries without a timezone a default one.
func (cm ContribMap) Zone(tz string) {
	for _, v := range cm {
		if v.tz == "" {
			v.tz = tz
		}
	}
}

var zoneOffsetRE = regexp.MustCompile(`^[+-][0-9]{2}:?[0-9]{2}$`)

func validZone(tz string) bool {
	if zoneOffsetRE.MatchString(tz) {
		return true
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// problems lists entries the exporter would reject or fall back on.
func (cm ContribMap) problems() []string {
	out := make([]string, 0)
	for _, k := range cm.keys() {
		v := cm[k]
		if v.tz != "" && !validZone(v.tz) {
			out = append(out, fmt.Sprintf("%s: unknown timezone %q", v.login, v.tz))
		}
		if v.incomplete() {
			out = append(out, fmt.Sprintf("%s: incomplete entry", v.login))
		}
	}
	return out
}

func (cm ContribMap) keys() []string {
	keys := make([]string, 0, len(cm))
	for k := range cm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Write the current state of this contrib map.
func (cm ContribMap) Write(w io.Writer, incomplete bool) {
	for _, k := range cm.keys() {
		item := cm[k]
		if incomplete && !item.incomplete() {
			continue
		}
		fmt.Fprintln(w, item)
	}
}

// Manifest constants describing the Unix password DSV format
const pwdFLDSEP = ":" // field separator
const pwdNAME = 0     // field index of username
const pwdGECOS = 4    // field index of fullname
const pwdFLDCOUNT = 7 // required number of fields

// absorbPasswd fills full names from a password file, matched on the
// bare account name.
func (cm ContribMap) absorbPasswd(lines []string, warn io.Writer) error {
	passwd := make(map[string]string)
	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.Split(line, pwdFLDSEP)
		if len(fields) != pwdFLDCOUNT {
			return fmt.Errorf("ill-formed passwd line %q", line)
		}
		passwd[strings.ToLower(fields[pwdNAME])] = strings.Split(fields[pwdGECOS], ",")[0]
	}
	for _, k := range cm.keys() {
		item := cm[k]
		gecos, ok := passwd[strings.ToLower(item.bare())]
		if !ok {
			fmt.Fprintf(warn, "tfsmapper: %s not in password file.\n", item.login)
		} else if item.fullname == "" || strings.EqualFold(item.fullname, item.bare()) {
			item.fullname = gecos
		} else if gecos != "" && item.fullname != gecos {
			fmt.Fprintf(warn, "tfsmapper: %s -> %s should be %s.\n", item.login, item.fullname, gecos)
		}
	}
	return nil
}

// absorbMailbox mines address headers for names and addresses of
// entries not yet pinned down.
func (cm ContribMap) absorbMailbox(lines []string) {
	mine := func(text string) {
		addrs, err := mail.ParseAddressList(text)
		if err != nil {
			return
		}
		for _, e := range addrs {
			if e.Name == "" || e.Name == e.Address {
				continue
			}
			userid := strings.Split(e.Address, "@")[0]
			for _, item := range cm.byBare(userid) {
				if !item.definite {
					item.fullname = e.Name
					item.email = e.Address
					item.definite = true
				}
			}
		}
	}
	for _, line := range lines[1:] {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			mine(strings.TrimSpace(line))
		} else if i := strings.IndexByte(line, ':'); i > 0 {
			switch strings.ToLower(line[:i]) {
			case "from", "to", "cc", "reply-to", "sender":
				mine(line[i+1:])
			}
		}
	}
}

// absorbUsers adds an entry for every account the exporter's users
// report says it had to fall back on.
func (cm ContribMap) absorbUsers(lines []string) {
	for _, line := range lines {
		fields := strings.Split(line, " / ")
		last := fields[len(fields)-1]
		if len(fields) < 4 || !strings.HasPrefix(last, "unmapped ") {
			continue
		}
		login := strings.TrimPrefix(last, "unmapped ")
		if _, ok := cm[strings.ToLower(login)]; ok {
			continue
		}
		item := &Contributor{login: login, fullname: fields[0]}
		if tz := strings.TrimPrefix(fields[2], "tz="); tz != "<undef>" {
			item.tz = tz
		}
		// The report synthesizes an address from the login; keep only
		// the local part so a domain can be applied later.
		item.email = strings.Split(fields[1], "@")[0]
		cm[strings.ToLower(login)] = item
	}
}

// absorb merges one input file, guessing its kind from its first line.
func (cm ContribMap) absorb(lines []string, warn io.Writer) error {
	if len(lines) == 0 {
		return nil
	}
	first := lines[0]
	switch {
	case strings.Contains(first, " / tz="):
		cm.absorbUsers(lines)
	case strings.Contains(first, "=") || strings.HasPrefix(first, "#"):
		update, err := readContribMap(lines)
		if err != nil {
			return err
		}
		cm.merge(update)
	case strings.HasPrefix(first, "From "):
		cm.absorbMailbox(lines)
	case strings.Count(first, ":") > 3:
		return cm.absorbPasswd(lines, warn)
	default:
		return fmt.Errorf("can't tell what kind of file starts with %q", first)
	}
	return nil
}

func readLines(fn string) ([]string, error) {
	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	lines := make([]string, 0)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func main() {
	var domain, zone string
	var incomplete, check bool

	pflag.StringVarP(&domain, "domain", "d", "", "set domain for address suffixing")
	pflag.StringVarP(&zone, "zone", "z", "", "set timezone for entries lacking one")
	pflag.BoolVarP(&incomplete, "incomplete", "i", false, "dump incomplete entries")
	pflag.BoolVarP(&check, "check", "c", false, "report problems instead of the map")
	pflag.Parse()

	if pflag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "tfsmapper: requires an identity-map file argument.\n")
		os.Exit(1)
	}

	lines, err := readLines(pflag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	contribmap, err := readContribMap(lines)
	if err != nil {
		log.Fatalf("tfsmapper: %s: %v", pflag.Arg(0), err)
	}

	for i := 1; i < pflag.NArg(); i++ {
		lines, err := readLines(pflag.Arg(i))
		if err != nil {
			log.Fatal(err)
		}
		if err := contribmap.absorb(lines, os.Stderr); err != nil {
			log.Fatalf("tfsmapper: %s: %v", pflag.Arg(i), err)
		}
	}

	if domain != "" {
		contribmap.Suffix(domain)
	}
	if zone != "" {
		if !validZone(zone) {
			log.Fatalf("tfsmapper: unknown timezone %q", zone)
		}
		contribmap.Zone(zone)
	}

	if check {
		problems := contribmap.problems()
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			os.Exit(1)
		}
		return
	}
	contribmap.Write(os.Stdout, incomplete)
}

// end
