/*
 * Identity mapping: source accounts and timestamps to git attributions
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	cmap "github.com/orcaman/concurrent-map"
	"golang.org/x/text/encoding"
	ianaindex "golang.org/x/text/encoding/ianaindex"
)

// Identity is what a source account becomes in git.
type Identity struct {
	Name  string
	Email string
	Zone  *time.Location
}

// IdentityLookup maps a source account to a git identity. Implementations
// must be safe for concurrent use; the prefetch workers call them.
type IdentityLookup interface {
	Lookup(u User) (Identity, bool)
}

var zoneOffsetRE = regexp.MustCompile(`^([-+]?[0-9]{2})([0-9]{2})$`)

// locationFromZoneOffset makes a Go location object from a [+-]hhmm string,
// storing the offset as the zone name.
func locationFromZoneOffset(offset string) (*time.Location, error) {
	m := zoneOffsetRE.FindStringSubmatch(offset)
	if m == nil {
		return nil, errors.New("ill-formed timezone offset " + offset)
	}
	hours, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	if hours < -14 || hours > 13 || mins > 59 {
		return nil, errors.New("dubious zone offset " + offset)
	}
	tzoff := (hours*60 + mins) * 60
	if strings.HasPrefix(offset, "-") {
		tzoff = (hours*60 - mins) * 60
	}
	return time.FixedZone(offset, tzoff), nil
}

// locationFromZone accepts either an IANA zone name or a numeric offset.
func locationFromZone(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, errors.New("empty timezone")
	}
	if zoneOffsetRE.MatchString(tz) {
		return locationFromZoneOffset(tz)
	}
	return time.LoadLocation(tz)
}

// contribMap is an identity map in the reposurgeon contributor-map
// format, one entry per line:
//
//	DOMAIN\login = Full Name <email@example.com> Europe/Zurich
//
// The domain qualifier and the timezone are optional. Keys compare
// case-insensitively, like the server's account names.
type contribMap map[string]Identity

var contribLineRE = regexp.MustCompile(`^([^ =]+) *= *([^<]*)<([^>]*)> *(.*)$`)

func readContribMap(r io.Reader) (contribMap, error) {
	cm := make(contribMap)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := contribLineRE.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("identity map line %d: ill-formed entry %q", lineno, line)
		}
		id := Identity{Name: strings.TrimSpace(m[2]), Email: strings.TrimSpace(m[3])}
		if tz := strings.TrimSpace(m[4]); tz != "" {
			loc, err := locationFromZone(tz)
			if err != nil {
				return nil, fmt.Errorf("identity map line %d: %v", lineno, err)
			}
			id.Zone = loc
		}
		cm[strings.ToLower(m[1])] = id
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cm, nil
}

func loadContribMap(path string) (contribMap, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return readContribMap(fp)
}

// Lookup tries the domain-qualified login first, then the bare login.
func (cm contribMap) Lookup(u User) (Identity, bool) {
	if id, ok := cm[strings.ToLower(u.qualifiedLogin())]; ok {
		return id, true
	}
	id, ok := cm[strings.ToLower(u.Login)]
	return id, ok
}

// Attribution pins a commit or tag to a person and time.
type Attribution struct {
	fullname string
	email    string
	date     time.Time
}

// String renders the attribution the way fast-import wants it.
func (attr Attribution) String() string {
	return fmt.Sprintf("%s <%s> %d %s", attr.fullname, attr.email,
		attr.date.Unix(), attr.date.Format("-0700"))
}

func (attr Attribution) sameIdentity(other Attribution) bool {
	return attr.fullname == other.fullname && attr.email == other.email
}

var nameCleaner = strings.NewReplacer("<", "", ">", "", "\n", " ", "\r", "")

type resolvedIdentity struct {
	Identity
	fallback bool
}

// identityResolver caches lookups. resolve may be called from any
// goroutine; attribution belongs to the pipeline goroutine because it
// records diagnostics.
type identityResolver struct {
	lookup        IdentityLookup
	cache         cmap.ConcurrentMap
	defaultDomain string
	defaultEmail  string
	zone          *time.Location
}

func newIdentityResolver(lookup IdentityLookup, domain string, email string, zone *time.Location) *identityResolver {
	if zone == nil {
		zone = time.Local
	}
	return &identityResolver{
		lookup:        lookup,
		cache:         cmap.New(),
		defaultDomain: domain,
		defaultEmail:  email,
		zone:          zone,
	}
}

func (r *identityResolver) resolve(u User) resolvedIdentity {
	key := strings.ToLower(u.qualifiedLogin())
	if v, ok := r.cache.Get(key); ok {
		return v.(resolvedIdentity)
	}
	var out resolvedIdentity
	if id, ok := r.lookupUser(u); ok {
		out.Identity = id
	} else {
		out.fallback = true
		out.Name = u.DisplayName
		if out.Name == "" {
			out.Name = u.Login
		}
		switch {
		case r.defaultDomain != "" && u.Login != "":
			out.Email = strings.ToLower(u.Login) + "@" + r.defaultDomain
		case r.defaultEmail != "":
			out.Email = r.defaultEmail
		default:
			if _, email, err := whoami(); err == nil {
				out.Email = email
			}
		}
	}
	if out.Zone == nil {
		out.Zone = r.zone
	}
	out.Name = strings.TrimSpace(nameCleaner.Replace(out.Name))
	out.Email = nameCleaner.Replace(out.Email)
	r.cache.SetIfAbsent(key, out)
	return out
}

func (r *identityResolver) lookupUser(u User) (Identity, bool) {
	if r.lookup == nil {
		return Identity{}, false
	}
	return r.lookup.Lookup(u)
}

// attribution maps an account and a UTC server timestamp to an
// Attribution in the account's zone. A fallback is reported once per
// account in each run.
func (r *identityResolver) attribution(u User, when time.Time, cs changesetID, diags *Diagnostics) Attribution {
	id := r.resolve(u)
	if id.fallback {
		diags.warnOnce(strings.ToLower(u.qualifiedLogin()), cs, diagIdentity,
			"no identity for %s, using %s <%s>", u, id.Name, id.Email)
	}
	return Attribution{id.Name, id.Email, when.In(id.Zone)}
}

// newCommentDecoder returns a decoder for legacy comment text, or nil
// when name is empty.
func newCommentDecoder(name string) (*encoding.Decoder, error) {
	if name == "" {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("can't set up codec %s: %v", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("codec %s is not supported", name)
	}
	return enc.NewDecoder(), nil
}

// decodeComment transcodes a comment that is not valid UTF-8.
func decodeComment(dec *encoding.Decoder, text string) string {
	if utf8.ValidString(text) {
		return text
	}
	if dec != nil {
		if out, err := dec.String(text); err == nil {
			return out
		}
		logit(logWARN, "decode error during transcoding of %q", text)
	}
	return strings.ToValidUTF8(text, "?")
}
