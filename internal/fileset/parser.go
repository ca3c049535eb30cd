// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fileset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nishisan-dev/nbackup-filed/internal/transform"
)

// Parser consumes a Director's fileset definition one line at a time, as
// sent after a "fileset" command. Once Feed returns an error, the parser
// latches that error: every subsequent Feed call is a no-op that returns
// the same error, matching the sticky-error-state requirement — "any code
// after an error is silently dropped".
type Parser struct {
	set *Set
	cur *Entry
	incl bool // true if cur belongs to Include, false if Exclude

	err error
}

// NewParser returns a Parser ready to receive fileset lines.
func NewParser() *Parser {
	return &Parser{set: &Set{}}
}

// Feed processes one fileset definition line. See the Parser type doc for
// the sticky-error-state contract.
func (p *Parser) Feed(line string) error {
	if p.err != nil {
		return p.err
	}
	if err := p.feed(line); err != nil {
		p.err = err
		return err
	}
	return nil
}

// Err returns the latched parse error, if any.
func (p *Parser) Err() error { return p.err }

// Finish commits the fileset: no more Feed calls are expected after this.
// Platform-special pattern expansion (e.g. "all local drives" on Windows)
// is the external collaborator's responsibility per spec §1; Finish only
// flips the committed bit once parsing succeeded cleanly.
func (p *Parser) Finish() (*Set, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.set.Committed = true
	return p.set, nil
}

func (p *Parser) feed(line string) error {
	if line == "" {
		return nil
	}
	code := line[0]
	subcode := ""
	rest := line[1:]
	if len(rest) > 0 && isSubcodeByte(rest[0]) && code != 'N' {
		subcode = string(rest[0])
		rest = rest[1:]
	}
	rest = strings.TrimPrefix(rest, " ")

	switch code {
	case 'I':
		p.cur = &Entry{}
		p.incl = true
		p.set.Include = append(p.set.Include, p.cur)
	case 'E':
		p.cur = &Entry{}
		p.incl = false
		p.set.Exclude = append(p.set.Exclude, p.cur)
	case 'N':
		p.cur = nil
	case 'F':
		if err := p.requireEntry("F"); err != nil {
			return err
		}
		p.cur.Files = append(p.cur.Files, rest)
	case 'P':
		if err := p.requireEntry("P"); err != nil {
			return err
		}
		p.cur.PluginCommands = append(p.cur.PluginCommands, rest)
	case 'G':
		if err := p.requireEntry("G"); err != nil {
			return err
		}
		p.cur.BoundPlugin = rest
	case 'R':
		if err := p.requireEntry("R"); err != nil {
			return err
		}
		p.cur.Regex = append(p.cur.Regex, Pattern{Subcode: subcode, Text: rest})
	case 'W':
		if err := p.requireEntry("W"); err != nil {
			return err
		}
		p.cur.Wildcard = append(p.cur.Wildcard, Pattern{Subcode: subcode, Text: rest})
	case 'B':
		if err := p.requireEntry("B"); err != nil {
			return err
		}
		p.cur.BaseDirs = append(p.cur.BaseDirs, rest)
	case 'X':
		if err := p.requireEntry("X"); err != nil {
			return err
		}
		if subcode == "D" {
			p.cur.DriveTypeRestrict = append(p.cur.DriveTypeRestrict, rest)
		} else {
			p.cur.FSTypeRestrict = append(p.cur.FSTypeRestrict, rest)
		}
	case 'Z':
		if err := p.requireEntry("Z"); err != nil {
			return err
		}
		p.cur.IgnoreDirFiles = append(p.cur.IgnoreDirFiles, rest)
	case 'O':
		if err := p.requireEntry("O"); err != nil {
			return err
		}
		opts, err := parseOptionString(rest)
		if err != nil {
			return fmt.Errorf("fileset: option line %q: %w", line, err)
		}
		p.cur.Options = opts
	default:
		return fmt.Errorf("fileset: unrecognized code %q in line %q", string(code), line)
	}
	return nil
}

func (p *Parser) requireEntry(code string) error {
	if p.cur == nil {
		return fmt.Errorf("fileset: code %q outside any I/E block", code)
	}
	return nil
}

func isSubcodeByte(b byte) bool {
	switch b {
	case 'D', 'F', 'B':
		return true
	default:
		return false
	}
}

// parseOptionString decodes one O line's concatenated single-character
// option flags, per spec.md §4.7's table. Flags taking a parameter consume
// everything up to (and including) the next ':'; flags without a parameter
// consume only themselves.
func parseOptionString(s string) (Options, error) {
	var o Options
	i := 0
	for i < len(s) {
		c := s[i]
		switch c {
		case 'A':
			o.ACL = true
			i++
		case 'C':
			val, n, err := readParam(s, i)
			if err != nil {
				return o, err
			}
			o.AccurateOpts = val
			i += n
		case 'c':
			o.CheckChanges = true
			i++
		case 'd':
			if i+1 >= len(s) || s[i+1] < '1' || s[i+1] > '4' {
				return o, fmt.Errorf("malformed 'd' option at offset %d", i)
			}
			o.ShadowCheckLevel = int(s[i+1] - '0')
			i += 2
		case 'e':
			o.ExcludeMatch = true
			i++
		case 'H':
			o.NoHardLinks = true
			i++
		case 'h':
			o.NoRecursion = true
			i++
		case 'i':
			o.IgnoreCase = true
			i++
		case 'J':
			val, n, err := readParam(s, i)
			if err != nil {
				return o, err
			}
			o.BaseJobOpts = val
			i += n
		case 'K':
			o.NoATime = true
			i++
		case 'k':
			o.KeepATime = true
			i++
		case 'M':
			o.DigestAlgo = transform.DigestMD5
			o.DigestAlgoSet = true
			i++
		case 'm':
			o.MTimeOnly = true
			i++
		case 'n':
			o.NoReplace = true
			i++
		case 'P':
			val, n, err := readParam(s, i)
			if err != nil {
				return o, err
			}
			count, err := strconv.Atoi(val)
			if err != nil {
				return o, fmt.Errorf("malformed 'P' strip-path count %q: %w", val, err)
			}
			o.StripPathCount = count
			i += n
		case 'p':
			o.PortableData = true
			i++
		case 'R':
			o.MacResourceForks = true
			i++
		case 'r':
			o.ReadFIFOs = true
			i++
		case 'S':
			if i+1 >= len(s) {
				return o, fmt.Errorf("malformed 'S' option at offset %d", i)
			}
			switch s[i+1] {
			case '1':
				o.DigestAlgo = transform.DigestSHA1
			case '2':
				o.DigestAlgo = transform.DigestSHA256
			case '3':
				o.DigestAlgo = transform.DigestSHA512
			default:
				return o, fmt.Errorf("unknown digest subcode %q at offset %d", string(s[i+1]), i)
			}
			o.DigestAlgoSet = true
			i += 2
		case 's':
			o.Sparse = true
			i++
		case 'V':
			val, n, err := readParam(s, i)
			if err != nil {
				return o, err
			}
			o.VerifyOpts = val
			i += n
		case 'W':
			o.EnhancedWild = true
			i++
		case 'w':
			o.OnlyIfNewer = true
			i++
		case 'X':
			o.Xattrs = true
			i++
		case 'N':
			o.HonorNoDump = true
			i++
		case 'Z':
			if i+1 >= len(s) || s[i+1] < '0' || s[i+1] > '9' {
				return o, fmt.Errorf("malformed 'Z' compression level at offset %d", i)
			}
			o.CompressAlgo = transform.CompressGZIP
			o.CompressLevel = int(s[i+1] - '0')
			o.CompressAlgoSet = true
			i += 2
		case 'z':
			val, n, err := readParam(s, i)
			if err != nil {
				return o, err
			}
			size, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return o, fmt.Errorf("malformed 'z' size match %q: %w", val, err)
			}
			o.SizeMatchBytes = size
			o.SizeMatchSet = true
			i += n
		default:
			return o, fmt.Errorf("unknown option flag %q at offset %d", string(c), i)
		}
	}
	return o, nil
}

// readParam reads a parameter for a flag at s[start] of the form
// "<flag><value>:", returning value and the number of bytes consumed
// (including the flag and the trailing colon).
func readParam(s string, start int) (value string, consumed int, err error) {
	idx := strings.IndexByte(s[start+1:], ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("option %q at offset %d missing terminating ':'", string(s[start]), start)
	}
	value = s[start+1 : start+1+idx]
	consumed = 1 + idx + 1
	return value, consumed, nil
}
