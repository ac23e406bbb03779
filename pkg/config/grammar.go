// Package config implements the Config Parser: a line-oriented scanner
// for the directive grammar described in the external-interfaces section
// of the specification, generalized from the teacher's dinit-grammar
// parser (bufio.Scanner, per-line ParseError, a known-settings table) to
// finit's richer directive vocabulary (service/task/run/sysv/inetd/tty,
// bootstrap-only host/module/network/runparts/runlevel, rlimit/cgroup,
// bare KEY=VALUE environment lines).
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/finisv/finisv/internal/util"
	"github.com/finisv/finisv/pkg/service"
)

// ParseError mirrors the teacher's pkg/config ParseError: file, line,
// directive and message, formatted the same way regardless of which
// directive tripped it. Parse returns the ParseError of the first
// malformed or unknown line it meets; the rest of that file is not parsed.
type ParseError struct {
	FileName  string
	Line      int
	Directive string
	Message   string
}

func (e *ParseError) Error() string {
	if e.Directive != "" {
		return fmt.Sprintf("%s:%d: directive %q: %s", e.FileName, e.Line, e.Directive, e.Message)
	}
	return fmt.Sprintf("%s:%d: %s", e.FileName, e.Line, e.Message)
}

// ServiceDesc is the parse-time description of one service/task/run/sysv
// /inetd/tty line, before the loader resolves it into a service.Config
// (which additionally needs the run-dir-qualified assert path and the
// record's registry key).
type ServiceDesc struct {
	Kind       service.Kind
	Name       string // from name:NAME, defaults to argv[0]'s basename
	InstanceID string // from :ID
	Argv       []string
	Levels     uint16
	LevelsSet  bool
	Conditions []string
	NoReconfig bool // leading '!' inside <...>
	Serial     bool // "run" stanzas: block subsequent run stanzas until this one exits
	Flags      service.Flags
	KillSignal syscall.Signal
	PIDFile    string
	PIDNegate  bool // pid:!path form: path is where the *script* writes it before forking away
	RunUser    string
	RunGroup   string
	LogSpec    string

	// inetd-only
	InetdProto string
	InetdIface string
	InetdWait  bool

	// tty-only
	Device string
	Baud   string
	Term   string

	SourceFile string
	SourceLine int
}

// GlobalSettings accumulates the bootstrap-only and process-wide
// directives that are not themselves service descriptions.
type GlobalSettings struct {
	Hostname      string
	Modules       [][]string
	NetworkScript string
	RunpartsDirs  []string
	DefaultLevel  int
	ShutdownCmd   string
	LogSizeBytes  int64
	LogCount      int
	RLimits       []RLimitDirective
	Cgroups       map[string]string // name -> ctrl.prop:val,... raw spec
	Env           []string          // KEY=VALUE lines, applied to every spawned child
}

// RLimitDirective is one parsed `rlimit` line.
type RLimitDirective struct {
	Scope    string // "soft", "hard", or "both"
	Resource string
	Value    string // "unlimited" or a number; resolved by the loader
}

// ParseResult is everything one configuration file (or the merge of many)
// yields.
type ParseResult struct {
	Services []*ServiceDesc
	Settings *GlobalSettings
	Includes []string
}

func newSettings() *GlobalSettings {
	return &GlobalSettings{
		DefaultLevel: 2,
		Cgroups:      make(map[string]string),
	}
}

// Parse scans r, a single configuration file, and returns everything it
// declares. It does not resolve include directives; the loader does,
// since resolution requires filesystem access this package avoids so it
// stays independently testable against an io.Reader.
func Parse(r io.Reader, fileName string) (*ParseResult, error) {
	res := &ParseResult{Settings: newSettings()}
	scanner := bufio.NewScanner(r)
	lineNum := 0
	var currentCgroup string

	for scanner.Scan() {
		lineNum++
		raw := strings.ReplaceAll(scanner.Text(), "\t", " ")
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		directive, rest := splitDirective(line)

		switch {
		case directive == "host" || directive == "hostname":
			res.Settings.Hostname = rest
		case directive == "module":
			res.Settings.Modules = append(res.Settings.Modules, util.SplitArgv(rest))
		case directive == "network":
			res.Settings.NetworkScript = rest
		case directive == "runparts":
			res.Settings.RunpartsDirs = append(res.Settings.RunpartsDirs, rest)
		case directive == "runlevel":
			lvl, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil || lvl < 1 || lvl > 9 || lvl == 6 {
				return nil, &ParseError{fileName, lineNum, directive, "runlevel must be 1-9 excluding 6"}
			}
			res.Settings.DefaultLevel = lvl
		case directive == "include":
			res.Includes = append(res.Includes, rest)
		case directive == "shutdown":
			res.Settings.ShutdownCmd = rest
		case directive == "log":
			if err := parseLogDirective(res.Settings, rest); err != nil {
				return nil, &ParseError{fileName, lineNum, directive, err.Error()}
			}
		case directive == "rlimit":
			d, err := parseRLimit(rest)
			if err != nil {
				return nil, &ParseError{fileName, lineNum, directive, err.Error()}
			}
			res.Settings.RLimits = append(res.Settings.RLimits, d)
		case directive == "cgroup":
			name, spec := splitDirective(rest)
			res.Settings.Cgroups[name] = spec
		case strings.HasPrefix(directive, "cgroup."):
			currentCgroup = strings.TrimPrefix(directive, "cgroup.")
			_ = currentCgroup // not attached to any ServiceDesc; later records carry no cgroup selector
		case directive == "service" || directive == "task" || directive == "run" || directive == "sysv":
			desc, err := parseServiceLine(directive, rest, fileName, lineNum)
			if err != nil {
				return nil, err
			}
			res.Services = append(res.Services, desc)
		case directive == "inetd":
			desc, err := parseInetdLine(rest, fileName, lineNum)
			if err != nil {
				return nil, err
			}
			res.Services = append(res.Services, desc)
		case directive == "tty":
			desc, err := parseTTYLine(rest, fileName, lineNum)
			if err != nil {
				return nil, err
			}
			res.Services = append(res.Services, desc)
		case isEnvAssignment(line):
			res.Settings.Env = append(res.Settings.Env, line)
		default:
			return nil, &ParseError{fileName, lineNum, directive, "unknown directive"}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", fileName, err)
	}
	return res, nil
}

func splitDirective(line string) (string, string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func isEnvAssignment(line string) bool {
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return false
	}
	for _, ch := range line[:eq] {
		if !(ch == '_' || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')) {
			return false
		}
	}
	return true
}

func parseLogDirective(s *GlobalSettings, rest string) error {
	for _, field := range strings.Fields(rest) {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "size":
			n, err := parseByteSize(kv[1])
			if err != nil {
				return err
			}
			s.LogSizeBytes = n
		case "count":
			n, err := strconv.Atoi(kv[1])
			if err != nil {
				return fmt.Errorf("invalid log count: %q", kv[1])
			}
			s.LogCount = n
		}
	}
	return nil
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult, s = 1024*1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n * mult, nil
}

var validRLimitResources = map[string]bool{
	"as": true, "core": true, "cpu": true, "data": true, "fsize": true,
	"locks": true, "memlock": true, "msgqueue": true, "nice": true,
	"nofile": true, "nproc": true, "rss": true, "rtprio": true,
	"rttime": true, "sigpending": true, "stack": true,
}

func parseRLimit(rest string) (RLimitDirective, error) {
	fields := strings.Fields(rest)
	scope := "both"
	if len(fields) == 3 {
		scope = fields[0]
		fields = fields[1:]
	}
	if len(fields) != 2 {
		return RLimitDirective{}, fmt.Errorf("expected '[soft|hard|both] RESOURCE VALUE'")
	}
	if scope != "soft" && scope != "hard" && scope != "both" {
		return RLimitDirective{}, fmt.Errorf("invalid rlimit scope: %q", scope)
	}
	if !validRLimitResources[fields[0]] {
		return RLimitDirective{}, fmt.Errorf("unknown rlimit resource: %q", fields[0])
	}
	return RLimitDirective{Scope: scope, Resource: fields[0], Value: fields[1]}, nil
}
