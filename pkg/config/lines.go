package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/finisv/finisv/internal/util"
	"github.com/finisv/finisv/pkg/service"
)

// parseServiceLine handles `service`, `task`, `run`, and `sysv` lines,
// which all share the `[LVLS] <COND> [opts] /path args [-- desc]` prefix
// grammar; only the resulting Kind and whether a trailing "-- desc" is
// permitted differ.
func parseServiceLine(directive, rest string, file string, line int) (*ServiceDesc, error) {
	tokens := strings.Fields(rest)
	idx := 0

	desc := &ServiceDesc{SourceFile: file, SourceLine: line}
	switch directive {
	case "service":
		desc.Kind = service.KindProcess
	case "task", "run", "sysv":
		desc.Kind = service.KindOneshot
	}
	if directive == "run" {
		desc.Serial = true
	}

	if idx < len(tokens) && isBracketed(tokens[idx], '[', ']') {
		lvl, err := util.ParseRunlevels(tokens[idx])
		if err != nil {
			return nil, &ParseError{file, line, directive, err.Error()}
		}
		desc.Levels, desc.LevelsSet = lvl, true
		idx++
	}

	if idx < len(tokens) && isBracketed(tokens[idx], '<', '>') {
		inner := tokens[idx][1 : len(tokens[idx])-1]
		if strings.HasPrefix(inner, "!") {
			desc.NoReconfig = true
			inner = inner[1:]
		}
		if inner != "" {
			desc.Conditions = strings.Split(inner, ",")
		}
		idx++
	}

	for idx < len(tokens) && isOption(tokens[idx]) {
		if err := applyOption(desc, tokens[idx]); err != nil {
			return nil, &ParseError{file, line, directive, err.Error()}
		}
		idx++
	}

	if idx >= len(tokens) {
		return nil, &ParseError{file, line, directive, "missing command path"}
	}

	argv, trailing := splitArgvAndDesc(tokens[idx:])
	if len(argv) == 0 {
		return nil, &ParseError{file, line, directive, "missing command path"}
	}
	desc.Argv = argv
	if directive == "sysv" && len(argv) > 1 {
		return nil, &ParseError{file, line, directive, "sysv takes a single script path"}
	}
	if directive != "service" && trailing != "" {
		return nil, &ParseError{file, line, directive, "'-- desc' is only valid on service lines"}
	}

	if desc.Name == "" {
		desc.Name = filepath.Base(argv[0])
	}
	if !desc.LevelsSet {
		desc.Levels, _ = util.ParseRunlevels("")
	}
	return desc, nil
}

// parseInetdLine handles `inetd SVC/PROTO[@IFLIST] {wait|nowait} [LVLS] /path args`.
func parseInetdLine(rest string, file string, line int) (*ServiceDesc, error) {
	tokens := strings.Fields(rest)
	if len(tokens) < 3 {
		return nil, &ParseError{file, line, "inetd", "expected 'SVC/PROTO[@IFLIST] {wait|nowait} [LVLS] /path args'"}
	}
	desc := &ServiceDesc{Kind: service.KindInetd, SourceFile: file, SourceLine: line}

	svcProto := tokens[0]
	if at := strings.IndexByte(svcProto, '@'); at >= 0 {
		desc.InetdIface = svcProto[at+1:]
		svcProto = svcProto[:at]
	}
	parts := strings.SplitN(svcProto, "/", 2)
	if len(parts) != 2 {
		return nil, &ParseError{file, line, "inetd", "expected SVC/PROTO"}
	}
	desc.Name, desc.InetdProto = parts[0], parts[1]

	switch tokens[1] {
	case "wait":
		desc.InetdWait = true
	case "nowait":
		desc.InetdWait = false
	default:
		return nil, &ParseError{file, line, "inetd", "expected 'wait' or 'nowait'"}
	}

	idx := 2
	if idx < len(tokens) && isBracketed(tokens[idx], '[', ']') {
		lvl, err := util.ParseRunlevels(tokens[idx])
		if err != nil {
			return nil, &ParseError{file, line, "inetd", err.Error()}
		}
		desc.Levels, desc.LevelsSet = lvl, true
		idx++
	}
	if idx >= len(tokens) {
		return nil, &ParseError{file, line, "inetd", "missing command path"}
	}
	desc.Argv = tokens[idx:]
	if !desc.LevelsSet {
		desc.Levels, _ = util.ParseRunlevels("")
	}
	return desc, nil
}

// parseTTYLine handles `tty [LVLS] DEV [BAUD] [opts] [TERM]`.
func parseTTYLine(rest string, file string, line int) (*ServiceDesc, error) {
	tokens := strings.Fields(rest)
	if len(tokens) == 0 {
		return nil, &ParseError{file, line, "tty", "missing device"}
	}
	desc := &ServiceDesc{Kind: service.KindTTY, SourceFile: file, SourceLine: line}
	idx := 0

	if isBracketed(tokens[idx], '[', ']') {
		lvl, err := util.ParseRunlevels(tokens[idx])
		if err != nil {
			return nil, &ParseError{file, line, "tty", err.Error()}
		}
		desc.Levels, desc.LevelsSet = lvl, true
		idx++
	}
	if idx >= len(tokens) {
		return nil, &ParseError{file, line, "tty", "missing device"}
	}
	desc.Device = tokens[idx]
	idx++

	if idx < len(tokens) && isNumeric(tokens[idx]) {
		desc.Baud = tokens[idx]
		idx++
	}
	for idx < len(tokens) && isOption(tokens[idx]) {
		if err := applyOption(desc, tokens[idx]); err != nil {
			return nil, &ParseError{file, line, "tty", err.Error()}
		}
		idx++
	}
	if idx < len(tokens) {
		desc.Term = tokens[idx]
	}

	desc.Name = filepath.Base(desc.Device)
	desc.Argv = []string{"/sbin/getty", desc.Device}
	if desc.Baud != "" {
		desc.Argv = append(desc.Argv, desc.Baud)
	}
	if desc.Term != "" {
		desc.Argv = append(desc.Argv, desc.Term)
	}
	if !desc.LevelsSet {
		desc.Levels, _ = util.ParseRunlevels("")
	}
	return desc, nil
}

func isBracketed(tok string, open, close byte) bool {
	return len(tok) >= 2 && tok[0] == open && tok[len(tok)-1] == close
}

func isNumeric(tok string) bool {
	_, err := strconv.Atoi(tok)
	return err == nil
}

// isOption reports whether a token is one of the recognized service-line
// options (pid[:...], kill:SIGNUM, name:NAME, manual:yes, log:SPEC,
// :ID, @USER[:GROUP]) rather than the start of the command path.
func isOption(tok string) bool {
	if strings.HasPrefix(tok, "/") {
		return false
	}
	if strings.HasPrefix(tok, ":") || strings.HasPrefix(tok, "@") {
		return true
	}
	for _, prefix := range []string{"pid", "kill:", "name:", "manual:", "log:"} {
		if tok == "pid" || strings.HasPrefix(tok, prefix) {
			return true
		}
	}
	return false
}

func applyOption(desc *ServiceDesc, tok string) error {
	switch {
	case tok == "pid" || strings.HasPrefix(tok, "pid:"):
		path := strings.TrimPrefix(tok, "pid:")
		if path == tok { // bare "pid", no colon
			path = ""
		}
		if strings.HasPrefix(path, "!") {
			desc.PIDNegate = true
			path = path[1:]
		}
		desc.PIDFile = path
	case strings.HasPrefix(tok, "kill:"):
		sig, err := util.ParseSignal(strings.TrimPrefix(tok, "kill:"))
		if err != nil {
			return err
		}
		desc.KillSignal = sig
	case strings.HasPrefix(tok, "name:"):
		desc.Name = strings.TrimPrefix(tok, "name:")
	case strings.HasPrefix(tok, "manual:"):
		b, err := util.ParseBool(strings.TrimPrefix(tok, "manual:"))
		if err != nil {
			return err
		}
		desc.Flags.Manual = b
	case strings.HasPrefix(tok, "log:"):
		desc.LogSpec = strings.TrimPrefix(tok, "log:")
	case strings.HasPrefix(tok, ":"):
		desc.InstanceID = strings.TrimPrefix(tok, ":")
	case strings.HasPrefix(tok, "@"):
		cred := strings.TrimPrefix(tok, "@")
		if colon := strings.IndexByte(cred, ':'); colon >= 0 {
			desc.RunUser, desc.RunGroup = cred[:colon], cred[colon+1:]
		} else {
			desc.RunUser = cred
		}
	default:
		return fmt.Errorf("unrecognized option %q", tok)
	}
	return nil
}

// splitArgvAndDesc separates argv tokens from a trailing "-- description"
// clause, used only by service lines.
func splitArgvAndDesc(tokens []string) (argv []string, desc string) {
	for i, t := range tokens {
		if t == "--" {
			return tokens[:i], strings.Join(tokens[i+1:], " ")
		}
	}
	return tokens, ""
}
