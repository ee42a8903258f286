package build

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/models/image"
)

const scratch = "scratch"

var argRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

type logicalLine struct {
	number int
	text   string
}

func parseErr(line int, format string, args ...interface{}) error {
	return errors.Wrapf(ErrParse, "line %d: "+format, append([]interface{}{line}, args...)...)
}

// splitLines joins continuation lines and drops comments and blank lines.
func splitLines(text string) []logicalLine {
	var (
		out     []logicalLine
		current strings.Builder
		start   int
	)

	for n, raw := range strings.Split(text, "\n") {
		number := n + 1
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") || (trimmed == "" && current.Len() == 0) {
			continue
		}
		if current.Len() == 0 {
			start = number
		}

		if strings.HasSuffix(line, "\\") {
			current.WriteString(strings.TrimSuffix(line, "\\"))
			current.WriteString(" ")
			continue
		}
		current.WriteString(line)
		out = append(out, logicalLine{number: start, text: strings.TrimSpace(current.String())})
		current.Reset()
	}

	if current.Len() > 0 {
		out = append(out, logicalLine{number: start, text: strings.TrimSpace(current.String())})
	}
	return out
}

// Parse reads an instruction file. args override ARG defaults.
func Parse(text string, args map[string]string) ([]image.Instruction, error) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, errors.Wrap(ErrParse, "no instructions")
	}

	vars := make(map[string]string)
	out := make([]image.Instruction, 0, len(lines))

	for _, line := range lines {
		keyword, rest := splitKeyword(line.text)
		kind := image.Kind(strings.ToUpper(keyword))

		// ARG declarations are substituted with earlier values only
		rest = substitute(rest, vars)

		inst, err := parseInstruction(kind, rest, line.number)
		if err != nil {
			return nil, err
		}
		inst.Line = line.number
		inst.Raw = strings.TrimSpace(string(kind) + " " + rest)

		if len(out) == 0 && inst.Kind != image.KindFrom {
			return nil, parseErr(line.number, "first instruction must be FROM, got %s", inst.Kind)
		}
		if len(out) > 0 && inst.Kind == image.KindFrom {
			return nil, parseErr(line.number, "only one FROM is allowed")
		}

		if inst.Kind == image.KindArg {
			if v, ok := args[inst.Value]; ok {
				vars[inst.Value] = v
			} else if inst.Default != nil {
				vars[inst.Value] = *inst.Default
			} else {
				vars[inst.Value] = ""
			}
		}

		out = append(out, inst)
	}

	return out, nil
}

func splitKeyword(text string) (string, string) {
	idx := strings.IndexFunc(text, unicode.IsSpace)
	if idx < 0 {
		return text, ""
	}
	return text[:idx], strings.TrimSpace(text[idx:])
}

// substitute replaces references to declared args. Undeclared references
// are left for the shell.
func substitute(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	return argRef.ReplaceAllStringFunc(text, func(ref string) string {
		m := argRef.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return ref
	})
}

func parseInstruction(kind image.Kind, rest string, line int) (image.Instruction, error) {
	inst := image.Instruction{Kind: kind}

	switch kind {
	case image.KindFrom:
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return inst, parseErr(line, "FROM takes exactly one image")
		}
		inst.Value = fields[0]

	case image.KindBootstrap:
		fields := strings.Fields(rest)
		if len(fields) > 3 {
			return inst, parseErr(line, "BOOTSTRAP takes at most version, architecture and mirror")
		}
		b := &image.BootstrapArgs{}
		for i, f := range fields {
			switch i {
			case 0:
				b.Version = f
			case 1:
				b.Architecture = f
			case 2:
				b.Mirror = f
			}
		}
		inst.Bootstrap = b

	case image.KindRun, image.KindCmd, image.KindEntrypoint:
		if rest == "" {
			return inst, parseErr(line, "%s needs a command", kind)
		}
		if err := commandForm(&inst, rest, line); err != nil {
			return inst, err
		}

	case image.KindShell:
		if rest == "" {
			return inst, parseErr(line, "SHELL needs a command")
		}
		if err := commandForm(&inst, rest, line); err != nil {
			return inst, err
		}
		if !inst.ExecForm {
			inst.Args = strings.Fields(rest)
			inst.ExecForm = true
			inst.Value = ""
		}

	case image.KindCopy, image.KindAdd:
		var parts []string
		if strings.HasPrefix(rest, "[") {
			arr, err := jsonArray(rest, line)
			if err != nil {
				return inst, err
			}
			parts = arr
		} else {
			words, err := splitWords(rest)
			if err != nil {
				return inst, parseErr(line, "%v", err)
			}
			parts = words
		}
		for _, p := range parts {
			if strings.HasPrefix(p, "--") {
				return inst, parseErr(line, "%s flag %s is not supported", kind, p)
			}
		}
		if len(parts) < 2 {
			return inst, parseErr(line, "%s needs at least one source and a destination", kind)
		}
		inst.Args = parts[:len(parts)-1]
		inst.Dest = parts[len(parts)-1]

	case image.KindWorkDir, image.KindUser, image.KindStopSignal:
		if rest == "" {
			return inst, parseErr(line, "%s needs a value", kind)
		}
		inst.Value = rest

	case image.KindEnv:
		pairs, err := parsePairs(rest, true, line)
		if err != nil {
			return inst, err
		}
		inst.Pairs = pairs

	case image.KindLabel:
		pairs, err := parsePairs(rest, false, line)
		if err != nil {
			return inst, err
		}
		inst.Pairs = pairs

	case image.KindExpose:
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return inst, parseErr(line, "EXPOSE needs a port")
		}
		for _, f := range fields {
			p, err := parsePort(f)
			if err != nil {
				return inst, parseErr(line, "%v", err)
			}
			inst.Ports = append(inst.Ports, p)
		}

	case image.KindVolume:
		if strings.HasPrefix(rest, "[") {
			arr, err := jsonArray(rest, line)
			if err != nil {
				return inst, err
			}
			inst.Args = arr
		} else {
			inst.Args = strings.Fields(rest)
		}
		if len(inst.Args) == 0 {
			return inst, parseErr(line, "VOLUME needs a path")
		}

	case image.KindArg:
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return inst, parseErr(line, "ARG takes name[=default]")
		}
		name := rest
		if idx := strings.Index(rest, "="); idx >= 0 {
			name = rest[:idx]
			def := unquote(rest[idx+1:])
			inst.Default = &def
		}
		if !validKey(name) {
			return inst, parseErr(line, "invalid ARG name %q", name)
		}
		inst.Value = name

	default:
		return inst, parseErr(line, "unknown instruction %q", kind)
	}

	return inst, nil
}

func commandForm(inst *image.Instruction, rest string, line int) error {
	if strings.HasPrefix(rest, "[") {
		arr, err := jsonArray(rest, line)
		if err != nil {
			return err
		}
		if len(arr) == 0 {
			return parseErr(line, "%s needs a command", inst.Kind)
		}
		inst.Args = arr
		inst.ExecForm = true
		return nil
	}
	inst.Value = rest
	return nil
}

func jsonArray(text string, line int) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, parseErr(line, "invalid JSON array: %v", err)
	}
	return out, nil
}

func parsePairs(rest string, allowLegacy bool, line int) ([]image.Pair, error) {
	if rest == "" {
		return nil, parseErr(line, "expected key=value")
	}

	first, _ := splitKeyword(rest)
	if allowLegacy && !strings.Contains(first, "=") {
		key, value := splitKeyword(rest)
		if !validKey(key) || value == "" {
			return nil, parseErr(line, "ENV takes key=value or key value")
		}
		return []image.Pair{{Key: key, Value: value}}, nil
	}

	words, err := splitWords(rest)
	if err != nil {
		return nil, parseErr(line, "%v", err)
	}
	pairs := make([]image.Pair, 0, len(words))
	for _, w := range words {
		idx := strings.Index(w, "=")
		if idx <= 0 {
			return nil, parseErr(line, "expected key=value, got %q", w)
		}
		pairs = append(pairs, image.Pair{Key: w[:idx], Value: w[idx+1:]})
	}
	return pairs, nil
}

func parsePort(text string) (image.Port, error) {
	portText, proto := text, "tcp"
	if idx := strings.Index(text, "/"); idx >= 0 {
		portText, proto = text[:idx], strings.ToLower(text[idx+1:])
	}
	if proto != "tcp" && proto != "udp" {
		return image.Port{}, errors.Errorf("invalid protocol %q", proto)
	}
	n, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || n == 0 {
		return image.Port{}, errors.Errorf("invalid port %q", portText)
	}
	return image.Port{Port: uint16(n), Protocol: proto}, nil
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && (unicode.IsDigit(r) || r == '.' || r == '-')) {
			continue
		}
		return false
	}
	return true
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// splitWords splits on whitespace, honouring single and double quotes and
// backslash escapes. Quotes are removed.
func splitWords(text string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		quote   rune
		escaped bool
		inWord  bool
	)

	for _, r := range text {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}
