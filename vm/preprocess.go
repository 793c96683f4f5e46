package vm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Includer resolves #include search paths: current directory, then
// ~/.orta/, then any host-supplied extra paths, per §4.3.
type Includer struct {
	ExtraPaths []string
	log        logrus.FieldLogger
}

func NewIncluder(log logrus.FieldLogger, extra ...string) *Includer {
	return &Includer{ExtraPaths: extra, log: log}
}

func (inc *Includer) searchPaths(fromDir string) []string {
	paths := []string{fromDir}
	if home := homeDir(); home != "" {
		paths = append(paths, filepath.Join(home, ".orta"))
	}
	return append(paths, inc.ExtraPaths...)
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

func (inc *Includer) resolve(fromDir, name string) (string, error) {
	for _, dir := range inc.searchPaths(fromDir) {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errMalformedInclude, name)
}

var defineDirectiveRe = regexp.MustCompile(`^#define\s+(\S+)\s+(.*)$`)
var includeDirectiveRe = regexp.MustCompile(`^#include\s+["<](.+?)[">]\s*$`)
var stackDirectiveRe = regexp.MustCompile(`^#stack\s+(\d+)\s*$`)
var entryDirectiveRe = regexp.MustCompile(`^#entry\s+(\S+)\s*$`)

// Preprocessor expands #define/#include/#stack/#entry directives and
// strips ';' comments, line by line, grounded on the teacher's
// preprocessLine approach of substitution before tokenizing.
type Preprocessor struct {
	includer  *Includer
	defines   map[string]string
	seen      map[string]bool // include cycle guard
	log       logrus.FieldLogger
	StackSize int
	Entry     string
}

func NewPreprocessor(log logrus.FieldLogger, inc *Includer) *Preprocessor {
	return &Preprocessor{
		includer:  inc,
		defines:   make(map[string]string),
		seen:      make(map[string]bool),
		log:       log,
		StackSize: defaultStackCapacity,
		Entry:     defaultEntryLabel,
	}
}

// WritePreprocessedArtifact re-runs the preprocessor over path and writes
// its expansion to a sibling .pre.x file, for --notdeletepreprocessed.
func WritePreprocessedArtifact(log logrus.FieldLogger, path string) error {
	pp := NewPreprocessor(log, NewIncluder(log))
	expanded, err := pp.Run(path)
	if err != nil {
		return err
	}
	artifact := strings.TrimSuffix(path, filepath.Ext(path)) + ".pre.x"
	return os.WriteFile(artifact, []byte(expanded), 0o644)
}

// Run preprocesses a file, returning the fully-expanded text.
func (p *Preprocessor) Run(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := p.processFile(abs, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (p *Preprocessor) processFile(abs string, out *strings.Builder) error {
	if p.seen[abs] {
		return fmt.Errorf("%w: circular include of %s", errMalformedInclude, abs)
	}
	p.seen[abs] = true
	defer delete(p.seen, abs)

	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			out.WriteByte('\n')
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			handled, err := p.directive(trimmed, dir, out)
			if err != nil {
				return err
			}
			if handled {
				out.WriteByte('\n')
				continue
			}
		}
		out.WriteString(p.substitute(line))
		out.WriteByte('\n')
	}
	return scanner.Err()
}

func (p *Preprocessor) directive(trimmed, dir string, out *strings.Builder) (bool, error) {
	switch {
	case defineDirectiveRe.MatchString(trimmed):
		m := defineDirectiveRe.FindStringSubmatch(trimmed)
		p.defines[m[1]] = p.substitute(m[2])
		p.log.WithField("name", m[1]).Debug("preprocessor: define registered")
		return true, nil
	case includeDirectiveRe.MatchString(trimmed):
		m := includeDirectiveRe.FindStringSubmatch(trimmed)
		resolved, err := p.includer.resolve(dir, m[1])
		if err != nil {
			return true, err
		}
		p.log.WithField("path", resolved).Debug("preprocessor: include resolved")
		return true, p.processFile(resolved, out)
	case stackDirectiveRe.MatchString(trimmed):
		m := stackDirectiveRe.FindStringSubmatch(trimmed)
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return true, fmt.Errorf("%w: #stack %s", errBadOperandKind, m[1])
		}
		p.StackSize = n
		return true, nil
	case entryDirectiveRe.MatchString(trimmed):
		m := entryDirectiveRe.FindStringSubmatch(trimmed)
		p.Entry = m[1]
		return true, nil
	default:
		return false, nil
	}
}

// substitute performs a single pass of #define textual replacement,
// skipping over quoted string literals so substitutions never reach
// inside string contents.
func (p *Preprocessor) substitute(line string) string {
	if len(p.defines) == 0 {
		return line
	}
	var out strings.Builder
	inString := false
	i := 0
	for i < len(line) {
		c := line[i]
		if c == '"' {
			inString = !inString
			out.WriteByte(c)
			i++
			continue
		}
		if !inString && isIdentStart(c) {
			j := i + 1
			for j < len(line) && isIdentCont(line[j]) {
				j++
			}
			word := line[i:j]
			if val, ok := p.defines[word]; ok {
				out.WriteString(val)
			} else {
				out.WriteString(word)
			}
			i = j
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

func stripComment(line string) string {
	inString := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inString = !inString
		case ';':
			if !inString {
				return line[:i]
			}
		}
	}
	return line
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
