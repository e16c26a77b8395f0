package includesrv

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// ParsedDirectives is the directive parser's output: the four sequences
// spec.md §4.2 names. Order within each sequence matches the order the
// directives appeared in the source.
type ParsedDirectives struct {
	QuoteIncludes []string // #include "..." and #import "..."
	AngleIncludes []string // #include <...> and #import <...>
	ExprIncludes  []string // #include FOO, #include FOO(x) — needs macro evaluation
	NextIncludes  []string // #include_next operand, quote/angle delimiters stripped
}

var (
	// fastScanRE is the coarse first pass: does this line even mention a
	// directive keyword? Avoids running the precise regex over every
	// line of every header.
	fastScanRE = regexp.MustCompile(`include|define|import`)

	blockCommentRE = regexp.MustCompile(`/\*.*?\*/`)
	lineCommentRE  = regexp.MustCompile(`//.*$`)

	directiveRE = regexp.MustCompile(`^\s*#\s*(include_next|include|import|define)\b\s*(.*)$`)

	// funcMacroLHS matches a function-like macro definition's head:
	// name immediately followed by '(' (no intervening space).
	funcMacroLHS = regexp.MustCompile(`^(\w+)\(([^)]*)\)\s*(.*)$`)
	objMacroLHS  = regexp.MustCompile(`^(\w+)(?:\s+(.*))?$`)
)

// ParseFile scans path for #include, #include_next, #import and #define
// directives only; every other directive is ignored. #define forms are
// inserted into symtab, which fires its define callback for each
// insertion (the include-graph engine uses this to invalidate support
// records).
func ParseFile(path string, symtab *SymbolTable) (ParsedDirectives, error) {
	f, err := os.Open(path)
	if err != nil {
		return ParsedDirectives{}, errtags.NewNotCovered("", "cannot open source file").WithFile(path).WithCause(err)
	}
	defer f.Close()

	var out ParsedDirectives

	logicalLines, err := joinContinuationsAndStripComments(f)
	if err != nil {
		return ParsedDirectives{}, errtags.NewNotCovered("", "I/O error reading source file").WithFile(path).WithCause(err)
	}

	for _, line := range logicalLines {
		if !fastScanRE.MatchString(line) {
			continue
		}
		m := directiveRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		keyword, rest := m[1], strings.TrimSpace(m[2])

		switch keyword {
		case "include", "import":
			if err := classifyInclude(rest, &out, false); err != nil {
				return ParsedDirectives{}, errtags.NewNotCovered("", err.Error()).WithFile(path)
			}
		case "include_next":
			if isComputedOperand(rest) {
				return ParsedDirectives{}, errtags.NewNotCovered("", "include_next with computed expression operand").WithFile(path)
			}
			out.NextIncludes = append(out.NextIncludes, stripQuoteOrAngle(rest))
		case "define":
			if err := InsertMacroDefInTable(rest, symtab); err != nil {
				return ParsedDirectives{}, errtags.NewNotCovered("", "malformed #define: "+err.Error()).WithFile(path)
			}
		}
	}

	return out, nil
}

func classifyInclude(operand string, out *ParsedDirectives, isNext bool) error {
	switch {
	case strings.HasPrefix(operand, `"`) && strings.HasSuffix(operand, `"`) && len(operand) >= 2:
		out.QuoteIncludes = append(out.QuoteIncludes, operand[1:len(operand)-1])
	case strings.HasPrefix(operand, "<") && strings.HasSuffix(operand, ">") && len(operand) >= 2:
		out.AngleIncludes = append(out.AngleIncludes, operand[1:len(operand)-1])
	case operand == "":
		return errFromString("empty #include operand")
	default:
		out.ExprIncludes = append(out.ExprIncludes, operand)
	}
	return nil
}

func isComputedOperand(operand string) bool {
	if strings.HasPrefix(operand, `"`) && strings.HasSuffix(operand, `"`) {
		return false
	}
	if strings.HasPrefix(operand, "<") && strings.HasSuffix(operand, ">") {
		return false
	}
	return true
}

func stripQuoteOrAngle(operand string) string {
	if len(operand) >= 2 && (operand[0] == '"' || operand[0] == '<') {
		return operand[1 : len(operand)-1]
	}
	return operand
}

// joinContinuationsAndStripComments reads the file, splices
// backslash-newline continuations into one logical line, and strips
// block/line comments (a deliberately simplified version of distcc's
// COMMENT_RE/PAIRED_COMMENT_RE — good enough since only directive lines
// are ever inspected).
func joinContinuationsAndStripComments(f *os.File) ([]string, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(line, "\\") {
			sb.WriteString(strings.TrimSuffix(line, "\\"))
			continue
		}
		sb.WriteString(line)
		lines = append(lines, sb.String())
		sb.Reset()
	}
	if sb.Len() > 0 {
		lines = append(lines, sb.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, l := range lines {
		l = lineCommentRE.ReplaceAllString(l, "")
		l = blockCommentRE.ReplaceAllString(l, " ")
		lines[i] = l
	}
	return lines, nil
}

type parseError string

func (e parseError) Error() string { return string(e) }

func errFromString(s string) error { return parseError(s) }

// InsertMacroDefInTable parses the right-hand side of a #define
// directive (the text after the "define" keyword and following
// whitespace) and inserts the resulting definition into symtab, firing
// its define callback.
func InsertMacroDefInTable(rest string, symtab *SymbolTable) error {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return errFromString("no left-hand side")
	}

	if m := funcMacroLHS.FindStringSubmatch(rest); m != nil {
		name, paramList, body := m[1], m[2], strings.TrimSpace(m[3])
		var params []string
		if strings.TrimSpace(paramList) != "" {
			for _, p := range strings.Split(paramList, ",") {
				params = append(params, strings.TrimSpace(p))
			}
		} else {
			params = []string{}
		}
		symtab.Define(name, MacroDef{FunctionLike: true, Params: params, Body: body})
		return nil
	}

	m := objMacroLHS.FindStringSubmatch(rest)
	if m == nil {
		return errFromString("unparsable macro name")
	}
	name, body := m[1], strings.TrimSpace(m[2])
	symtab.Define(name, MacroDef{FunctionLike: false, Body: body})
	return nil
}
