package includesrv

import (
	"path/filepath"
	"strings"

	"github.com/VKCOM/includesrv/internal/errtags"
)

// IncludeDirs is a part of the parsed command line related to include
// dirs, grounded on nocc's own IncludeDirs (internal/client/include-dirs.go)
// and extended with the dirs/files spec.md §4.4 names.
type IncludeDirs struct {
	DirsI         []string // -I dir
	DirsIquote    []string // -iquote dir
	DirsIsystem   []string // -isystem dir
	DirsIdirafter []string // -idirafter dir
	FilesInclude  []string // -include file
	FilesImacros  []string // -imacros file
}

func MakeIncludeDirs() IncludeDirs {
	return IncludeDirs{
		DirsI:       make([]string, 0, 2),
		DirsIquote:  make([]string, 0, 2),
		DirsIsystem: make([]string, 0, 2),
	}
}

func (d *IncludeDirs) IsEmpty() bool {
	return len(d.DirsI) == 0 && len(d.DirsIquote) == 0 && len(d.DirsIsystem) == 0 && len(d.DirsIdirafter) == 0
}

// DefineOpt is one -D option: -DFOO or -DFOO=bar.
type DefineOpt struct {
	Name  string
	Value string // "1" for a bare -DFOO, per GCC convention (set by parseDefine)
}

// ParsedCommand is the command parser's output (spec.md §4.4): the
// search lists, explicit include files, the translation unit, and the
// accumulated -D/-U options, ready to hand to the include-graph engine.
type ParsedCommand struct {
	Language        string
	TranslationUnit string
	OutputFile      string

	QuoteDirs []string // iquote dirs ++ angle dirs (including-file dir prepended per-file at resolve time)
	AngleDirs []string // -I ++ -isystem ++ compiler defaults (unless -nostdinc) ++ -idirafter

	IncludeFiles []string // -include/-imacros files, resolved against the quote list
	Defines      []DefineOpt
	Undefines    []string

	NoStdInc bool
	Sysroot  string
	Isysroot string
}

var extToLanguage = map[string]string{
	".c":   "c",
	".cc":  "c++",
	".cpp": "c++",
	".cxx": "c++",
	".C":   "c++",
	".CXX": "c++",
	".ii":  "c++",
	".m":   "objective-c",
	".mi":  "objective-c",
	".mm":  "objective-c++",
	".M":   "objective-c++",
	".mii": "objective-c++",
}

// twoWordAlways are options whose argument is always the next word and
// that we must consume (and ignore) so it isn't mistaken for a source
// file.
var twoWordAlways = map[string]bool{
	"-Xpreprocessor": true,
	"-aux-info":      true,
	"--param":        true,
	"-Xassembler":    true,
	"-Xlinker":       true,
	"-Xclang":        true,
}

// maybeTwoWord options can appear as "-opt value", "-optvalue" or
// "-opt=value"; the handler name says which ParsedCommand field they
// feed.
const (
	optMF = "-MF"
	optMT = "-MT"
	optMQ = "-MQ"
)

var maybeTwoWordOpts = map[string]bool{
	optMF: true, optMT: true, optMQ: true,
	"-arch": true, "-target": true,
	"-include": true, "-imacros": true,
	"-idirafter": true, "-iprefix": true,
	"-iwithprefix": true, "-iwithprefixbefore": true,
	"-isysroot": true, "-imultilib": true,
	"-isystem": true, "-iquote": true,
}

var oneLetterOptsNoArg = map[byte]bool{} // none currently; reserved for symmetry with the original table

var oneLetterOptsWithArg = map[byte]bool{
	'D': true, 'I': true, 'U': true, 'o': true, 'x': true,
	'A': true, 'l': true, 'F': true, 'u': true, 'L': true,
	'B': true, 'V': true, 'b': true,
}

// ParseCommandArgs translates a compiler argv (argv[0] is the compiler
// itself) into a ParsedCommand, per spec.md §4.4.
func ParseCommandArgs(argv []string) (*ParsedCommand, error) {
	if len(argv) < 2 {
		return nil, errtags.NewNotCovered("", "empty command line")
	}

	var (
		sourceFiles []string
		explicitX   string
		dirs        = MakeIncludeDirs()
		defines     []DefineOpt
		undefines   []string
		outputFile  string
		noStdInc    bool
		sysroot     string
		isysroot    string
	)

	args := argv[1:]
	for i := 0; i < len(args); i++ {
		a := args[i]

		switch {
		case a == "-I-":
			return nil, errtags.NewNotCovered("", "-I- is not supported")

		case a == "-undef":
			// consumed as a one-word no-op; the analyzer never relies on
			// predefined macros anyway (every #define is over-approximated).
			continue
		case a == "-nostdinc":
			noStdInc = true
			continue

		case twoWordAlways[a]:
			i++ // skip the argument, whatever it is
			continue

		case strings.HasPrefix(a, "--sysroot="):
			sysroot = strings.TrimPrefix(a, "--sysroot=")
			continue

		case isMaybeTwoWord(a):
			opt, val, consumed := splitMaybeTwoWord(a, args, i)
			i += consumed
			applyMaybeTwoWord(opt, val, &dirs, &outputFile, &isysroot)
			continue

		case len(a) >= 2 && a[0] == '-' && oneLetterOptsWithArg[a[1]]:
			letter := a[1]
			var val string
			if len(a) > 2 {
				val = a[2:]
			} else if i+1 < len(args) {
				i++
				val = args[i]
			} else {
				return nil, errtags.NewNotCovered("", "option -"+string(letter)+" missing argument")
			}
			switch letter {
			case 'I':
				dirs.DirsI = append(dirs.DirsI, val)
			case 'D':
				defines = append(defines, parseDefine(val))
			case 'U':
				undefines = append(undefines, val)
			case 'o':
				outputFile = val
			case 'x':
				explicitX = val
			default:
				// -A, -l, -F, -u, -L, -B, -V, -b: accepted and ignored,
				// they don't affect preprocessing search order.
			}
			continue

		case strings.HasPrefix(a, "-"):
			// Unrecognized option: ignore silently, matching GCC's general
			// tolerance for driver-only flags (-O2, -Wall, -std=c++17, ...).
			continue

		default:
			sourceFiles = append(sourceFiles, a)
		}
	}

	if len(sourceFiles) != 1 {
		return nil, errtags.NewNotCovered("", "expected exactly one source file")
	}
	translationUnit := sourceFiles[0]

	language := explicitX
	if language == "" {
		ext := filepath.Ext(translationUnit)
		lang, ok := extToLanguage[ext]
		if !ok {
			return nil, errtags.NewNotCovered(translationUnit, "unrecognized source extension "+ext)
		}
		language = lang
	}

	angleDirs := make([]string, 0, len(dirs.DirsI)+len(dirs.DirsIsystem)+len(dirs.DirsIdirafter))
	angleDirs = append(angleDirs, dirs.DirsI...)
	angleDirs = append(angleDirs, dirs.DirsIsystem...)
	// compiler default system dirs are appended by the analyzer (it owns
	// the compiler-defaults probe) unless noStdInc is set; recorded here
	// via the NoStdInc flag rather than inlined, since this parser has no
	// access to the probe.
	angleDirs = append(angleDirs, dirs.DirsIdirafter...)

	quoteDirs := make([]string, 0, len(dirs.DirsIquote)+len(angleDirs))
	quoteDirs = append(quoteDirs, dirs.DirsIquote...)
	quoteDirs = append(quoteDirs, angleDirs...)

	includeFiles := make([]string, 0, len(dirs.FilesInclude)+len(dirs.FilesImacros))
	includeFiles = append(includeFiles, dirs.FilesInclude...)
	includeFiles = append(includeFiles, dirs.FilesImacros...)

	return &ParsedCommand{
		Language:        language,
		TranslationUnit: translationUnit,
		OutputFile:      outputFile,
		QuoteDirs:       quoteDirs,
		AngleDirs:       angleDirs,
		IncludeFiles:    includeFiles,
		Defines:         defines,
		Undefines:       undefines,
		NoStdInc:        noStdInc,
		Sysroot:         sysroot,
		Isysroot:        isysroot,
	}, nil
}

func isMaybeTwoWord(a string) bool {
	for opt := range maybeTwoWordOpts {
		if a == opt || strings.HasPrefix(a, opt+"=") || (len(a) > len(opt) && strings.HasPrefix(a, opt)) {
			return true
		}
	}
	return false
}

// splitMaybeTwoWord figures out, for an option recognized by
// isMaybeTwoWord, which concrete option it is and its value, returning
// how many extra argv slots (0 or 1) were consumed.
func splitMaybeTwoWord(a string, args []string, i int) (opt, val string, consumed int) {
	for o := range maybeTwoWordOpts {
		if a == o {
			if i+1 < len(args) {
				return o, args[i+1], 1
			}
			return o, "", 0
		}
		if strings.HasPrefix(a, o+"=") {
			return o, strings.TrimPrefix(a, o+"="), 0
		}
		if strings.HasPrefix(a, o) {
			return o, strings.TrimPrefix(a, o), 0
		}
	}
	return a, "", 0
}

func applyMaybeTwoWord(opt, val string, dirs *IncludeDirs, outputFile *string, isysroot *string) {
	switch opt {
	case "-include":
		dirs.FilesInclude = append(dirs.FilesInclude, val)
	case "-imacros":
		dirs.FilesImacros = append(dirs.FilesImacros, val)
	case "-idirafter":
		dirs.DirsIdirafter = append(dirs.DirsIdirafter, val)
	case "-isystem":
		dirs.DirsIsystem = append(dirs.DirsIsystem, val)
	case "-iquote":
		dirs.DirsIquote = append(dirs.DirsIquote, val)
	case "-isysroot":
		*isysroot = val
	case optMF, optMT, optMQ, "-arch", "-target",
		"-iprefix", "-iwithprefix", "-iwithprefixbefore", "-imultilib":
		// Consumed and ignored: these affect depfile generation or
		// multilib selection, not include resolution.
	}
}

func parseDefine(val string) DefineOpt {
	if idx := strings.IndexByte(val, '='); idx >= 0 {
		return DefineOpt{Name: val[:idx], Value: val[idx+1:]}
	}
	return DefineOpt{Name: val, Value: "1"}
}
