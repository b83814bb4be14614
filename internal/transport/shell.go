package transport

import (
	"sort"
	"strconv"
	"strings"
)

// ShellQuote quotes value for a POSIX shell. Everything between single
// quotes is literal; an embedded quote closes the string, adds an escaped
// quote and reopens it.
func ShellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// HasControlBytes reports whether value holds bytes a terminal line
// discipline or line editor would act on instead of passing through.
func HasControlBytes(value string) bool {
	for i := 0; i < len(value); i++ {
		if c := value[i]; c < 0x20 || c == 0x7f {
			return true
		}
	}
	return false
}

// ShellCommand is the command typed into the PTY transport's shell.
type ShellCommand struct {
	Dir  string
	Path string
	Args []string
	// ArgFiles maps an argument index to a private file holding that
	// argument's exact bytes. The shell reads those back instead of having
	// them typed.
	ArgFiles  map[int]string
	StdinFile string
}

// Line renders the single line typed into the terminal shell:
//
//	[_av1=$(cat '<file>' && printf .) && ]cd '<dir>' && exec '<path>' '<arg>'... [< '<stdin file>'] || exit 127
//
// exec replaces the shell so the exit status and signals belong to the
// provider process itself. The trailing dot keeps the newlines command
// substitution would otherwise strip.
func (c ShellCommand) Line() string {
	var b strings.Builder

	indexes := make([]int, 0, len(c.ArgFiles))
	for i := range c.ArgFiles {
		if i >= 0 && i < len(c.Args) {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		b.WriteString(argVar(i))
		b.WriteString("=$(cat ")
		b.WriteString(ShellQuote(c.ArgFiles[i]))
		b.WriteString(" && printf .) && ")
	}

	if c.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(c.Dir))
		b.WriteString(" && ")
	}
	b.WriteString("exec ")
	b.WriteString(ShellQuote(c.Path))
	for i, arg := range c.Args {
		b.WriteByte(' ')
		if _, staged := c.ArgFiles[i]; staged {
			b.WriteString(`"${` + argVar(i) + `%.}"`)
			continue
		}
		b.WriteString(ShellQuote(arg))
	}
	if c.StdinFile != "" {
		b.WriteString(" < ")
		b.WriteString(ShellQuote(c.StdinFile))
	}
	b.WriteString(" || exit 127\n")
	return b.String()
}

func argVar(i int) string {
	return "_av" + strconv.Itoa(i)
}
