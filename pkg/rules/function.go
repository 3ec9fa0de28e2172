package rules

import (
	"strconv"
	"strings"
)

// Rename rebuilds calls to name under newName with the same arguments.
func Rename(name, newName string) *FunctionRule {
	return &FunctionRule{
		Name:   name,
		Rename: newName,
		Simple: func(args []string) []string { return args },
	}
}

// ReorderArgs rebuilds calls to name under newName with the arguments
// picked by 1-based position. Calls that lack a referenced argument are
// left to the generic walk.
func ReorderArgs(name, newName string, order ...int) *FunctionRule {
	positions := append([]int(nil), order...)
	return &FunctionRule{
		Name:   name,
		Rename: newName,
		Simple: func(args []string) []string {
			out := make([]string, 0, len(positions))
			for _, p := range positions {
				if p < 1 || p > len(args) {
					return nil
				}
				out = append(out, args[p-1])
			}
			return out
		},
	}
}

// Template replaces calls to name with tpl after substituting $1..$n with
// the argument texts and $* with all of them, comma separated. A call that
// lacks a referenced argument is left to the generic walk.
func Template(name, tpl string) *FunctionRule {
	return &FunctionRule{
		Name: name,
		Custom: func(args []string) (string, bool) {
			return ExpandTemplate(tpl, args)
		},
	}
}

// ExpandTemplate performs the substitution used by Template.
func ExpandTemplate(tpl string, args []string) (string, bool) {
	var sb strings.Builder
	sb.Grow(len(tpl) + 16)

	for i := 0; i < len(tpl); i++ {
		c := tpl[i]
		if c != '$' || i+1 >= len(tpl) {
			sb.WriteByte(c)
			continue
		}

		next := tpl[i+1]
		switch {
		case next == '*':
			sb.WriteString(strings.Join(args, ", "))
			i++
		case next == '$':
			sb.WriteByte('$')
			i++
		case next >= '0' && next <= '9':
			j := i + 1
			for j < len(tpl) && tpl[j] >= '0' && tpl[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(tpl[i+1 : j])
			if err != nil || n < 1 || n > len(args) {
				return "", false
			}
			sb.WriteString(args[n-1])
			i = j - 1
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), true
}
