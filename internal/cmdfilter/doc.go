// Package cmdfilter decides whether a command line typed into a terminal
// session may reach the shell.
//
// A line is blocked when it references a parent directory (a "../" or "..\"
// sequence, a bare ".." argument, or ".." inside a command substitution)
// and any of its command segments starts with a filesystem-mutating verb.
// The verb list, the ignorable command prefixes and the synchronizer's
// exclusion names are policy data loaded from YAML.
//
// LineBuffer reconstructs typed lines from raw terminal input so the
// terminal bridge can hold back the terminating newline of a blocked line.
package cmdfilter
