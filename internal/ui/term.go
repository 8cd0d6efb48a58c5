package ui

import "golang.org/x/term"

// IsTTY reports whether fd is attached to an interactive terminal. The
// HUD presenter is only offered when stderr is one.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}

// TermWidth returns the column count of the terminal behind fd, falling
// back to 80 when the size cannot be queried.
func TermWidth(fd uintptr) int {
	cols, _, err := term.GetSize(int(fd))
	if err != nil || cols <= 0 {
		return 80
	}
	return cols
}
