package cmd

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassword reads a password from the controlling terminal without
// echoing it, falling back to a plain line read when stdin isn't a
// terminal (piped input in tests or scripted runs).
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// promptNewPassword asks for a password twice and confirms the two match.
func promptNewPassword() (string, error) {
	first, err := readPassword("new store password: ")
	if err != nil {
		return "", err
	}
	second, err := readPassword("confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords did not match")
	}
	return first, nil
}
