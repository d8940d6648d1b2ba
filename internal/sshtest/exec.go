package sshtest

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Commands is the default ExecFunc. It knows:
//
//	echo ARGS...   writes ARGS to stdout, exit status 0
//	cat            copies stdin to stdout until EOF, exit status 0
//	warn ARGS...   writes ARGS to stderr, exit status 0
//	exit N         exits with status N
//
// Anything else writes an error to stderr and exits with status 127.
func Commands(cmd string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	name, args, _ := strings.Cut(cmd, " ")

	switch name {
	case "echo":
		fmt.Fprintln(stdout, args)
		return 0

	case "cat":
		if _, err := io.Copy(stdout, stdin); err != nil {
			fmt.Fprintln(stderr, "cat:", err)
			return 1
		}
		return 0

	case "warn":
		fmt.Fprintln(stderr, args)
		return 0

	case "exit":
		n, err := strconv.ParseUint(args, 10, 32)
		if err != nil {
			fmt.Fprintln(stderr, "exit:", err)
			return 2
		}
		return uint32(n)
	}

	fmt.Fprintf(stderr, "%s: command not found\n", name)
	return 127
}
