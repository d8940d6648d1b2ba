// Command nbsftp is a small SFTP client built on the non-blocking nbsftp session.
//
//	nbsftp --addr example.com:22 --user alice ls -l /var/log
//	nbsftp get /etc/motd ./motd
//	nbsftp exec uptime
//
// Settings are read from flags, NBSFTP_* environment variables, a .env file
// in the working directory and $HOME/.nbsftp.yaml, in that order of precedence.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) && exit.signal == "" {
			os.Exit(exit.status)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
