package sshfx

import (
	"fmt"
	"io/fs"
	"time"
)

// FormatLongname formats fi as per `ls -l` style, which is the 'longname' field of a SSH_FXP_NAME entry.
// This should be enough to look close to openssh for typical use cases.
//
// now decides between showing the time of day (within six months) or the year.
// When fi.Sys() is an *Attributes, its permissions and owner are used.
func FormatLongname(fi fs.FileInfo, now time.Time) string {
	// example from openssh sftp server:
	// crw-rw-rw-    1 root     wheel           0 Jul 31 20:52 ttyvd
	// format:
	// {directory / char device / etc}{rwxrwxrwx}  {number of links} owner group size month day [time (this year) | year (otherwise)] name

	if fi == nil {
		return ""
	}

	perms := FromGoFileMode(fi.Mode())
	uid, gid := "0", "0"

	if attrs, ok := fi.Sys().(*Attributes); ok {
		if p, ok := attrs.GetPermissions(); ok {
			perms = p
		}
		if u, g, ok := attrs.GetUIDGID(); ok {
			uid, gid = fmt.Sprint(u), fmt.Sprint(g)
		}
	}

	mtime := fi.ModTime()

	yearOrTime := mtime.Format("15:04")
	if mtime.Before(now.AddDate(0, -6, 0)) {
		yearOrTime = mtime.Format("2006")
	}

	return fmt.Sprintf("%s %4s %-8s %-8s %8d %s % 2s %5s %s", perms, "1", uid, gid, fi.Size(), mtime.Format("Jan"), mtime.Format("2"), yearOrTime, fi.Name())
}
