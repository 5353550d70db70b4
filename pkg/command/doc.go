// Package command runs external tools such as lsblk, mkfs and systemctl
// behind a Runner interface, with per-tool timeouts. Fake is the
// scripted Runner used by tests.
package command
