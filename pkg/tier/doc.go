/*
Package tier keeps write-hot directories in RAM and moves their files down
to a durable volume.

Each managed directory is served by an overlay whose upper layer lives on a
size-capped tmpfs and whose lower layer is an overflow directory on the
first mounted volume found under the watch roots:

	/var/log (overlay)
	  upper  /run/tierd/log/upper          tmpfs, size=256m
	  work   /run/tierd/log/work
	  lower  /mnt/tierd_drive_0/tierd_overflow/log

Files larger than the overflow threshold are moved to the lower layer every
pass. Flush moves the whole upper layer on its own schedule. Both keep the
merged view unchanged since a file removed from the upper layer shows
through from the lower one.

When no durable volume is mounted the directory is served by a plain tmpfs,
recorded in fstab, and nothing is ever moved.
*/
package tier
