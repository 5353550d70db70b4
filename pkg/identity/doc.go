/*
Package identity maps filesystem UUIDs to stable mount paths.

The mapping lives in a small JSON object so that operators can read and
edit it by hand:

	{
	  "0b6f4d3e-8f0a-4c61-9d7e-2f4d5e6a7b8c": "/mnt/tierd_drive_0",
	  "_legacy_tmpfs_fstab_removed": true
	}

Keys starting with an underscore are one-shot flags rather than
assignments. New paths take the lowest free index under the mount base.
Writes go to a temporary file that is fsynced and renamed over the
original while holding an flock on a sibling lock file.
*/
package identity
