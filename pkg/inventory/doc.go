/*
Package inventory discovers block devices and partitions.

All OS access goes through the DeviceProbe interface. ExecProbe implements
it with lsblk (JSON output), blkid, blockdev and the live mount table, and
FakeProbe is an in-memory version for tests.

Inventory layers the policy on top of the probe:

  - A device is the boot device when any of its partitions is mounted at
    a system mount point (/, /boot, /boot/firmware, /boot/efi), or when
    the root filesystem source is one of its partitions. Both sda → sda2
    and mmcblk0 → mmcblk0p2 naming schemes are recognized.
  - A device qualifies for management when it is not the boot device and
    its size is at least the configured threshold.
  - Enumeration never returns errors. Failures are logged and yield empty
    results so the control loop simply retries on the next pass.
*/
package inventory
