/*
Package types defines the data model shared by the tierd packages.

Block devices, partitions and mounts are observations: they are derived
from the kernel on every pass and never cached across passes. Mount
assignments are the only durable identity data and are owned by the
identity store. OverlayMount is the per-pass layering plan for one managed
directory, and DriveRecord and TaskRun are operator facing history kept in
the journal.
*/
package types
