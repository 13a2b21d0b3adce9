package engine

import "cmp"

// HostRequestPriority orders outstanding host requests: slots of host groups
// containing a master component come first, then ascending ID. It is a pure
// ordering and is never used for equality.
func HostRequestPriority(a, b *HostRequest) int {
	if a.containsMaster != b.containsMaster {
		if a.containsMaster {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.id, b.id)
}

// LogicalRequestPriority orders outstanding logical requests oldest first.
func LogicalRequestPriority(a, b *LogicalRequest) int {
	if c := a.createdAt.Compare(b.createdAt); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}
