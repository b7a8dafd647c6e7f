package trace

import "encoding/binary"

// Both architectures wtf supports (amd64, arm64) run little-endian under
// Linux, so a fixed byte order is fine here, unlike the general-purpose
// register layouts which differ per architecture.
var byteOrder = binary.LittleEndian
