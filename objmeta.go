package intercept

import "github.com/GBuella/syscall-intercept/internal/bitmap"

// objectText is the object-metadata-provider contract elfmeta.Text
// and machometa.Text both satisfy: .text bounds plus the addresses
// found to be jump targets while reading the image's symbol and
// relocation tables. readObjectMeta picks the ELF or Mach-O reader at
// compile time (meta_linux.go / meta_darwin.go), so prepareObject never
// has to know which object format it is looking at.
type objectText interface {
	Bounds() (offset, virtStart, virtEnd uint64)
	MarkInto(table *bitmap.JumpTable)
}
