// Package multiboot decodes the multiboot2 information record handed to the
// kernel by the bootloader. Only the tags the memory subsystem consumes are
// interpreted: the memory map, boot modules and the kernel command line.
package multiboot

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"kernmem/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the fixed header (total size plus a
	// reserved dword) that precedes the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the (type, size) pair that precedes
	// each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the (entry size, entry version) pair
	// that precedes the memory map entries.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24

	// moduleHeaderSize is the size of the (start, end) pair that precedes
	// the module command line.
	moduleHeaderSize = 8
)

var (
	errInfoTruncated = &kernel.Error{Module: "multiboot", Message: "info record is truncated"}
	errBadTagSize    = &kernel.Error{Module: "multiboot", Message: "tag size exceeds info record"}
	errBadEntrySize  = &kernel.Error{Module: "multiboot", Message: "memory map entry size too small"}
	errMissingEndTag = &kernel.Error{Module: "multiboot", Message: "info record has no end tag"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Module describes a boot module loaded by the bootloader. The physical
// range [Start, End) must be kept out of the free memory pool.
type Module struct {
	Start, End uint64
	CmdLine    string
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// ModuleVisitor is invoked by VisitModules for each boot module. The visitor
// must return true to continue or false to abort the scan.
type ModuleVisitor func(mod *Module) bool

// Info is a decoded multiboot information record.
type Info struct {
	memMap  []MemoryMapEntry
	modules []Module
	cmdLine string
}

// Parse decodes a multiboot2 information record.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTruncated
	}

	totalSize := int(binary.LittleEndian.Uint32(data))
	if totalSize < infoHeaderSize || totalSize > len(data) {
		return nil, errInfoTruncated
	}
	data = data[:totalSize]

	info := new(Info)
	for curOffset := infoHeaderSize; ; {
		if curOffset+tagHeaderSize > len(data) {
			return nil, errMissingEndTag
		}

		tag := tagType(binary.LittleEndian.Uint32(data[curOffset:]))
		size := int(binary.LittleEndian.Uint32(data[curOffset+4:]))
		if size < tagHeaderSize || curOffset+size > len(data) {
			return nil, errBadTagSize
		}

		if tag == tagMbSectionEnd {
			return info, nil
		}

		payload := data[curOffset+tagHeaderSize : curOffset+size]
		switch tag {
		case tagMemoryMap:
			if err := info.parseMemoryMap(payload); err != nil {
				return nil, err
			}
		case tagModules:
			if len(payload) < moduleHeaderSize {
				return nil, errBadTagSize
			}
			info.modules = append(info.modules, Module{
				Start:   uint64(binary.LittleEndian.Uint32(payload)),
				End:     uint64(binary.LittleEndian.Uint32(payload[4:])),
				CmdLine: cString(payload[moduleHeaderSize:]),
			})
		case tagBootCmdLine:
			info.cmdLine = cString(payload)
		}

		// Tags are aligned at 8-byte aligned addresses
		curOffset += (size + 7) & ^7
	}
}

func (info *Info) parseMemoryMap(payload []byte) *kernel.Error {
	if len(payload) < mmapHeaderSize {
		return errBadTagSize
	}

	entrySize := int(binary.LittleEndian.Uint32(payload))
	if entrySize < mmapEntrySize-4 {
		return errBadEntrySize
	}

	for curOffset := mmapHeaderSize; curOffset+entrySize <= len(payload); curOffset += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(payload[curOffset:]),
			Length:      binary.LittleEndian.Uint64(payload[curOffset+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(payload[curOffset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		info.memMap = append(info.memMap, entry)
	}

	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.memMap {
		entry := info.memMap[i]
		if !visitor(&entry) {
			return
		}
	}
}

// MemoryMap returns a copy of the memory map entries.
func (info *Info) MemoryMap() []MemoryMapEntry {
	return append([]MemoryMapEntry(nil), info.memMap...)
}

// VisitModules invokes the supplied visitor for each boot module.
func (info *Info) VisitModules(visitor ModuleVisitor) {
	for i := range info.modules {
		mod := info.modules[i]
		if !visitor(&mod) {
			return
		}
	}
}

// CmdLine returns the command line key-value pairs passed to the kernel.
// Flags without a value (e.g. "nocow") map to themselves.
func (info *Info) CmdLine() map[string]string {
	cmdLineKV := make(map[string]string)
	for _, pair := range strings.Fields(info.cmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}

// cString returns the contents of a NUL-terminated string. Bootloaders pass
// command lines through unmodified, so anything that is not valid UTF-8 is
// decoded as Latin-1.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}

	if utf8.Valid(b) {
		return string(b)
	}

	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}
