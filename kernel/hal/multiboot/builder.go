package multiboot

import "encoding/binary"

// Builder assembles a multiboot2 information record. It is used to describe
// synthetic machines for tests and the kernmem tool.
type Builder struct {
	memMap  []MemoryMapEntry
	modules []Module
	cmdLine string
}

// AddMemoryRegion appends an entry to the memory map.
func (b *Builder) AddMemoryRegion(physAddr, length uint64, memType MemoryEntryType) *Builder {
	b.memMap = append(b.memMap, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: memType})
	return b
}

// AddModule appends a boot module occupying [start, end).
func (b *Builder) AddModule(start, end uint64, cmdLine string) *Builder {
	b.modules = append(b.modules, Module{Start: start, End: end, CmdLine: cmdLine})
	return b
}

// SetCmdLine sets the kernel command line.
func (b *Builder) SetCmdLine(cmdLine string) *Builder {
	b.cmdLine = cmdLine
	return b
}

// Bytes encodes the record.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize)

	if b.cmdLine != "" {
		payload := append([]byte(b.cmdLine), 0)
		out = appendTag(out, tagBootCmdLine, payload)
	}

	for _, mod := range b.modules {
		payload := make([]byte, moduleHeaderSize, moduleHeaderSize+len(mod.CmdLine)+1)
		binary.LittleEndian.PutUint32(payload, uint32(mod.Start))
		binary.LittleEndian.PutUint32(payload[4:], uint32(mod.End))
		payload = append(payload, mod.CmdLine...)
		payload = append(payload, 0)
		out = appendTag(out, tagModules, payload)
	}

	if len(b.memMap) != 0 {
		payload := make([]byte, mmapHeaderSize+len(b.memMap)*mmapEntrySize)
		binary.LittleEndian.PutUint32(payload, mmapEntrySize)
		for i, entry := range b.memMap {
			offset := mmapHeaderSize + i*mmapEntrySize
			binary.LittleEndian.PutUint64(payload[offset:], entry.PhysAddress)
			binary.LittleEndian.PutUint64(payload[offset+8:], entry.Length)
			binary.LittleEndian.PutUint32(payload[offset+16:], uint32(entry.Type))
		}
		out = appendTag(out, tagMemoryMap, payload)
	}

	out = appendTag(out, tagMbSectionEnd, nil)
	binary.LittleEndian.PutUint32(out, uint32(len(out)))
	return out
}

// appendTag appends a tag header and payload to out, padding the result to
// the next 8-byte boundary.
func appendTag(out []byte, tag tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	out = append(out, hdr[:]...)
	out = append(out, payload...)
	for len(out)&7 != 0 {
		out = append(out, 0)
	}
	return out
}
