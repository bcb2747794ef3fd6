package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"testing"
)

func TestShortFormatShape(t *testing.T) {
	var f shortFormat

	if exp, got := 2, f.Levels(); exp != got {
		t.Fatalf("expected %d levels; got %d", exp, got)
	}
	if exp, got := uint(12), f.LevelBits(0); exp != got {
		t.Errorf("expected %d L1 bits; got %d", exp, got)
	}
	if exp, got := uint(8), f.LevelBits(1); exp != got {
		t.Errorf("expected %d L2 bits; got %d", exp, got)
	}
	if exp, got := uint(4096), f.TableEntries(0); exp != got {
		t.Errorf("expected %d L1 entries; got %d", exp, got)
	}
	if exp, got := uint(256), f.TableEntries(1); exp != got {
		t.Errorf("expected %d L2 entries; got %d", exp, got)
	}
	if f.IsLeafLevel(0) {
		t.Error("expected level 0 not to be a leaf level")
	}
	if !f.IsLeafLevel(1) {
		t.Error("expected level 1 to be a leaf level")
	}
}

func TestShortFormatEncodeTable(t *testing.T) {
	var f shortFormat

	frame := mm.FrameFromAddress(0x00100000)
	entry := f.EncodeTable(frame)

	if !f.Present(entry) {
		t.Fatal("expected table descriptor to be present")
	}
	if exp, got := frame, f.Frame(entry); exp != got {
		t.Errorf("expected frame %v; got %v", exp, got)
	}
}

func TestShortFormatEncodeLeaf(t *testing.T) {
	frame := mm.FrameFromAddress(0x00200000)
	var f shortFormat

	specs := []struct {
		name        string
		flags       PageTableEntryFlag
		expWritable bool
		expUser     bool
		expCoW      bool
	}{
		{"kernel RO", 0, false, false, false},
		{"kernel RW", FlagRW, true, false, false},
		{"user RO", FlagUserAccessible, false, true, false},
		{"user RW", FlagRW | FlagUserAccessible, true, true, false},
		{"CoW", FlagCopyOnWrite, false, false, true},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			entry := f.EncodeLeaf(frame, MemNormal, spec.flags)

			if !f.Present(entry) {
				t.Fatal("expected leaf descriptor to be present")
			}
			if exp, got := frame, f.Frame(entry); exp != got {
				t.Errorf("expected frame %v; got %v", exp, got)
			}
			if exp, got := spec.expWritable, f.Writable(entry); exp != got {
				t.Errorf("expected Writable() = %v; got %v", exp, got)
			}
			if exp, got := spec.expUser, f.UserAccessible(entry); exp != got {
				t.Errorf("expected UserAccessible() = %v; got %v", exp, got)
			}
			if exp, got := spec.expCoW, f.IsCopyOnWrite(entry); exp != got {
				t.Errorf("expected IsCopyOnWrite() = %v; got %v", exp, got)
			}
		})
	}
}

func TestShortFormatNoExecute(t *testing.T) {
	var f shortFormat
	frame := mm.FrameFromAddress(0x00300000)

	plain := f.EncodeLeaf(frame, MemNormal, FlagRW)
	noExec := f.EncodeLeaf(frame, MemNormal, FlagRW|FlagNoExecute)

	if uint64(plain)&shortFlagXN != 0 {
		t.Error("expected executable mapping to not carry XN")
	}
	if uint64(noExec)&shortFlagXN == 0 {
		t.Error("expected FlagNoExecute mapping to carry XN")
	}
}

func TestShortFormatClearPresent(t *testing.T) {
	var f shortFormat
	frame := mm.FrameFromAddress(0x00400000)
	entry := f.EncodeLeaf(frame, MemNormal, FlagRW)

	cleared := f.ClearPresent(entry)
	if f.Present(cleared) {
		t.Fatal("expected cleared descriptor to not be present")
	}
	if exp, got := frame, f.Frame(cleared); exp != got {
		t.Errorf("expected ClearPresent to preserve the frame; expected %v, got %v", exp, got)
	}
}

func TestShortFormatMemTypes(t *testing.T) {
	var f shortFormat
	frame := mm.FrameFromAddress(0x00500000)

	seen := make(map[pageTableEntry]MemoryType)
	for _, memType := range []MemoryType{MemNormal, MemDevice, MemStronglyOrdered, MemNonCacheable} {
		entry := f.EncodeLeaf(frame, memType, FlagRW)
		attrBits := entry &^ pageTableEntry(shortAddrMask32)
		if other, collision := seen[attrBits]; collision {
			t.Errorf("memory type %d encodes identically to %d", memType, other)
		}
		seen[attrBits] = memType
	}
}

func TestShortFormatReadWriteEntry(t *testing.T) {
	var f shortFormat
	var backing uint32

	addr := uintptrOf(&backing)
	entry := f.EncodeLeaf(mm.FrameFromAddress(0x00600000), MemNormal, FlagRW)

	f.WriteEntry(addr, entry)
	if exp, got := uint32(entry), backing; exp != got {
		t.Fatalf("expected backing word %#x; got %#x", exp, got)
	}
	if exp, got := entry, f.ReadEntry(addr); exp != got {
		t.Errorf("expected ReadEntry to return %#x; got %#x", exp, got)
	}
}
