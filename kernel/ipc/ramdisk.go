package ipc

// fatClusterEndMarker resolves spec.md 9's open question: the original
// source defines a FAT cluster-end constant twice, with two different
// numeric values (0xFF8 and 0x0FFFFFF8) and no comment distinguishing which
// FAT variant each belongs to. 0xFF8 is FAT12's end-of-chain marker;
// 0x0FFFFFF8 is FAT32's. The ramdisk this kernel actually loads is USTAR
// (see cmd/mkramdisk), not FAT, so this constant is exercised by nothing in
// CORE scope — it is kept only because spec.md explicitly asks for the
// decision to be recorded rather than silently dropped, and FAT32's value is
// the one consistent with a modern SD-card image, were a FAT ramdisk ever
// substituted for USTAR.
const fatClusterEndMarker = 0x0FFFFFF8
