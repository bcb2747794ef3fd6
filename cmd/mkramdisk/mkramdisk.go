// Command mkramdisk builds the USTAR ramdisk image the boot ROM loads
// immediately after the kernel image (spec.md 6's ramdisk format, GLOSSARY's
// USTAR entry): one archive member per ELF payload, named after the
// payload's base file name. It supplements spec.md's distillation, which
// assumes the ramdisk already exists, the same way the original project
// ships lib/tar's C reader alongside a host-side archive builder.
package main

import (
	"archive/tar"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkramdisk] error: %s\n", err.Error())
	os.Exit(1)
}

// validateARMPayload opens path with debug/elf and rejects anything that is
// not a 32-bit little-endian ARM executable, mirroring kernel/elf.ArchCheck's
// kernel-side validation so a malformed payload is caught at build time
// instead of at process_create time.
func validateARMPayload(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("%s: not a 32-bit ELF image", path)
	}
	if f.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("%s: not a little-endian ELF image", path)
	}
	if f.Machine != elf.EM_ARM {
		return fmt.Errorf("%s: ELF machine field is not ARM", path)
	}
	return nil
}

// buildArchive writes one USTAR member per file in paths, in the order
// given, to out.
func buildArchive(out *os.File, paths []string) error {
	w := tar.NewWriter(out)
	defer w.Close()

	for _, path := range paths {
		if err := validateARMPayload(path); err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		hdr := &tar.Header{
			Name:   filepath.Base(path),
			Mode:   0755,
			Size:   int64(len(data)),
			Format: tar.FormatUSTAR,
		}
		if err = w.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, err = w.Write(data); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	return w.Flush()
}

func main() {
	output := flag.String("o", "", "path to write the ramdisk image to")
	flag.Parse()

	if *output == "" {
		exit(errors.New("missing -o output path"))
	}
	if len(flag.Args()) == 0 {
		exit(errors.New("no ELF payloads given"))
	}

	out, err := os.Create(*output)
	if err != nil {
		exit(err)
	}
	defer out.Close()

	if err = buildArchive(out, flag.Args()); err != nil {
		exit(err)
	}
}
