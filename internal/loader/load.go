package loader

import (
	"fmt"
	"io"
	"log/slog"
)

// LoadSegments copies every loadable segment of img from src into dst at
// region.Base + (VirtAddr - VirtMin). Bytes past a segment's file size are
// left as the allocator found them, which is zero unless the region held a
// resident copy of the image. Every byte copied is also written to progress
// when it is non-nil.
func LoadSegments(img *Image, src io.ReaderAt, dst io.WriterAt, region Region, progress io.Writer) error {
	if region.Pages < img.Pages {
		return fmt.Errorf("region of %d pages too small for %d page image", region.Pages, img.Pages)
	}

	for _, seg := range img.Segments {
		dest := region.Base + (seg.VirtAddr - img.VirtMin)

		if seg.FileSize != 0 {
			r := io.NewSectionReader(src, int64(seg.Offset), int64(seg.FileSize))
			var w io.Writer = io.NewOffsetWriter(dst, int64(dest))
			if progress != nil {
				w = io.MultiWriter(w, progress)
			}
			n, err := io.Copy(w, r)
			if err != nil {
				return fmt.Errorf("copy segment %#x: %w", seg.VirtAddr, err)
			}
			if uint64(n) != seg.FileSize {
				return fmt.Errorf("copy segment %#x: short read %d of %d bytes", seg.VirtAddr, n, seg.FileSize)
			}
		}

		if region.Reused && seg.MemSize > seg.FileSize {
			tail := make([]byte, seg.MemSize-seg.FileSize)
			if _, err := dst.WriteAt(tail, int64(dest+seg.FileSize)); err != nil {
				return fmt.Errorf("clear segment %#x tail: %w", seg.VirtAddr, err)
			}
		}

		slog.Debug("loader: segment loaded",
			"vaddr", fmt.Sprintf("0x%x", seg.VirtAddr),
			"phys", fmt.Sprintf("0x%x", dest),
			"filesz", seg.FileSize,
			"memsz", seg.MemSize,
		)
	}
	return nil
}
