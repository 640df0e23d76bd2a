package handoff

const (
	blockSize = 0xa0

	firmwareRevisionOffset  = 0x00
	loaderMajorOffset       = 0x04
	loaderMinorOffset       = 0x08
	descriptorVersionOffset = 0x0c
	descriptorSizeOffset    = 0x10
	memoryMapOffset         = 0x18
	memoryMapSizeOffset     = 0x20
	kernelBaseOffset        = 0x28
	kernelPagesOffset       = 0x30
	devicePathOffset        = 0x38
	devicePathSizeOffset    = 0x40
	kernelPathOffset        = 0x48
	kernelPathSizeOffset    = 0x50
	kernelOptionsOffset     = 0x58
	kernelOptionsSizeOffset = 0x60
	runtimeServicesOffset   = 0x68
	graphicsOffset          = 0x70
	fileMetaOffset          = 0x78
	configTablesOffset      = 0x80
	configTableCountOffset  = 0x88
	kernelEntryOffset       = 0x90
	kernelVirtualBaseOffset = 0x98
)
