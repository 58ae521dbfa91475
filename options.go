package blobkv

// Options configures the block-size and capacity parameters a store opens
// its blob engine with. The zero value is not meant to be used directly;
// call EnsureDefaults (or pass it to internal/store.Create, which does so
// automatically) before using it.
type Options struct {
	// BlockSize is the fixed size, in bytes, of every cache block: leaf
	// blocks, internal blocks, and the store's superblock. Default 4096.
	BlockSize int

	// MaxRefLen is the default width, in bytes, of a value's reference
	// word for records that don't specify their own. Default 251
	// (discriminator, value size and offset, and up to 29 root block ids).
	MaxRefLen int

	// MaxConcurrentIO bounds the number of pread/pwrite syscalls the
	// store's disk dispatcher runs at once (internal/diskpool). Default 32.
	MaxConcurrentIO int
}

// EnsureDefaults returns a copy of o with every unset field replaced by its
// default, so callers never have to spell out every field.
func (o Options) EnsureDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.MaxRefLen <= 0 {
		o.MaxRefLen = 251
	}
	if o.MaxConcurrentIO <= 0 {
		o.MaxConcurrentIO = 32
	}
	return o
}
