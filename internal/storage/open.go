package storage

import "fmt"

// Options selects and configures a Store implementation.
type Options struct {
	Driver      string // "memory" or "redis"
	Compression string // "none" or "zstd"
	Redis       RedisOptions
}

// Open builds the store described by opts.
func Open(opts Options) (Store, error) {
	var s Store
	switch opts.Driver {
	case "", "memory":
		s = NewMemoryStore()
	case "redis":
		s = NewRedisStore(opts.Redis)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	switch opts.Compression {
	case "", "none":
		return s, nil
	case "zstd":
		cs, err := NewCompressedStore(s)
		if err != nil {
			s.Close()
			return nil, err
		}
		return cs, nil
	default:
		s.Close()
		return nil, fmt.Errorf("unknown storage compression %q", opts.Compression)
	}
}
