// Package vsicore is the public entry point to the VSI shared-memory
// core: two mmap-backed regions (System: B-tree node pool; User:
// general-purpose allocator and signal payloads), wired together into
// open/close/insert/fetch/fetch_newest/flush.
package vsicore

import (
	"context"
	"errors"

	"github.com/vsicore/vsicore/btree"
	"github.com/vsicore/vsicore/region"
	"github.com/vsicore/vsicore/signalstore"
	"github.com/vsicore/vsicore/sysalloc"
	"github.com/vsicore/vsicore/useralloc"
	"github.com/vsicore/vsicore/vsierr"
	"github.com/vsicore/vsicore/vsilog"
)

const (
	// DefaultSysPath and DefaultUserPath are the core's two fixed region
	// files. No alternate-path discovery is supported; these are the
	// only paths callers pointing at the same store need to agree on.
	DefaultSysPath  = "/var/run/shm/vsiSysDataStore"
	DefaultUserPath = "/var/run/shm/vsiUserDataStore"

	defaultSysSize    = 4 << 20  // 4 MiB of fixed B-tree nodes
	defaultUserSize   = 16 << 20 // 16 MiB of signal payload + allocator bookkeeping
	defaultMinDegree  = 8
	minChunkSizeFloor = 64
)

// Options configures Open. Zero-value fields fall back to the package
// defaults. CLI binding and flag parsing are the caller's concern, not
// the core's.
type Options struct {
	SysPath   string
	UserPath  string
	SysSize   uint32
	UserSize  uint32
	MinDegree int
	Create    bool
	Logger    *vsilog.Logger
}

func (o *Options) setDefaults() {
	if o.SysPath == "" {
		o.SysPath = DefaultSysPath
	}
	if o.UserPath == "" {
		o.UserPath = DefaultUserPath
	}
	if o.SysSize == 0 {
		o.SysSize = defaultSysSize
	}
	if o.UserSize == 0 {
		o.UserSize = defaultUserSize
	}
	if o.MinDegree == 0 {
		o.MinDegree = defaultMinDegree
	}
	if o.Logger == nil {
		o.Logger = vsilog.Default("vsicore")
	}
}

// Core is the open handle to an attached VSI store.
type Core struct {
	opts Options

	sysRegion  *region.Region
	userRegion *region.Region

	nodePool *sysalloc.Pool
	alloc    *useralloc.Allocator
	store    *signalstore.Store

	log *vsilog.Logger
}

// Open attaches to (or creates) the store described by opts. opts.Create
// requests a fresh store; otherwise the two region files must already
// exist with matching sizes.
func Open(opts Options) (*Core, error) {
	opts.setDefaults()

	if err := region.ValidateLayout(opts.SysSize, opts.UserSize, minChunkSizeFloor); err != nil {
		return nil, err
	}

	sysProvider, err := region.OpenFile(region.FileOptions{Path: opts.SysPath, Size: opts.SysSize, Create: opts.Create})
	if err != nil {
		return nil, vsierr.Wrap(vsierr.ErrIO, "vsicore.Open", err)
	}
	sysRegion, err := region.Open(sysProvider, opts.Create)
	if err != nil {
		_ = sysProvider.Close()
		return nil, err
	}

	userProvider, err := region.OpenFile(region.FileOptions{Path: opts.UserPath, Size: opts.UserSize, Create: opts.Create})
	if err != nil {
		_ = sysRegion.Close()
		return nil, vsierr.Wrap(vsierr.ErrIO, "vsicore.Open", err)
	}
	userRegion, err := region.Open(userProvider, opts.Create)
	if err != nil {
		_ = sysRegion.Close()
		_ = userProvider.Close()
		return nil, err
	}

	c := &Core{opts: opts, sysRegion: sysRegion, userRegion: userRegion, log: opts.Logger}

	if err := c.wire(opts.Create); err != nil {
		_ = sysRegion.Close()
		_ = userRegion.Close()
		return nil, err
	}

	if opts.Create {
		if err := sysRegion.MarkInitialized(); err != nil {
			return nil, err
		}
		if err := userRegion.MarkInitialized(); err != nil {
			return nil, err
		}
	}

	c.log.Info("vsi core opened", vsilog.String("sys_path", opts.SysPath), vsilog.String("user_path", opts.UserPath), vsilog.Bool("fresh", opts.Create))
	return c, nil
}

// System region layout beyond the shared region header is fixed, not
// bump-allocated: three 8-byte tree control blocks followed by the
// fixed-node pool. A persisted watermark would re-advance on every
// reopen of an existing store, shifting these offsets out from under
// the data already written at them; the layout must compute
// identically on every Open.
const (
	bySizeControlOffset   = region.HeaderSize
	byOffsetControlOffset = region.HeaderSize + 8
	registryControlOffset = region.HeaderSize + 16
	sysPoolOffset         = region.HeaderSize + 24
)

func (c *Core) wire(fresh bool) error {
	nodeSize := btree.NodeSize(c.opts.MinDegree)

	bySizeControlBase := uint32(bySizeControlOffset)
	byOffsetControlBase := uint32(byOffsetControlOffset)
	registryControlBase := uint32(registryControlOffset)
	poolBase := uint32(sysPoolOffset)
	poolSize := c.sysRegion.Size() - poolBase

	pool, err := sysalloc.New(c.sysRegion.Provider, poolBase, poolSize, nodeSize)
	if err != nil {
		return err
	}
	c.nodePool = pool
	if fresh {
		if err := pool.Init(); err != nil {
			return err
		}
	}

	alloc, err := useralloc.New(
		c.userRegion.Provider, c.sysRegion.Provider, c.nodePool,
		region.HeaderSize, c.userRegion.Size()-region.HeaderSize,
		useralloc.Config{MinDegree: c.opts.MinDegree},
		bySizeControlBase, byOffsetControlBase,
	)
	if err != nil {
		return err
	}
	c.alloc = alloc
	if err := alloc.Init(fresh); err != nil {
		return err
	}

	store, err := signalstore.Open(c.userRegion, c.alloc, c.sysRegion.Provider, c.nodePool, registryControlBase, c.opts.MinDegree, fresh, c.log)
	if err != nil {
		return err
	}
	c.store = store
	return nil
}

// Close unmaps both regions, aggregating any failures. Every teardown
// step runs regardless of whether an earlier one failed.
func (c *Core) Close() error {
	var errs []error
	if c.userRegion != nil {
		if err := c.userRegion.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.sysRegion != nil {
		if err := c.sysRegion.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return vsierr.Wrap(vsierr.ErrIO, "vsicore.Close", errors.Join(errs...))
}

// Insert publishes a signal sample for (domain, key).
func (c *Core) Insert(domain, key uint32, body []byte) error {
	return c.store.Insert(domain, key, body)
}

// Fetch removes and returns the oldest pending sample for (domain, key).
// If wait is false and none is pending, it returns ErrNoData immediately.
func (c *Core) Fetch(ctx context.Context, domain, key uint32, buf []byte, wait bool) (int, error) {
	return c.store.Fetch(ctx, domain, key, buf, wait)
}

// FetchNewest returns the most recently inserted sample for (domain, key)
// without removing it. If wait is false and none is pending, it returns
// ErrNoData immediately.
func (c *Core) FetchNewest(ctx context.Context, domain, key uint32, buf []byte, wait bool) (int, error) {
	return c.store.FetchNewest(ctx, domain, key, buf, wait)
}

// Flush drains every pending sample for (domain, key) and wakes any
// stranded waiters.
func (c *Core) Flush(domain, key uint32) error {
	return c.store.Flush(domain, key)
}
