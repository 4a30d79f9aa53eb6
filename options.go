package bucketgossip

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	DefaultInterval     = time.Second
	DefaultInitialDelay = time.Second
	DefaultMailboxSize  = 256
)

type Options struct {
	// Interval is the time between gossip rounds, when the node sends its
	// bucket versions to a random peer. If zero the node only gossips when
	// Gossip is called.
	// If not set defaults to 1s.
	Interval time.Duration

	// InitialDelay is the time to wait before the first gossip round.
	// If not set defaults to 1s.
	InitialDelay time.Duration

	// Members contains the addresses of the nodes that are members of the
	// cluster on startup. Later changes are applied with OnMemberEvent.
	Members []string

	// Transport used to communicate with other nodes. If nil a UDP transport
	// is bound to the node address.
	Transport Transport

	// AdvertiseAddr is the address the node is known by to its peers, which
	// must match the address peers list it as a member. If not set the
	// transport bind address is used, so must be set when binding to an
	// unspecified address such as 0.0.0.0.
	AdvertiseAddr string

	// SnapshotDir is the directory the local incarnation is persisted to.
	// Required.
	SnapshotDir string

	// Fs is the filesystem SnapshotDir is on. If nil the OS filesystem is
	// used.
	Fs afero.Fs

	// Watcher watches the handles referenced by remote buckets. If nil a
	// LocalWatcher is used.
	Watcher Watcher

	// Registerer registers the node metrics. If nil metrics are not
	// exported.
	Registerer prometheus.Registerer

	// OnFatal is invoked if the local incarnation can't be persisted, after
	// which the node stops serving. If nil the process exits.
	OnFatal func(err error)

	// MailboxSize is the number of pending requests queued by the node
	// before callers block.
	// If not set defaults to 256.
	MailboxSize int

	Logger *zap.Logger
}

type Option func(*Options)

func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

func WithInitialDelay(delay time.Duration) Option {
	return func(opts *Options) {
		opts.InitialDelay = delay
	}
}

func WithMembers(members []string) Option {
	return func(opts *Options) {
		opts.Members = members
	}
}

func WithTransport(transport Transport) Option {
	return func(opts *Options) {
		opts.Transport = transport
	}
}

func WithAdvertiseAddr(addr string) Option {
	return func(opts *Options) {
		opts.AdvertiseAddr = addr
	}
}

func WithSnapshotDir(dir string) Option {
	return func(opts *Options) {
		opts.SnapshotDir = dir
	}
}

func WithFs(fs afero.Fs) Option {
	return func(opts *Options) {
		opts.Fs = fs
	}
}

func WithWatcher(watcher Watcher) Option {
	return func(opts *Options) {
		opts.Watcher = watcher
	}
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Registerer = reg
	}
}

func WithFatalHandler(onFatal func(err error)) Option {
	return func(opts *Options) {
		opts.OnFatal = onFatal
	}
}

func WithMailboxSize(size int) Option {
	return func(opts *Options) {
		opts.MailboxSize = size
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func defaultOptions() *Options {
	l, _ := zap.NewDevelopment()
	return &Options{
		Interval:      DefaultInterval,
		InitialDelay:  DefaultInitialDelay,
		Members:       nil,
		Transport:     nil,
		AdvertiseAddr: "",
		SnapshotDir:   "",
		Fs:            nil,
		Watcher:       nil,
		Registerer:    nil,
		OnFatal:       nil,
		MailboxSize:   DefaultMailboxSize,
		Logger:        l,
	}
}
