package wsa

import (
	"io"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// DefaultCapacity is the default size of the context and image tables.
const DefaultCapacity = 16384

type options struct {
	logger          *log.Logger
	contextCapacity int
	imageCapacity   int
	closeFD         func(fd int) error
}

// Option configures an Agent.
type Option func(*options)

// WithLogger sets the logger. By default the agent logs nothing.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithContextCapacity sets the number of context slots.
func WithContextCapacity(n int) Option {
	return func(o *options) { o.contextCapacity = n }
}

// WithImageCapacity sets the number of image slots.
func WithImageCapacity(n int) Option {
	return func(o *options) { o.imageCapacity = n }
}

// WithFDCloser replaces unix.Close as the function that releases imported
// file descriptors.
func WithFDCloser(fn func(fd int) error) Option {
	return func(o *options) {
		if fn != nil {
			o.closeFD = fn
		}
	}
}

func defaultOptions() options {
	return options{
		logger:          log.New(io.Discard),
		contextCapacity: DefaultCapacity,
		imageCapacity:   DefaultCapacity,
		closeFD:         unix.Close,
	}
}
