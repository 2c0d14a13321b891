package sphynx

import (
	"github.com/sirupsen/logrus"
	"github.com/sphynx-net/sphynx/crypto"
)

// DefaultKernelRecvBufferBytes is the socket receive buffer size
// requested on every bound UDP socket, per spec.md section 6's
// kernel_recv_buffer_bytes option.
const DefaultKernelRecvBufferBytes = 1_000_000

// DefaultSessionPortCount is the number of session-worker ports a
// Server spreads admitted connections across.
const DefaultSessionPortCount = 8

// ClientOptions configures a Client. The zero value is not usable;
// build with NewClientOptions.
type ClientOptions struct {
	SupportIPv6           bool
	KernelRecvBufferBytes int
	Clock                 crypto.TimeProvider
	Logger                *logrus.Logger
}

// ClientOption mutates a ClientOptions, following the functional-
// options pattern the teacher's toxcore.go Options type uses for its
// own constructor.
type ClientOption func(*ClientOptions)

// NewClientOptions builds a ClientOptions with spec.md section 6's
// defaults, applying opts in order.
func NewClientOptions(opts ...ClientOption) *ClientOptions {
	o := &ClientOptions{
		KernelRecvBufferBytes: DefaultKernelRecvBufferBytes,
		Clock:                 crypto.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(o)
	}
	applyLogger(o.Logger)
	return o
}

// WithSupportIPv6 enables binding and resolving to IPv6 addresses.
func WithSupportIPv6(enabled bool) ClientOption {
	return func(o *ClientOptions) { o.SupportIPv6 = enabled }
}

// WithKernelRecvBufferBytes overrides the UDP socket receive buffer
// size.
func WithKernelRecvBufferBytes(bytes int) ClientOption {
	return func(o *ClientOptions) { o.KernelRecvBufferBytes = bytes }
}

// WithClock injects a collaborator for current time and elapsed-time
// queries, letting tests replace crypto.DefaultTimeProvider with a
// deterministic fake — the same seam crypto.TimeProvider already
// provides for the crypto package's own tests.
func WithClock(clock crypto.TimeProvider) ClientOption {
	return func(o *ClientOptions) { o.Clock = clock }
}

// WithLogger injects a logrus.Logger whose output, formatter, and
// level configuration is applied to the package-level logger every
// obs.Logger call site writes through.
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(o *ClientOptions) { o.Logger = logger }
}

// ServerOptions configures a Server.
type ServerOptions struct {
	SupportIPv6           bool
	KernelRecvBufferBytes int
	SessionPortCount      int
	Clock                 crypto.TimeProvider
	Logger                *logrus.Logger
	Cookies               *crypto.CookieIssuer
}

// ServerOption mutates a ServerOptions.
type ServerOption func(*ServerOptions)

// NewServerOptions builds a ServerOptions with spec.md section 6's
// defaults, applying opts in order. A fresh CookieIssuer is minted
// unless WithCookieIssuer overrides it.
func NewServerOptions(opts ...ServerOption) (*ServerOptions, error) {
	o := &ServerOptions{
		KernelRecvBufferBytes: DefaultKernelRecvBufferBytes,
		SessionPortCount:      DefaultSessionPortCount,
		Clock:                 crypto.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(o)
	}
	applyLogger(o.Logger)
	if o.Cookies == nil {
		cookies, err := crypto.NewCookieIssuer()
		if err != nil {
			return nil, err
		}
		o.Cookies = cookies
	}
	return o, nil
}

// WithServerSupportIPv6 enables binding to IPv6 addresses.
func WithServerSupportIPv6(enabled bool) ServerOption {
	return func(o *ServerOptions) { o.SupportIPv6 = enabled }
}

// WithServerKernelRecvBufferBytes overrides the UDP socket receive
// buffer size.
func WithServerKernelRecvBufferBytes(bytes int) ServerOption {
	return func(o *ServerOptions) { o.KernelRecvBufferBytes = bytes }
}

// WithSessionPortCount overrides how many session-worker ports the
// server spreads admitted connections across.
func WithSessionPortCount(count int) ServerOption {
	return func(o *ServerOptions) { o.SessionPortCount = count }
}

// WithServerClock injects a time collaborator, mirroring WithClock.
func WithServerClock(clock crypto.TimeProvider) ServerOption {
	return func(o *ServerOptions) { o.Clock = clock }
}

// WithServerLogger injects a logrus.Logger the same way WithLogger
// does for a Client.
func WithServerLogger(logger *logrus.Logger) ServerOption {
	return func(o *ServerOptions) { o.Logger = logger }
}

// WithCookieIssuer injects a pre-built CookieIssuer instead of minting
// a fresh one — useful for a server process with multiple listeners
// that must honor cookies minted by any of them, or for tests that
// want a deterministic secret.
func WithCookieIssuer(cookies *crypto.CookieIssuer) ServerOption {
	return func(o *ServerOptions) { o.Cookies = cookies }
}

// applyLogger copies an injected logger's output, formatter, and level
// onto logrus's package-level logger, since every obs.Logger call site
// writes through logrus's package-level functions rather than holding
// its own *logrus.Logger instance.
func applyLogger(logger *logrus.Logger) {
	if logger == nil {
		return
	}
	logrus.SetOutput(logger.Out)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(logger.Level)
}
