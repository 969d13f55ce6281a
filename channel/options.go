package channel

import (
	"fmt"
	"net"
	"time"
)

// Option identifies a socket option on a channel's transport. Options set
// before the transport is connected are recorded and applied at connect time.
type Option int

const (
	// OptionKeepAlive enables TCP keep-alive probes; zero disables.
	OptionKeepAlive Option = iota
	// OptionNoDelay disables Nagle's algorithm when non-zero.
	OptionNoDelay
	// OptionLinger sets the close linger in seconds; negative disables.
	OptionLinger
	// OptionReadBufferSize sets the kernel receive buffer size in bytes.
	OptionReadBufferSize
	// OptionWriteBufferSize sets the kernel send buffer size in bytes.
	OptionWriteBufferSize
)

func (o Option) String() string {
	switch o {
	case OptionKeepAlive:
		return "keepalive"
	case OptionNoDelay:
		return "nodelay"
	case OptionLinger:
		return "linger"
	case OptionReadBufferSize:
		return "read_buffer_size"
	case OptionWriteBufferSize:
		return "write_buffer_size"
	default:
		return "unknown"
	}
}

// applyConnOption applies opt to conn when the underlying type supports it.
func applyConnOption(conn net.Conn, opt Option, value int) error {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("%w: %s on %T", ErrOptionNotSupported, opt, conn)
	}

	switch opt {
	case OptionKeepAlive:
		if err := tcp.SetKeepAlive(value != 0); err != nil {
			return err
		}
		if value > 0 {
			return tcp.SetKeepAlivePeriod(time.Duration(value) * time.Second)
		}
		return nil
	case OptionNoDelay:
		return tcp.SetNoDelay(value != 0)
	case OptionLinger:
		return tcp.SetLinger(value)
	case OptionReadBufferSize:
		return tcp.SetReadBuffer(value)
	case OptionWriteBufferSize:
		return tcp.SetWriteBuffer(value)
	default:
		return fmt.Errorf("%w: %d", ErrOptionNotSupported, int(opt))
	}
}
