package front

import (
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-msgio"

	"github.com/cmwaters/mempool/core"
)

// Client submits transactions to a front server
type Client struct {
	conn   net.Conn
	writer msgio.WriteCloser
}

func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return &Client{conn: conn, writer: msgio.NewVarintWriter(conn)}, nil
}

// Submit writes a single transaction. Empty transactions are refused since
// the server would discard them anyway.
func (c *Client) Submit(tx core.Transaction) error {
	if len(tx) == 0 {
		return fmt.Errorf("empty transaction")
	}
	return c.writer.WriteMsg(tx)
}

func (c *Client) Close() error {
	return c.writer.Close()
}
