package migration

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// ControlServer listens on a Unix-domain socket for an operational trigger
// command ("MIGRATE <addr>") that starts an outbound migration of the
// running VM. This mirrors a real VMM's control plane: spec.md's migration
// protocol (§4.5) describes the wire transfer once started but not how an
// operator starts it on a live VM.
type ControlServer struct {
	log  *logrus.Entry
	path string

	onMigrate func(addr string) error
}

// NewControlServer builds a server that will listen at path and invoke
// onMigrate when a client sends "MIGRATE <addr>".
func NewControlServer(log *logrus.Entry, path string, onMigrate func(addr string) error) *ControlServer {
	return &ControlServer{log: log, path: path, onMigrate: onMigrate}
}

// Serve accepts connections on the control socket until the listener is
// closed. Intended to run in its own goroutine for the life of the VM.
func (c *ControlServer) Serve() error {
	ln, err := net.Listen("unix", c.path)
	if err != nil {
		return fmt.Errorf("migration: listen control socket %s: %w", c.path, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("migration: accept control connection: %w", err)
		}

		go c.handle(conn)
	}
}

func (c *ControlServer) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "MIGRATE" {
			fmt.Fprintf(conn, "ERR unrecognized command %q\n", line)
			continue
		}

		if err := c.onMigrate(fields[1]); err != nil {
			c.log.WithError(err).WithField("addr", fields[1]).Warn("migration trigger failed")
			fmt.Fprintf(conn, "ERR %v\n", err)

			continue
		}

		fmt.Fprintln(conn, "OK")
	}
}
