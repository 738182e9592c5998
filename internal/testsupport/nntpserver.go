package testsupport

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

// Responder maps one NNTP command line to its response. A non-nil body is
// sent as a dot-terminated block after the status line, so an empty non-nil
// slice yields an empty block. An empty status yields a 500 reply.
type Responder func(command string) (status string, body []string)

// StartNNTPServer runs a scripted NNTP server on a loopback port for the
// lifetime of the test. MODE READER and QUIT are answered built-in; every
// other command goes through the responder.
func StartNNTPServer(t testing.TB, respond Responder) (string, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, respond)
		}
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func serveConn(conn net.Conn, respond Responder) {
	defer conn.Close()

	writeLine := func(line string) bool {
		_, err := conn.Write([]byte(line + "\r\n"))
		return err == nil
	}
	if !writeLine("200 test server ready") {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		command := strings.TrimRight(raw, "\r\n")

		switch {
		case strings.EqualFold(command, "MODE READER"):
			if !writeLine("201 reader mode") {
				return
			}
			continue
		case strings.EqualFold(command, "QUIT"):
			writeLine("205 goodbye")
			return
		}

		status := "500 unhandled command"
		var body []string
		if respond != nil {
			if scripted, scriptedBody := respond(command); scripted != "" {
				status = scripted
				body = scriptedBody
			}
		}
		if !writeLine(status) {
			return
		}
		if body != nil {
			for _, line := range body {
				if strings.HasPrefix(line, ".") {
					line = "." + line
				}
				if !writeLine(line) {
					return
				}
			}
			if !writeLine(".") {
				return
			}
		}
	}
}
