package nntp

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ProtocolError reports an unexpected status line or a closed connection.
// The client never retries on its own; callers decide retry policy.
type ProtocolError struct {
	Status string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("nntp: %s", e.Status)
}

func protocolErr(status string) error {
	return &ProtocolError{Status: status}
}

// Group describes a newsgroup as reported by LIST.
type Group struct {
	Name  string
	High  int64
	Low   int64
	Flags string
}

// GroupStatus is the response to a GROUP command.
type GroupStatus struct {
	Count int64
	First int64
	Last  int64
	Name  string
}

// OverviewEntry is one XOVER line: an article number plus the standard
// tab-separated overview fields.
type OverviewEntry struct {
	Article    int64
	Subject    string
	From       string
	Date       string
	MessageID  string
	References string
	Bytes      int64
	Lines      int64
	Xref       string
}

// Options configures a client connection.
type Options struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a synchronous single-connection NNTP client. All operations
// block with the configured socket timeout; a hang degrades to a timeout
// failure.
type Client struct {
	opts    Options
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects, reads the server greeting, switches to reader mode and
// authenticates when a username is configured.
func Dial(opts Options) (*Client, error) {
	client := &Client{opts: opts, timeout: opts.Timeout}
	if client.timeout <= 0 {
		client.timeout = 30 * time.Second
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	conn, err := net.DialTimeout("tcp", address, client.timeout)
	if err != nil {
		return nil, fmt.Errorf("nntp: connect %s: %w", address, err)
	}
	if opts.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: opts.Host})
		if err := tlsConn.SetDeadline(time.Now().Add(client.timeout)); err == nil {
			if err := tlsConn.Handshake(); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("nntp: tls handshake: %w", err)
			}
		}
		conn = tlsConn
	}
	client.conn = conn
	client.reader = bufio.NewReader(conn)

	if _, err := client.readStatus(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	client.readerMode()
	if err := client.auth(opts.Username, opts.Password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// Close tears down the connection without sending QUIT.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Connected reports whether the client still holds a connection.
func (c *Client) Connected() bool {
	return c != nil && c.conn != nil
}

func (c *Client) writeLine(line string) error {
	if c.conn == nil {
		return protocolErr("not connected")
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("nntp: set deadline: %w", err)
	}
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.drop()
		return protocolErr("connection closed")
	}
	return nil
}

func (c *Client) readLine() (string, error) {
	if c.conn == nil {
		return "", protocolErr("not connected")
	}
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", fmt.Errorf("nntp: set deadline: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.drop()
		return "", protocolErr("connection closed")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readStatus() (string, error) {
	line, err := c.readLine()
	if err != nil {
		return "", err
	}
	if len(line) < 3 || !isDigits(line[:3]) {
		return "", protocolErr("invalid response: " + line)
	}
	return line, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Command writes a CRLF-terminated line and expects a status line starting
// with one of okPrefixes (defaulting to "2" and "3").
func (c *Client) Command(line string, okPrefixes ...string) (string, error) {
	if len(okPrefixes) == 0 {
		okPrefixes = []string{"2", "3"}
	}
	if err := c.writeLine(line); err != nil {
		return "", err
	}
	status, err := c.readStatus()
	if err != nil {
		return "", err
	}
	for _, prefix := range okPrefixes {
		if strings.HasPrefix(status, prefix) {
			return status, nil
		}
	}
	return "", protocolErr(status)
}

// readMultiline reads lines up to the lone-dot terminator, unescaping
// dot-stuffed lines.
func (c *Client) readMultiline() ([]string, error) {
	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

func (c *Client) readerMode() {
	// Some servers reject MODE READER; that is fine.
	_, _ = c.Command("MODE READER")
}

func (c *Client) auth(user, password string) error {
	if user == "" {
		return nil
	}
	if _, err := c.Command("AUTHINFO USER "+user, "2", "3"); err != nil {
		return err
	}
	if password != "" {
		if _, err := c.Command("AUTHINFO PASS "+password, "2"); err != nil {
			return err
		}
	}
	return nil
}

// List returns the group descriptors from a LIST command.
func (c *Client) List() ([]Group, error) {
	if _, err := c.Command("LIST", "2"); err != nil {
		return nil, err
	}
	lines, err := c.readMultiline()
	if err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		group := Group{Name: fields[0]}
		if len(fields) > 1 {
			group.High, _ = strconv.ParseInt(fields[1], 10, 64)
		}
		if len(fields) > 2 {
			group.Low, _ = strconv.ParseInt(fields[2], 10, 64)
		}
		if len(fields) > 3 {
			group.Flags = fields[3]
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// SelectGroup issues GROUP and parses the "211 count first last name" reply.
func (c *Client) SelectGroup(name string) (GroupStatus, error) {
	status, err := c.Command("GROUP "+name, "2")
	if err != nil {
		return GroupStatus{}, err
	}
	fields := strings.Fields(status)
	result := GroupStatus{Name: name}
	if len(fields) > 1 {
		result.Count, _ = strconv.ParseInt(fields[1], 10, 64)
	}
	if len(fields) > 2 {
		result.First, _ = strconv.ParseInt(fields[2], 10, 64)
	}
	if len(fields) > 3 {
		result.Last, _ = strconv.ParseInt(fields[3], 10, 64)
	}
	if len(fields) > 4 {
		result.Name = fields[4]
	}
	return result, nil
}

// Overview issues XOVER for an inclusive article range and returns entries
// in server order.
func (c *Client) Overview(start, end int64) ([]OverviewEntry, error) {
	if _, err := c.Command(fmt.Sprintf("XOVER %d-%d", start, end), "2"); err != nil {
		return nil, err
	}
	lines, err := c.readMultiline()
	if err != nil {
		return nil, err
	}
	entries := make([]OverviewEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseOverviewLine(line))
	}
	return entries, nil
}

func parseOverviewLine(line string) OverviewEntry {
	fields := strings.Split(line, "\t")
	var entry OverviewEntry
	at := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	entry.Article, _ = strconv.ParseInt(at(0), 10, 64)
	entry.Subject = at(1)
	entry.From = at(2)
	entry.Date = at(3)
	entry.MessageID = at(4)
	entry.References = at(5)
	entry.Bytes, _ = strconv.ParseInt(at(6), 10, 64)
	entry.Lines, _ = strconv.ParseInt(at(7), 10, 64)
	entry.Xref = at(8)
	return entry
}

// Body fetches an article body by message-id or article number.
func (c *Client) Body(article string) ([]string, error) {
	if _, err := c.Command("BODY "+article, "2"); err != nil {
		return nil, err
	}
	return c.readMultiline()
}

// Article fetches a full article (headers plus body).
func (c *Client) Article(article string) ([]string, error) {
	if _, err := c.Command("ARTICLE "+article, "2"); err != nil {
		return nil, err
	}
	return c.readMultiline()
}

// Stat checks existence of an article without transferring it.
func (c *Client) Stat(article string) (string, error) {
	return c.Command("STAT "+article, "2")
}

// Quit sends QUIT and closes the connection regardless of the reply.
func (c *Client) Quit() {
	if c == nil || c.conn == nil {
		return
	}
	_, _ = c.Command("QUIT", "2")
	_ = c.Close()
}

// StripArticleHeaders returns the lines after the first blank line,
// turning an ARTICLE response into a body.
func StripArticleHeaders(lines []string) []string {
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			return lines[i+1:]
		}
	}
	return lines
}
