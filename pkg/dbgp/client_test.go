package dbgp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDebuggee is a scripted DBGp peer that dials into the link under test,
// standing in for an XDebug-enabled interpreter.
type stubDebuggee struct {
	t    *testing.T
	conn net.Conn

	mu       sync.Mutex
	received []stubCommand

	// handle returns the XML payload to answer a command with; nil answers
	// nothing (the command stays pending).
	handle func(cmd stubCommand) []byte
}

type stubCommand struct {
	Verb string
	Txid int
	Args map[string]string
	Data string
}

func dialStub(t *testing.T, port int, handle func(stubCommand) []byte) *stubDebuggee {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "dialing stub debuggee")

	s := &stubDebuggee{t: t, conn: conn, handle: handle}
	t.Cleanup(func() { _ = conn.Close() })
	go s.serve()
	return s
}

func (s *stubDebuggee) serve() {
	buf := make([]byte, 4096)
	var acc []byte
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		acc = append(acc, buf[:n]...)
		for {
			idx := -1
			for i, b := range acc {
				if b == 0 {
					idx = i
					break
				}
			}
			if idx < 0 {
				break
			}
			line := string(acc[:idx])
			acc = acc[idx+1:]
			cmd := parseStubCommand(line)
			s.mu.Lock()
			s.received = append(s.received, cmd)
			s.mu.Unlock()
			if payload := s.handle(cmd); payload != nil {
				s.send(payload)
			}
		}
	}
}

func (s *stubDebuggee) send(payload []byte) {
	_, _ = s.conn.Write(EncodeFrame(payload))
}

func (s *stubDebuggee) commands() []stubCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stubCommand, len(s.received))
	copy(out, s.received)
	return out
}

func parseStubCommand(line string) stubCommand {
	cmd := stubCommand{Args: map[string]string{}}
	main, data, hasData := strings.Cut(line, " -- ")
	if hasData {
		if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data)); err == nil {
			cmd.Data = string(decoded)
		}
	}
	fields := strings.Fields(main)
	if len(fields) == 0 {
		return cmd
	}
	cmd.Verb = fields[0]
	for i := 1; i < len(fields)-1; i += 2 {
		key := fields[i]
		val := strings.Trim(fields[i+1], `"`)
		if key == "-i" {
			cmd.Txid, _ = strconv.Atoi(val)
			continue
		}
		cmd.Args[key] = val
	}
	return cmd
}

func okResponse(cmd stubCommand) []byte {
	return []byte(fmt.Sprintf(
		`<response command="%s" transaction_id="%d" success="1"/>`, cmd.Verb, cmd.Txid))
}

var testPort = 19300

// newTestLink binds a fresh link on its own small port range.
func newTestLink(t *testing.T) (*Client, int) {
	t.Helper()
	testPort += 10
	c := NewClient(ClientConfig{
		Port:           testPort,
		PortRangeEnd:   testPort + 9,
		CommandTimeout: 2 * time.Second,
	})
	port, err := c.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, port
}

func TestClientCorrelatesResponsesByTransactionID(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, okResponse)

	ctx := context.Background()
	require.NoError(t, c.WaitForConnection(ctx))

	for i := 0; i < 5; i++ {
		resp, err := c.SendCommand(ctx, "feature_set", []string{"-n", "max_depth", "-v", "1"}, "")
		require.NoError(t, err)
		assert.Equal(t, "feature_set", resp.Command)
	}
}

func TestClientRejectsOnDBGpError(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, func(cmd stubCommand) []byte {
		return []byte(fmt.Sprintf(
			`<response command="%s" transaction_id="%d"><error code="5"><message>command not available</message></error></response>`,
			cmd.Verb, cmd.Txid))
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	_, err := c.SendCommand(context.Background(), "step_over", nil, "")
	var dbgpErr *DBGpError
	require.ErrorAs(t, err, &dbgpErr)
	assert.Equal(t, 5, dbgpErr.Code)
}

func TestClientGetPropertyNotFoundIsNil(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "property_get" {
			return []byte(fmt.Sprintf(
				`<response command="property_get" transaction_id="%d"><error code="300"><message>property does not exist</message></error></response>`,
				cmd.Txid))
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	info, err := c.GetProperty(context.Background(), "$missing", 1, 20)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestClientSetBreakpointWireFormat(t *testing.T) {
	c, port := newTestLink(t)
	stub := dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "breakpoint_set" {
			return []byte(fmt.Sprintf(
				`<response command="breakpoint_set" transaction_id="%d" id="9001" state="enabled"/>`, cmd.Txid))
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	id, err := c.SetBreakpoint(context.Background(), BreakpointRequest{
		Type:       "conditional",
		Filename:   "/var/www/html/app/y.php",
		Lineno:     238,
		Expression: "$i === 50",
	})
	require.NoError(t, err)
	assert.Equal(t, "9001", id)

	cmds := stub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "conditional", cmds[0].Args["-t"])
	assert.Equal(t, "file:///var/www/html/app/y.php", cmds[0].Args["-f"])
	assert.Equal(t, "238", cmds[0].Args["-n"])
	assert.Equal(t, "$i === 50", cmds[0].Data)
}

func TestClientEmitsBreakEvents(t *testing.T) {
	c, port := newTestLink(t)
	stub := dialStub(t, port, func(cmd stubCommand) []byte { return nil })
	require.NoError(t, c.WaitForConnection(context.Background()))

	stub.send([]byte(`<response command="run" transaction_id="1" status="break">
  <message filename="file:///var/www/html/app/x.php" lineno="42"/>
</response>`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := c.WaitForBreak(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/var/www/html/app/x.php", ev.Filename)
	assert.Equal(t, 42, ev.Lineno)
	assert.Equal(t, ReasonBreakpointHit, ev.Reason)
}

func TestClientReasonMapping(t *testing.T) {
	assert.Equal(t, ReasonStepComplete, mapReason("ok"))
	assert.Equal(t, ReasonException, mapReason("error"))
	assert.Equal(t, ReasonException, mapReason("exception"))
	assert.Equal(t, ReasonBreakpointHit, mapReason(""))
	assert.Equal(t, ReasonBreakpointHit, mapReason("aborted"))
}

func TestClientNoAvailablePort(t *testing.T) {
	base := 19900
	var occupied []net.Listener
	for p := base; p <= base+1; p++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(p))
		require.NoError(t, err)
		occupied = append(occupied, ln)
	}
	defer func() {
		for _, ln := range occupied {
			_ = ln.Close()
		}
	}()

	c := NewClient(ClientConfig{Port: base, PortRangeEnd: base + 1})
	_, err := c.Listen()
	require.ErrorIs(t, err, ErrNoAvailablePort)

	// The walk must not hold any socket: the range is bindable again once
	// the occupiers release it.
	for _, ln := range occupied {
		_ = ln.Close()
	}
	occupied = nil
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(base))
	require.NoError(t, err)
	_ = ln.Close()
}

func TestClientCloseRejectsPending(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, func(cmd stubCommand) []byte { return nil }) // never answers
	require.NoError(t, c.WaitForConnection(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(context.Background(), "stack_get", nil, "")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-done:
		require.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not rejected on close")
	}
}

func TestClientTimeoutKeepsConnection(t *testing.T) {
	c, port := newTestLink(t)
	stub := dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "stack_get" {
			return nil // never answer this one
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := c.SendCommand(ctx, "stack_get", nil, "")
	cancel()
	require.ErrorIs(t, err, ErrTimeout)

	// The link survives: a later command still round-trips.
	resp, err := c.SendCommand(context.Background(), "feature_set", []string{"-n", "max_depth", "-v", "1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "feature_set", resp.Command)
	assert.NotEmpty(t, stub.commands())
}

func TestClientEvaluateDecodesResult(t *testing.T) {
	c, port := newTestLink(t)
	stub := dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "eval" {
			return []byte(fmt.Sprintf(
				`<response command="eval" transaction_id="%d"><property type="int">51</property></response>`, cmd.Txid))
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	info, err := c.Evaluate(context.Background(), "$i + 1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(51), info.Value)

	// The expression travels base64-encoded after the -- separator.
	cmds := stub.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "$i + 1", cmds[0].Data)
}

func TestClientGetContextVariables(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "context_get" {
			return []byte(fmt.Sprintf(
				`<response command="context_get" transaction_id="%d"><property name="$a" type="int">1</property><property name="$b" type="string">two</property></response>`, cmd.Txid))
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	vars, err := c.GetContextVariables(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "$a", vars[0].Name)
	assert.Equal(t, int64(1), vars[0].Value)
	assert.Equal(t, "two", vars[1].Value)
}

func TestClientGetStackFrames(t *testing.T) {
	c, port := newTestLink(t)
	dialStub(t, port, func(cmd stubCommand) []byte {
		if cmd.Verb == "stack_get" {
			return []byte(fmt.Sprintf(
				`<response command="stack_get" transaction_id="%d"><stack level="0" type="file" filename="file:///var/www/html/app/x.php" lineno="42" where="processOrder"/><stack level="1" type="file" filename="file:///var/www/html/index.php" lineno="7"/></response>`, cmd.Txid))
		}
		return okResponse(cmd)
	})
	require.NoError(t, c.WaitForConnection(context.Background()))

	frames, err := c.GetStackFrames(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "processOrder", frames[0].Where)
	assert.Equal(t, 42, frames[0].Lineno)
	assert.Equal(t, 1, frames[1].Level)
}

func TestSplitCommand(t *testing.T) {
	assert.Equal(t, []string{"curl", "http://localhost/foo?a=1&b=2"},
		SplitCommand(`curl 'http://localhost/foo?a=1&b=2'`))
	assert.Equal(t, []string{"php", "-r", "echo 1;"},
		SplitCommand(`php -r "echo 1;"`))
	assert.Empty(t, SplitCommand("   "))
}
