package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogGatewayWritesNotification(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gateway := NewLogGateway(zap.New(core))

	err := gateway.Send(context.Background(), "ada@example.com", "Table Available Notification", "Dear Ada")
	require.NoError(t, err)

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "ada@example.com", entries[0].ContextMap()["to"])
}

func TestLogGatewayHonoursCancelledContext(t *testing.T) {
	gateway := NewLogGateway(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := gateway.Send(ctx, "ada@example.com", "subject", "body")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewSMTPGatewayValidatesConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  SMTPGatewayConfig
	}{
		{name: "missing address", cfg: SMTPGatewayConfig{FromAddress: "no-reply@flavorscape.com"}},
		{name: "address without port", cfg: SMTPGatewayConfig{Address: "mail.local", FromAddress: "no-reply@flavorscape.com"}},
		{name: "missing sender", cfg: SMTPGatewayConfig{Address: "mail.local:25"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewSMTPGateway(testCase.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSMTPGatewayComposesPlainTextMessage(t *testing.T) {
	gateway, err := NewSMTPGateway(SMTPGatewayConfig{
		Address:     "mail.local:25",
		FromAddress: "no-reply@flavorscape.com",
		FromName:    "Flavorscape",
	})
	require.NoError(t, err)

	mail := gateway.compose("ada@example.com", "Table Available Notification", "Dear Ada")
	buffer, err := mail.MimeBuf()
	require.NoError(t, err)

	message := buffer.String()
	assert.Contains(t, message, "Subject: Table Available Notification")
	assert.Contains(t, message, "ada@example.com")
	assert.Contains(t, message, "no-reply@flavorscape.com")
	assert.Contains(t, message, "Dear Ada")
}

func TestSMTPGatewayTimesOutOnSilentServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	serverClosed := make(chan error, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			serverClosed <- acceptErr
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, readErr := io.Copy(io.Discard, conn)
		if readErr == nil {
			readErr = io.EOF
		}
		serverClosed <- readErr
	}()

	gateway, err := NewSMTPGateway(SMTPGatewayConfig{
		Address:     listener.Addr().String(),
		FromAddress: "no-reply@flavorscape.com",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = gateway.Send(ctx, "ada@example.com", "subject", "body")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var delivery *DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, DriverSMTP, delivery.Driver)
	assert.Equal(t, "ada@example.com", delivery.Recipient)

	select {
	case readErr := <-serverClosed:
		var netErr net.Error
		if errors.As(readErr, &netErr) && netErr.Timeout() {
			t.Fatalf("relay connection was still open after Send returned")
		}
	case <-time.After(time.Second):
		t.Fatalf("relay connection was still open after Send returned")
	}
}

func TestSMTPGatewayDeliversThroughRelay(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	transcript := make(chan []string, 1)
	go serveSMTPSession(listener, transcript)

	gateway, err := NewSMTPGateway(SMTPGatewayConfig{
		Address:     listener.Addr().String(),
		FromAddress: "no-reply@flavorscape.com",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gateway.Send(ctx, "ada@example.com", "Table Available Notification", "Dear Ada"))

	var lines []string
	select {
	case lines = <-transcript:
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not finish the session")
	}
	session := strings.Join(lines, "\n")
	assert.Contains(t, session, "MAIL FROM:<no-reply@flavorscape.com>")
	assert.Contains(t, session, "RCPT TO:<ada@example.com>")
	assert.Contains(t, session, "Subject: Table Available Notification")
	assert.Contains(t, session, "QUIT")
}

// serveSMTPSession answers one client with the minimal replies net/smtp needs
// and reports every line it received.
func serveSMTPSession(listener net.Listener, transcript chan<- []string) {
	conn, err := listener.Accept()
	if err != nil {
		transcript <- nil
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	reader := bufio.NewReader(conn)
	reply := func(line string) { _, _ = io.WriteString(conn, line+"\r\n") }
	var lines []string
	inData := false

	reply("220 relay.local ESMTP")
	for {
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			transcript <- lines
			return
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if inData {
			if line == "." {
				inData = false
				reply("250 queued")
			}
			continue
		}
		command := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(command, "EHLO"), strings.HasPrefix(command, "HELO"):
			reply("250 relay.local")
		case strings.HasPrefix(command, "MAIL"), strings.HasPrefix(command, "RCPT"):
			reply("250 ok")
		case command == "DATA":
			inData = true
			reply("354 end with <CRLF>.<CRLF>")
		case command == "QUIT":
			reply("221 bye")
			transcript <- lines
			return
		default:
			reply("502 unsupported")
		}
	}
}

func TestSMTPGatewayRejectsEmptyRecipient(t *testing.T) {
	gateway, err := NewSMTPGateway(SMTPGatewayConfig{Address: "mail.local:25", FromAddress: "no-reply@flavorscape.com"})
	require.NoError(t, err)

	err = gateway.Send(context.Background(), " ", "subject", "body")
	assert.ErrorIs(t, err, ErrDelivery)
}

type stubPublisher struct {
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (p *stubPublisher) PublishWithContext(_ context.Context, _ string, key string, _ bool, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.published = append(p.published, msg)
	return nil
}

func (p *stubPublisher) Close() error {
	p.closed = true
	return nil
}

func TestAMQPGatewayPublishesEnvelope(t *testing.T) {
	stub := &stubPublisher{}
	sentAt := time.Date(2025, time.January, 22, 12, 0, 0, 0, time.UTC)
	gateway := newAMQPGateway(stub, AMQPGatewayConfig{
		FromAddress: "no-reply@flavorscape.com",
		Clock:       func() time.Time { return sentAt },
	})

	err := gateway.Send(context.Background(), "ada@example.com", "Table Available Notification", "Dear Ada")
	require.NoError(t, err)
	require.Len(t, stub.published, 1)
	assert.Equal(t, defaultQueue, stub.keys[0])
	assert.Equal(t, amqp.Persistent, stub.published[0].DeliveryMode)
	assert.Equal(t, "application/json", stub.published[0].ContentType)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(stub.published[0].Body, &envelope))
	assert.Equal(t, "ada@example.com", envelope.To)
	assert.Equal(t, "no-reply@flavorscape.com", envelope.From)
	assert.Equal(t, "Table Available Notification", envelope.Subject)
	assert.True(t, envelope.SentAt.Equal(sentAt))

	require.NoError(t, gateway.Close())
	assert.True(t, stub.closed)
	assert.ErrorIs(t, gateway.Send(context.Background(), "ada@example.com", "s", "b"), ErrDelivery)
}

func TestAMQPGatewayWrapsPublishFailure(t *testing.T) {
	brokerErr := errors.New("channel/connection is not open")
	gateway := newAMQPGateway(&stubPublisher{err: brokerErr}, AMQPGatewayConfig{Queue: "custom"})

	err := gateway.Send(context.Background(), "ada@example.com", "s", "b")
	assert.ErrorIs(t, err, ErrDelivery)
	assert.ErrorIs(t, err, brokerErr)
}

func TestNewSelectsDriver(t *testing.T) {
	gateway, closeGateway, err := New(Config{Driver: "LOG"})
	require.NoError(t, err)
	assert.IsType(t, &LogGateway{}, gateway)
	assert.NoError(t, closeGateway())

	gateway, _, err = New(Config{Driver: DriverSMTP, SMTPAddress: "mail.local:25", FromAddress: "no-reply@flavorscape.com"})
	require.NoError(t, err)
	assert.IsType(t, &SMTPGateway{}, gateway)

	_, _, err = New(Config{Driver: DriverAMQP})
	assert.Error(t, err)

	_, _, err = New(Config{Driver: "pigeon"})
	assert.Error(t, err)
}
