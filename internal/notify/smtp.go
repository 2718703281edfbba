package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/smtp"
	"strings"

	"github.com/domodwyer/mailyak/v3"
)

// SMTPGatewayConfig configures plain-text email delivery.
type SMTPGatewayConfig struct {
	// Address is host:port of the relay.
	Address     string
	Username    string
	Password    string
	FromAddress string
	FromName    string
}

// SMTPGateway sends plain-text email through an SMTP relay.
type SMTPGateway struct {
	address     string
	host        string
	auth        smtp.Auth
	fromAddress string
	fromName    string
}

func NewSMTPGateway(cfg SMTPGatewayConfig) (*SMTPGateway, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errors.New("notify: smtp address is required")
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.New("notify: smtp address must be host:port")
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		return nil, errors.New("notify: from address is required")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPGateway{
		address:     address,
		host:        host,
		auth:        auth,
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
	}, nil
}

func (g *SMTPGateway) compose(to, subject, body string) *mailyak.MailYak {
	mail := mailyak.New(g.address, g.auth)
	mail.To(to)
	mail.From(g.fromAddress)
	if g.fromName != "" {
		mail.FromName(g.fromName)
	}
	mail.Subject(subject)
	mail.Plain().Set(body)
	return mail
}

// Send delivers the message or returns a DeliveryError. The connection
// carries the ctx deadline and is closed when ctx ends, so a stalled relay
// never outlives the call.
func (g *SMTPGateway) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return deliveryError(DriverSMTP, to, errors.New("recipient address is empty"))
	}
	message, err := g.compose(to, subject, body).MimeBuf()
	if err != nil {
		return deliveryError(DriverSMTP, to, err)
	}
	if err := g.deliver(ctx, to, message.Bytes()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return deliveryError(DriverSMTP, to, ctxErr)
		}
		return deliveryError(DriverSMTP, to, err)
	}
	return nil
}

func (g *SMTPGateway) deliver(ctx context.Context, to string, message []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", g.address)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, g.host)
	if err != nil {
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: g.host}); err != nil {
			return err
		}
	}
	if g.auth != nil {
		if err := client.Auth(g.auth); err != nil {
			return err
		}
	}
	if err := client.Mail(g.fromAddress); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	writer, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := writer.Write(message); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	// The relay has accepted the message; a failed QUIT must not trigger a resend.
	_ = client.Quit()
	return nil
}
