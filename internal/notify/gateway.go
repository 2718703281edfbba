// Package notify delivers waitlist notifications to diners.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	DriverLog  = "log"
	DriverSMTP = "smtp"
	DriverAMQP = "amqp"
)

// ErrDelivery marks every failure returned by a Gateway.
var ErrDelivery = errors.New("notification delivery failed")

// Gateway sends one message to one recipient. Implementations must honour
// ctx cancellation so a slow recipient cannot stall the caller.
type Gateway interface {
	Send(ctx context.Context, to, subject, body string) error
}

// DeliveryError describes a failed send.
type DeliveryError struct {
	Driver    string
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Driver, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDelivery, e.Err}
}

func deliveryError(driver, recipient string, err error) error {
	return &DeliveryError{Driver: driver, Recipient: recipient, Err: err}
}

// Config selects and configures a gateway.
type Config struct {
	Driver       string
	FromAddress  string
	FromName     string
	SMTPAddress  string
	SMTPUsername string
	SMTPPassword string
	AMQPURL      string
	AMQPQueue    string
	Logger       *zap.Logger
}

// New builds the configured gateway. The returned close function releases
// broker connections and is safe to call for every driver.
func New(cfg Config) (Gateway, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverLog:
		return NewLogGateway(cfg.Logger), noClose, nil
	case DriverSMTP:
		gateway, err := NewSMTPGateway(SMTPGatewayConfig{
			Address:     cfg.SMTPAddress,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.FromAddress,
			FromName:    cfg.FromName,
		})
		if err != nil {
			return nil, nil, err
		}
		return gateway, noClose, nil
	case DriverAMQP:
		gateway, err := DialAMQPGateway(AMQPGatewayConfig{
			URL:         cfg.AMQPURL,
			Queue:       cfg.AMQPQueue,
			FromAddress: cfg.FromAddress,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return gateway, gateway.Close, nil
	default:
		return nil, nil, fmt.Errorf("notify: unsupported driver %q", cfg.Driver)
	}
}
