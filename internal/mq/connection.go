package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection is the agent's shared broker link. The readings consumer and the
// synced-event publisher each open their own channel over it.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials the broker and binds the connection to the application
// lifecycle. Without the broker the agent has no capture source, so a failed
// dial aborts startup.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("connecting to readings broker...")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("broker connection failed", zap.Error(err))
		return nil, fmt.Errorf("[BROKER CONNECTION FAILED] cannot reach the readings broker. Please check: 1) RabbitMQ is running, 2) RABBITMQ_URL is correct, 3) Credentials are valid. Error: %w", err)
	}

	mqConn := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("readings broker connected")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close broker connection", zap.Error(err))
				return err
			}
			logger.Info("readings broker connection closed")
			return nil
		},
	})

	return mqConn, nil
}

// Channel opens a dedicated channel for one consumer or publisher.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}
