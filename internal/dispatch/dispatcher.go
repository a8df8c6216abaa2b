// Package dispatch hands freshly issued OTP codes to the delivery channel.
// Delivery itself (SMS, email) happens downstream.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"storefront-auth/internal/encryption"
	"storefront-auth/internal/models"
	"storefront-auth/internal/util"
)

// CodePurpose is bound into the encrypted code payload.
const CodePurpose = "otp_dispatch"

// OTP is one code to deliver.
type OTP struct {
	RequestID      string
	Identifier     string
	IdentifierKind models.IdentifierKind
	Purpose        models.OTPPurpose
	Code           string
	ExpiresAt      time.Time
}

type Dispatcher interface {
	Dispatch(ctx context.Context, otp OTP) error
}

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Encryptor is satisfied by encryption.EncryptionManager.
type Encryptor interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
}

// OTPMessage is the Kafka payload consumed by the delivery workers.
type OTPMessage struct {
	RequestID      string                    `json:"requestId"`
	Identifier     string                    `json:"identifier"`
	IdentifierKind models.IdentifierKind     `json:"identifierKind"`
	Purpose        models.OTPPurpose         `json:"purpose"`
	ExpiresAt      time.Time                 `json:"expiresAt"`
	Code           *encryption.EncryptedData `json:"code"`
}

type KafkaDispatcher struct {
	producer  Producer
	encryptor Encryptor
	topic     string
}

func NewKafkaDispatcher(producer Producer, encryptor Encryptor, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{producer: producer, encryptor: encryptor, topic: topic}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, otp OTP) error {
	sealed, err := d.encryptor.EncryptField(ctx, otp.Code, CodePurpose)
	if err != nil {
		return fmt.Errorf("failed to encrypt otp code: %w", err)
	}

	payload, err := json.Marshal(OTPMessage{
		RequestID:      otp.RequestID,
		Identifier:     otp.Identifier,
		IdentifierKind: otp.IdentifierKind,
		Purpose:        otp.Purpose,
		ExpiresAt:      otp.ExpiresAt.UTC(),
		Code:           sealed,
	})
	if err != nil {
		return fmt.Errorf("failed to encode otp message: %w", err)
	}

	headers := map[string]string{
		"identifier_kind": string(otp.IdentifierKind),
		"purpose":         string(otp.Purpose),
	}
	if err := d.producer.ProduceMessage(ctx, d.topic, []byte(otp.RequestID), payload, headers); err != nil {
		return fmt.Errorf("failed to publish otp: %w", err)
	}

	util.Debug("OTP dispatched",
		zap.String("request_id", otp.RequestID),
		zap.String("topic", d.topic))
	return nil
}

// ConsoleDispatcher writes codes to a terminal for local development. It
// writes to its own stream, never to the application log.
type ConsoleDispatcher struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleDispatcher(out io.Writer) *ConsoleDispatcher {
	return &ConsoleDispatcher{out: out}
}

func (d *ConsoleDispatcher) Dispatch(_ context.Context, otp OTP) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := fmt.Fprintf(d.out, "[otp] %s %s purpose=%s code=%s request=%s expires=%s\n",
		otp.IdentifierKind, otp.Identifier, otp.Purpose, otp.Code, otp.RequestID,
		otp.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write otp to console: %w", err)
	}
	return nil
}
