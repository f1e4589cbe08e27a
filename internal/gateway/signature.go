package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Signer checks HMAC-SHA256 signatures produced by the gateway.
type Signer struct {
	keySecret     []byte
	webhookSecret []byte
}

func NewSigner(keySecret, webhookSecret string) *Signer {
	return &Signer{keySecret: []byte(keySecret), webhookSecret: []byte(webhookSecret)}
}

// SignPayment returns the hex signature of "orderID|paymentID".
func (s *Signer) SignPayment(orderID, paymentID string) string {
	return sign(s.keySecret, []byte(orderID+"|"+paymentID))
}

// SignWebhook returns the hex signature of a raw webhook body.
func (s *Signer) SignWebhook(body []byte) string {
	return sign(s.webhookSecret, body)
}

func (s *Signer) VerifyPayment(orderID, paymentID, signature string) error {
	return verify(s.SignPayment(orderID, paymentID), signature)
}

func (s *Signer) VerifyWebhook(body []byte, signature string) error {
	if len(s.webhookSecret) == 0 {
		return apperr.Wrap(apperr.KindInvalidSignature, nil, "webhook secret is not configured")
	}
	return verify(s.SignWebhook(body), signature)
}

func sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(expected, got string) error {
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return apperr.ErrInvalidSignature
	}
	return nil
}
