package eticket

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"ms-orders/internal/logger"
	"ms-orders/internal/models"
)

const (
	keySize      = 32
	commitSize   = 16
	commitDomain = "eticket-key-commit-v1"
)

type Store interface {
	CountETicketsByEvent(ctx context.Context, eventID string) (int, error)
	CreateETicket(ctx context.Context, et *models.ETicket) error
	UpdateETicketQRCode(ctx context.Context, et *models.ETicket) error
	GetETicketByID(ctx context.Context, id, orgID string) (*models.ETicket, error)
}

// Codec generates and verifies QR-encoded e-tickets. Aside from the lookup
// in Verify it is pure; it never logs plaintext payloads.
type Codec struct {
	store Store
	log   *logger.Logger
}

func NewCodec(store Store, log *logger.Logger) *Codec {
	return &Codec{store: store, log: log}
}

// QRPayload is the stable wire shape embedded in the QR code.
type QRPayload struct {
	ID64         string `json:"id64"`
	SecretPhrase string `json:"secret_phrase"`
}

// Generate allocates a fresh symmetric key, derives the ticket name and
// secret phrase, persists the record and attaches its QR payload. The
// per-event counter tolerates holes left by rolled-back issuances.
func (c *Codec) Generate(ctx context.Context, event *models.Event, ticket *models.Ticket, orderID string, expiration time.Time) (*models.ETicket, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}

	count, err := c.store.CountETicketsByEvent(ctx, event.ID)
	if err != nil {
		return nil, fmt.Errorf("count etickets: %w", err)
	}

	name := fmt.Sprintf("E-Ticket N°%d | %s", count+1, event.Name)
	et := &models.ETicket{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		TicketID:       ticket.ID,
		RelatedOrderID: orderID,
		Name:           name,
		SecretKey:      key,
		SecretPhrase:   fmt.Sprintf("%s @ %d", name, expiration.Unix()),
		CreatedAt:      time.Now(),
	}
	if err := c.store.CreateETicket(ctx, et); err != nil {
		return nil, fmt.Errorf("create eticket: %w", err)
	}

	payload, err := c.QRPayload(et)
	if err != nil {
		return nil, err
	}
	et.QRCodeData = payload
	if err := c.store.UpdateETicketQRCode(ctx, et); err != nil {
		return nil, fmt.Errorf("store qr payload: %w", err)
	}
	return et, nil
}

// QRPayload builds the JSON wire payload for an e-ticket.
func (c *Codec) QRPayload(et *models.ETicket) (string, error) {
	encrypted, err := encrypt(et.SecretKey, []byte(et.SecretPhrase))
	if err != nil {
		return "", fmt.Errorf("encrypt secret phrase: %w", err)
	}
	payload := QRPayload{
		ID64:         base64.RawURLEncoding.EncodeToString([]byte(et.ID)),
		SecretPhrase: base64.URLEncoding.EncodeToString(encrypted),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Verify decodes a scanned payload, looks up the e-ticket (scoped to the
// organization when orgID is non-empty) and checks the encrypted phrase
// against the stored one. Every failure mode collapses to (false, nil);
// callers learn nothing about which step failed.
func (c *Codec) Verify(ctx context.Context, payload QRPayload, orgID string) (bool, *models.ETicket) {
	idBytes, err := base64.RawURLEncoding.DecodeString(payload.ID64)
	if err != nil {
		return false, nil
	}
	et, err := c.store.GetETicketByID(ctx, string(idBytes), orgID)
	if err != nil {
		return false, nil
	}
	encrypted, err := base64.URLEncoding.DecodeString(payload.SecretPhrase)
	if err != nil {
		return false, nil
	}
	plaintext, err := decrypt(et.SecretKey, encrypted)
	if err != nil {
		return false, nil
	}
	if subtle.ConstantTimeCompare(plaintext, []byte(et.SecretPhrase)) != 1 {
		return false, nil
	}
	return true, et
}

// VerifyRaw parses a raw JSON payload string before verification.
func (c *Codec) VerifyRaw(ctx context.Context, raw string, orgID string) (bool, *models.ETicket) {
	var payload QRPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false, nil
	}
	return c.Verify(ctx, payload, orgID)
}

// RenderPNG encodes the stored QR payload as a PNG image.
func (c *Codec) RenderPNG(et *models.ETicket) ([]byte, error) {
	return qrcode.Encode(et.QRCodeData, qrcode.Medium, 256)
}

// keyCommitment binds the ciphertext to the encryption key so that a
// ciphertext cannot be claimed valid under a different key.
func keyCommitment(key []byte) []byte {
	sum := sha256.Sum256(append([]byte(commitDomain), key...))
	return sum[:commitSize]
}

// encrypt seals data with AES-256-GCM under a random nonce and prefixes a
// key-commitment tag: commit(16) || nonce(12) || ciphertext.
func encrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, commitSize+len(nonce)+len(data)+gcm.Overhead())
	out = append(out, keyCommitment(key)...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, nil), nil
}

func decrypt(key, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload) < commitSize+gcm.NonceSize() {
		return nil, fmt.Errorf("payload too short")
	}
	if subtle.ConstantTimeCompare(payload[:commitSize], keyCommitment(key)) != 1 {
		return nil, fmt.Errorf("key commitment mismatch")
	}
	nonce := payload[commitSize : commitSize+gcm.NonceSize()]
	return gcm.Open(nil, nonce, payload[commitSize+gcm.NonceSize():], nil)
}
