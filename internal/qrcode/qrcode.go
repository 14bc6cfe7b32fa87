// Package qrcode renders the class descriptor students scan to check in.
package qrcode

import (
	"encoding/json"
	"errors"
	"time"

	qr "github.com/skip2/go-qrcode"
)

// ErrIncomplete is returned when a class descriptor lacks a required field.
var ErrIncomplete = errors.New("subject, branch, semester, date and type are required")

// Class identifies the lecture or lab a QR code checks students into.
type Class struct {
	Subject  string `json:"subject"`
	Branch   string `json:"branch"`
	Semester int    `json:"semester"`
	Date     string `json:"date"`
	Type     string `json:"type"`
}

type payload struct {
	Class
	Timestamp string `json:"timestamp"`
}

// Payload returns the JSON text encoded in the QR code. Scanning clients
// submit it verbatim as qrData.
func Payload(c Class, at time.Time) (string, error) {
	if c.Subject == "" || c.Branch == "" || c.Semester <= 0 || c.Date == "" || c.Type == "" {
		return "", ErrIncomplete
	}
	raw, err := json.Marshal(payload{Class: c, Timestamp: at.UTC().Format(time.RFC3339)})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// PNG renders the class QR code as a size x size PNG.
func PNG(c Class, at time.Time, size int) ([]byte, error) {
	text, err := Payload(c, at)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qr.Encode(text, qr.Medium, size)
}
