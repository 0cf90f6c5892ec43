package twofactor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"

	"github.com/pquerna/otp"
	skipqrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the edge length in pixels of enrollment QR codes.
const DefaultQRSize = 300

var ErrQRCode = errors.New("failed to render qr code")

// QRCodePNG renders a provisioning URI as a square PNG.
func QRCodePNG(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, errors.Join(ErrQRCode, err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, errors.Join(ErrQRCode, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Join(ErrQRCode, err)
	}
	return buf.Bytes(), nil
}

// QRCodeDataURI renders the URI as a data:image/png;base64 string for an <img> tag.
func QRCodeDataURI(uri string, size int) (string, error) {
	data, err := QRCodePNG(uri, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// QRCodeTerminal renders the URI with unicode half blocks for printing to a terminal.
func QRCodeTerminal(uri string) (string, error) {
	q, err := skipqrcode.New(uri, skipqrcode.Medium)
	if err != nil {
		return "", errors.Join(ErrQRCode, err)
	}
	return q.ToSmallString(false), nil
}
