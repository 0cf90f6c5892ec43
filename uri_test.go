package twofactor

import (
	"bytes"
	"image/png"
	"strings"
	"testing"

	"github.com/pquerna/otp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvisioningURI(t *testing.T) {
	cases := []struct {
		Name    string
		Account string
		Issuer  string
		Expect  string
	}{
		{
			"plain", "alice", "Jenkins",
			"otpauth://totp/Jenkins:alice?secret=" + rfcSecret + "&issuer=Jenkins&algorithm=SHA1&digits=6&period=30",
		},
		{
			"email", "alice@example.com", "Acme",
			"otpauth://totp/Acme:alice@example.com?secret=" + rfcSecret + "&issuer=Acme&algorithm=SHA1&digits=6&period=30",
		},
		{
			"spaces-and-ampersand", "bob smith", "Test & App",
			"otpauth://totp/Test%20&%20App:bob%20smith?secret=" + rfcSecret + "&issuer=Test%20%26%20App&algorithm=SHA1&digits=6&period=30",
		},
		{
			"injection", "eve?secret=AAAA&issuer=Evil", "Acme",
			"otpauth://totp/Acme:eve%3Fsecret=AAAA&issuer=Evil?secret=" + rfcSecret + "&issuer=Acme&algorithm=SHA1&digits=6&period=30",
		},
		{
			"colon", "mallory:admin", "Acme:Corp",
			"otpauth://totp/Acme%3ACorp:mallory%3Aadmin?secret=" + rfcSecret + "&issuer=Acme%3ACorp&algorithm=SHA1&digits=6&period=30",
		},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			uri, err := ProvisioningURI(rfcSecret, c.Account, c.Issuer)
			require.NoError(t, err)
			assert.Equal(t, c.Expect, uri)

			key, err := otp.NewKeyFromURL(uri)
			require.NoError(t, err)
			assert.Equal(t, rfcSecret, key.Secret())
			assert.Equal(t, c.Issuer, key.Issuer())
			if !strings.Contains(c.Issuer, ":") {
				assert.Equal(t, c.Account, key.AccountName())
			}
		})
	}
}

func TestProvisioningURIErrors(t *testing.T) {
	_, err := ProvisioningURI("", "alice", "Acme")
	assert.ErrorIs(t, err, ErrSecretUnavailable)

	_, err = ProvisioningURI(rfcSecret, "", "Acme")
	assert.ErrorIs(t, err, ErrMissingAccountName)

	_, err = ProvisioningURI(rfcSecret, "alice", "")
	assert.ErrorIs(t, err, ErrMissingIssuer)
}

func TestQRCode(t *testing.T) {
	uri, err := ProvisioningURI(rfcSecret, "alice", "Acme")
	require.NoError(t, err)

	data, err := QRCodePNG(uri, 200)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())

	dataURI, err := QRCodeDataURI(uri, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dataURI, "data:image/png;base64,"))

	term, err := QRCodeTerminal(uri)
	require.NoError(t, err)
	assert.NotEmpty(t, term)

	_, err = QRCodePNG("::not a uri", 200)
	assert.ErrorIs(t, err, ErrQRCode)
}
